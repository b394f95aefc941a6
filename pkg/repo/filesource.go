/*
   OqtaCard - PlayStation memory card emulator
   Copyright (c) 2023, Alexander Vollschwitz

   This file is part of OqtaCard.

   OqtaCard is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   OqtaCard is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with OqtaCard. If not, see <http://www.gnu.org/licenses/>.
*/

package repo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// NewFileSource opens file within the repo folder. References that would
// leave the repo folder are rejected.
func NewFileSource(repo, file string) (*FileSource, error) {

	if repo == "" {
		return nil, fmt.Errorf("no repo configured")
	}

	clean := filepath.Clean("/" + filepath.FromSlash(file))
	path := filepath.Join(repo, clean)
	if !strings.HasPrefix(path, filepath.Clean(repo)+string(filepath.Separator)) {
		return nil, fmt.Errorf("invalid repo reference: %s", file)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{
		name:   filepath.Base(path),
		file:   f,
		reader: bufio.NewReader(io.LimitReader(f, MaxSourceSize)),
	}, nil
}

//
type FileSource struct {
	name   string
	file   *os.File
	reader io.Reader
}

//
func (fs *FileSource) Name() string {
	return fs.name
}

//
func (fs *FileSource) Read(p []byte) (n int, err error) {
	return fs.reader.Read(p)
}

//
func (fs *FileSource) Close() error {
	return fs.file.Close()
}
