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

package storage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// NewDirDriver returns a driver that uses the directory root on the host as
// the SD card.
func NewDirDriver(root string) (*DirDriver, error) {

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("SD root not accessible: %v", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("SD root %s is not a directory", abs)
	}

	log.WithField("root", abs).Info("using directory as SD card")
	return &DirDriver{root: abs}, nil
}

//
type DirDriver struct {
	root string
}

//
func (d *DirDriver) Root() string {
	return d.root
}

// resolve maps a card path into the host file system, never leaving root.
func (d *DirDriver) resolve(p string) string {
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return filepath.Join(d.root, filepath.FromSlash(clean))
}

//
func (d *DirDriver) Open(p string, flag int) (File, error) {
	f, err := os.OpenFile(d.resolve(p), flag, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{File: f}, nil
}

//
func (d *DirDriver) Exists(p string) bool {
	_, err := os.Stat(d.resolve(p))
	return err == nil
}

//
func (d *DirDriver) Stat(p string) (os.FileInfo, error) {
	return os.Stat(d.resolve(p))
}

//
func (d *DirDriver) ReadDir(p string) ([]os.FileInfo, error) {

	entries, err := os.ReadDir(d.resolve(p))
	if err != nil {
		return nil, err
	}

	ret := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			ret = append(ret, info)
		}
	}
	return ret, nil
}

//
func (d *DirDriver) Mkdir(p string) error {
	return os.MkdirAll(d.resolve(p), 0755)
}

//
func (d *DirDriver) Remove(p string) error {
	return os.Remove(d.resolve(p))
}

//
func (d *DirDriver) Free() (uint64, error) {
	return freeSpace(d.root)
}

//
func (d *DirDriver) Close() error {
	return nil
}

//
type osFile struct {
	*os.File
}

//
func (f *osFile) Size() (int64, error) {
	info, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
