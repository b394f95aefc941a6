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

/*
	Package format reads card images from the various containers they are
	distributed in. A CardReader strips a compression layer, Import then
	turns the image format into a plain card image.
*/
package format

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"

	log "github.com/sirupsen/logrus"
)

//
func NewCardReader(r io.ReadCloser, compressor string) (*CardReader, error) {

	log.WithField("compressor", compressor).Debug("card reader requested")

	var ret *CardReader
	var err error

	switch compressor {

	case "gzip", "gz":
		ret, err = getGZipReader(r)

	case "zip":
		ret, err = getZipReader(r, false)

	case "7z":
		ret, err = getZipReader(r, true)

	case "":
		ret = &CardReader{readCloser: r}
	}

	if ret == nil && err == nil {
		err = fmt.Errorf("unsupported compressor: %s", compressor)
	}

	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"compressor": ret.compressor,
		"name":       ret.name,
		"type":       ret.typ}).Debug("card reader created")

	return ret, nil
}

// CardReader reads a card image, decompressing it if needed.
type CardReader struct {
	readCloser io.ReadCloser
	//
	name       string
	typ        string
	compressor string
}

//
func (r *CardReader) Read(p []byte) (n int, err error) {
	return r.readCloser.Read(p)
}

//
func (r *CardReader) Close() error {
	return r.readCloser.Close()
}

// Name is the name of the image inside the archive, if there is one.
func (r *CardReader) Name() string {
	return r.name
}

// Type is the image type derived from the name inside the archive.
func (r *CardReader) Type() string {
	return r.typ
}

//
func (r *CardReader) Compressor() string {
	return r.compressor
}

//
func getGZipReader(r io.ReadCloser) (*CardReader, error) {

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}

	ret := &CardReader{readCloser: gzr}
	ret.name, ret.typ, _ = SplitNameTypeCompressor(gzr.Name)
	ret.compressor = "gzip"

	return ret, nil
}

// getZipReader reads the whole archive into memory, since both zip and 7z
// need random access. The first entry with a known image type is used.
func getZipReader(r io.ReadCloser, zip7 bool) (*CardReader, error) {

	var sponge bytes.Buffer
	size, err := io.Copy(&sponge, r)
	if err != nil {
		return nil, err
	}
	r.Close()

	ret := &CardReader{}

	if zip7 {
		zr, err := sevenzip.NewReader(bytes.NewReader(sponge.Bytes()), size)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		ix, err := pickEntry(names, "7-zip")
		if err != nil {
			return nil, err
		}
		ret.name, ret.typ, _ = SplitNameTypeCompressor(zr.File[ix].Name)
		ret.compressor = "7z"
		ret.readCloser, err = zr.File[ix].Open()
		if err != nil {
			return nil, err
		}

	} else {
		zr, err := zip.NewReader(bytes.NewReader(sponge.Bytes()), size)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		ix, err := pickEntry(names, "zip")
		if err != nil {
			return nil, err
		}
		ret.name, ret.typ, _ = SplitNameTypeCompressor(zr.File[ix].Name)
		ret.compressor = "zip"
		ret.readCloser, err = zr.File[ix].Open()
		if err != nil {
			return nil, err
		}
	}

	return ret, nil
}

//
func pickEntry(names []string, archive string) (int, error) {

	if len(names) == 0 {
		return -1, fmt.Errorf("empty %s archive", archive)
	}

	for ix, n := range names {
		if _, typ, _ := SplitNameTypeCompressor(n); typ != "" {
			if len(names) > 1 {
				log.WithField("entry", n).Warnf(
					"%s archive has more than one entry", archive)
			}
			return ix, nil
		}
	}

	log.Warnf("no card image in %s archive, using first entry", archive)
	return 0, nil
}

//
func SplitNameTypeCompressor(file string) (name, typ, compressor string) {

	_, n := filepath.Split(file)

	for {
		ext := filepath.Ext(n)
		if ext == "" {
			name = n
			break
		}

		n = strings.TrimSuffix(n, ext)
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))

		switch ext {

		case TypeMCD, TypeMCR, TypeMC, TypeGME, TypeVMP, TypeMC2, TypePS2,
			TypeBIN, TypeVM2:
			typ = ext

		case "gz", "gzip", "zip", "7z":
			compressor = ext
		}
	}

	return name, typ, compressor
}
