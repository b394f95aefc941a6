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

package run

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

//
func NewFormat() *Format {

	f := &Format{}
	f.Runner = *NewRunner(
		"format -o|--output {file} [-m|--mode {ps1|ps2}] [-s|--size {size}] [--sd-image] [-y|--yes]",
		"create a formatted card image, or an SD image",
		`
Use the format command to create a freshly formatted card image. With --sd-image,
a FAT formatted disk image is created instead, which the daemon can use as its
SD root.`,
		"", runnerHelpEpilogue, f.Run)

	f.AddSetting(&f.Output, "output", "o", "", nil, "file to create", true)
	f.AddSetting(&f.Mode, "mode", "m", "", "ps2", "kind of card, ps1 or ps2", false)
	f.AddSetting(&f.Size, "size", "s", "", "",
		"size of the image, e.g. 8M; defaults to the standard card size", false)
	f.AddSetting(&f.SDImage, "sd-image", "", "", false,
		"create a FAT disk image for the SD root", false)
	f.AddSetting(&f.Yes, "yes", "y", "", false,
		"overwrite existing file without confirmation", false)

	return f
}

//
type Format struct {
	Runner
	//
	Output  string
	Mode    string
	Size    string
	SDImage bool
	Yes     bool
}

//
func (f *Format) Run() error {

	if err := f.ParseSettings(); err != nil {
		return err
	}

	if _, err := os.Stat(f.Output); err == nil && !f.Yes {
		if !GetUserConfirmation(fmt.Sprintf("%s exists, overwrite?", f.Output)) {
			return nil
		}
	}

	if f.SDImage {
		size := int64(256 * 1024 * 1024)
		if f.Size != "" {
			var err error
			if size, err = parseSize(f.Size); err != nil {
				return err
			}
		}
		os.Remove(f.Output)
		if err := storage.CreateImage(f.Output, size); err != nil {
			return err
		}
		fmt.Printf("created SD image %s\n", f.Output)
		return nil
	}

	kind, err := card.ParseKind(f.Mode)
	if err != nil {
		return err
	}

	size := kind.DefaultSize()
	if f.Size != "" {
		if size, err = parseSize(f.Size); err != nil {
			return err
		}
	}

	return FormatCard(f.Output, kind, size)
}

// FormatCard creates a formatted card image in file.
func FormatCard(file string, kind card.Kind, size int64) error {

	if err := kind.ValidSize(size); err != nil {
		return err
	}

	out, err := os.Create(file)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := card.Format(out, kind, size); err != nil {
		os.Remove(file)
		return err
	}

	log.WithFields(log.Fields{
		"file": file, "kind": kind, "size": size}).Info("card image created")
	return out.Sync()
}
