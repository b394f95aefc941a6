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
	"bytes"
	"fmt"
	"net/url"

	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/format"
)

//
func NewLoad() *Load {

	l := &Load{}
	l.Runner = *NewRunner(
		`load -i|--input {file} | -r|--ref {reference} [-t|--type {type}]
       [-f|--force] [-a|--address {address}]`,
		"load a card image into the current card",
		`
Use the load command to replace the content of the card currently served by the
daemon with a card image. The image is either read from a local file, or is
referenced by the daemon, i.e. it is looked up in the daemon's repository, or
downloaded.`,
		`
  oqtacard load -i saves.gme
  oqtacard load -r repo://ps2/Final/SLUS-20963.ps2.gz
  oqtacard load -r https://example.com/cards/memcard.mcd`,
		`- Supported image types are mcd, mcr, mc, gme, vmp (PlayStation), and
  ps2, mc2, bin, vm2 (PlayStation 2). Images may be compressed with gzip,
  zip, or 7z.

`+runnerHelpEpilogue, l.Run)

	l.AddBaseSettings()
	l.AddSetting(&l.Input, "input", "i", "", nil, "card image input file", false)
	l.AddSetting(&l.Ref, "ref", "r", "", nil,
		"reference to image in daemon repository or on the web", false)
	l.AddSetting(&l.Type, "type", "t", "", nil,
		"image type, derived from name if omitted", false)
	l.AddSetting(&l.Force, "force", "f", "", false,
		"replace card content without confirmation", false)

	return l
}

//
type Load struct {
	//
	Runner
	//
	Input string
	Ref   string
	Type  string
	Force bool
}

//
func (l *Load) Run() error {

	if err := l.ParseSettings(); err != nil {
		return err
	}

	if (l.Input == "") == (l.Ref == "") {
		return fmt.Errorf("specify either an input file or a reference")
	}

	if !l.Force && !GetUserConfirmation(
		"This overwrites the content of the current card. Continue?") {
		return nil
	}

	if l.Ref != "" {
		path := "/load?ref=" + url.QueryEscape(l.Ref)
		if l.Type != "" {
			path += "&type=" + url.QueryEscape(l.Type)
		}
		return l.apiPrint("PUT", path, nil)
	}

	img, err := readImage(l.Input, l.Type)
	if err != nil {
		return err
	}

	// the image is sent in plain form, container and ECC already stripped
	typ := format.TypeMCD
	if img.Kind == card.PS2 {
		typ = format.TypePS2
	}

	return l.apiPrint("PUT", "/load?type="+typ, bytes.NewReader(img.Data))
}
