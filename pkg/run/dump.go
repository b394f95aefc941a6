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
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/xelalexv/oqtacard/pkg/format"
)

//
func NewDump() *Dump {

	d := &Dump{}
	d.Runner = *NewRunner(
		"dump [-i|--input {file}] [-o|--output {file}] [-a|--address {address}]",
		"dump card from file or daemon",
		`
Use the dump command to output a hex dump of a card image from file, or of the
card currently served by the daemon. With --output, the plain image is written
to a file instead. Together with --input, this converts images of other formats
into plain card images.`,
		"", runnerHelpEpilogue, d.Run)

	d.AddBaseSettings()
	d.AddSetting(&d.Input, "input", "i", "", nil, "card image input file", false)
	d.AddSetting(&d.Output, "output", "o", "", nil,
		"write plain image to this file instead of hex dump", false)

	return d
}

//
type Dump struct {
	//
	Runner
	//
	Input  string
	Output string
}

//
func (d *Dump) Run() error {

	if err := d.ParseSettings(); err != nil {
		return err
	}

	var in io.Reader

	if d.Input != "" {
		img, err := readImage(d.Input, "")
		if err != nil {
			return err
		}
		in = bytes.NewReader(img.Data)

	} else {
		resp, err := d.apiCall("GET", "/dump", false, nil)
		if err != nil {
			return err
		}
		defer resp.Close()
		in = resp
	}

	if d.Output != "" {
		out, err := os.Create(d.Output)
		if err != nil {
			return err
		}
		defer out.Close()
		w := bufio.NewWriter(out)
		if _, err := io.Copy(w, in); err != nil {
			return err
		}
		return w.Flush()
	}

	dumper := hex.Dumper(os.Stdout)
	defer fmt.Println()
	defer dumper.Close()
	_, err := io.Copy(dumper, in)
	return err
}

// readImage imports the card image in file. If typ is empty, the type is
// derived from the file name.
func readImage(file, typ string) (*format.Image, error) {

	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}

	_, t, comp := format.SplitNameTypeCompressor(file)
	if typ == "" {
		typ = t
	}

	rd, err := format.NewCardReader(f, comp)
	if err != nil {
		f.Close()
		return nil, err
	}
	defer rd.Close()

	if typ == "" {
		typ = rd.Type()
	}
	return format.Import(rd, typ)
}
