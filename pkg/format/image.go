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

package format

import (
	"bytes"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/util"
)

// image types
const (
	TypeMCD = "mcd"
	TypeMCR = "mcr"
	TypeMC  = "mc"
	TypeGME = "gme"
	TypeVMP = "vmp"
	TypeMC2 = "mc2"
	TypePS2 = "ps2"
	TypeBIN = "bin"
	TypeVM2 = "vm2"
)

// container header sizes
const (
	gmeHeader = 0xf40
	vmpHeader = 0x80
)

const (
	ps2Page    = 512
	ps2RawPage = 528
)

var gmeMagic = []byte("123-456-STD")
var vmpMagic = []byte{0x00, 'P', 'M', 'V'}

// MaxImageSize is the largest image accepted, a 64MB card with ECC.
const MaxImageSize = 64 * 1024 * 1024 / ps2Page * ps2RawPage

// Image is a plain card image, ready to be written to a card file.
type Image struct {
	Kind card.Kind
	Data []byte
	// Stripped is the number of container or ECC bytes removed.
	Stripped int
	util.Annotations
}

/*
	Import reads a card image of type typ from r. Legacy images may come in
	DexDrive (gme) and PSP (vmp) containers, whose headers are stripped.
	Modern images may carry the spare area with ECC after each page, which
	is removed. If typ is empty, the type is guessed from size and content.
*/
func Import(r io.Reader, typ string) (*Image, error) {

	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read card image: %v", err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("card image too large")
	}

	if typ == "" {
		typ = guessType(data)
	}

	img := &Image{}

	switch typ {

	case TypeMCD, TypeMCR, TypeMC:
		img.Kind = card.PS1
		img.Data = data

	case TypeGME:
		if !bytes.HasPrefix(data, gmeMagic) || len(data) < gmeHeader {
			return nil, fmt.Errorf("not a gme image")
		}
		img.Kind = card.PS1
		img.Data = data[gmeHeader:]
		img.Stripped = gmeHeader

	case TypeVMP:
		if !bytes.HasPrefix(data, vmpMagic) || len(data) < vmpHeader {
			return nil, fmt.Errorf("not a vmp image")
		}
		img.Kind = card.PS1
		img.Data = data[vmpHeader:]
		img.Stripped = vmpHeader

	case TypeMC2, TypePS2, TypeBIN, TypeVM2:
		img.Kind = card.PS2
		img.Data, img.Stripped = stripECC(data)

	default:
		return nil, fmt.Errorf("unsupported image type: '%s'", typ)
	}

	if err := img.Kind.ValidSize(int64(len(img.Data))); err != nil {
		return nil, err
	}

	img.Annotate("source.type", typ)
	img.Annotate("source.size", len(data))
	img.Annotate("stripped", img.Stripped)

	log.WithFields(log.Fields{
		"type":     typ,
		"kind":     img.Kind,
		"size":     len(img.Data),
		"stripped": img.Stripped,
	}).Debug("card image imported")

	return img, nil
}

// stripECC removes the spare area from a modern image that has one.
func stripECC(data []byte) ([]byte, int) {

	if len(data)%ps2RawPage != 0 || len(data)%(1024*1024) == 0 {
		return data, 0
	}

	pages := len(data) / ps2RawPage
	ret := make([]byte, 0, pages*ps2Page)
	for ix := 0; ix < pages; ix++ {
		ret = append(ret, data[ix*ps2RawPage:ix*ps2RawPage+ps2Page]...)
	}
	return ret, len(data) - len(ret)
}

//
func guessType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, gmeMagic):
		return TypeGME
	case bytes.HasPrefix(data, vmpMagic):
		return TypeVMP
	case len(data) == 128*1024:
		return TypeMCD
	}
	return TypeMC2
}
