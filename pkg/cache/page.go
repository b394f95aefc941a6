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

package cache

import (
	"context"
	"sync"

	"github.com/xelalexv/oqtacard/pkg/storage"
)

// Page gives the engine access to the content of a single sector.
type Page struct {
	ctx  context.Context
	data []byte
	xfer *storage.Transfer
}

// At returns byte ix of the page, waiting until it has arrived if the page
// is still being transferred. If the context ends while waiting, 0xff is
// returned.
func (p *Page) At(ix int) byte {
	if ix < 0 || ix >= len(p.data) {
		return 0xff
	}
	if p.xfer != nil {
		if err := p.xfer.WaitFor(p.ctx, ix+1); err != nil {
			return 0xff
		}
	}
	return p.data[ix]
}

// Bytes waits for the complete page and returns its content. The returned
// slice must not be modified.
func (p *Page) Bytes() []byte {
	if p.xfer != nil {
		if err := p.xfer.WaitFor(p.ctx, len(p.data)); err != nil {
			return blankPage(len(p.data)).data
		}
	}
	return p.data
}

//
func (p *Page) Len() int {
	return len(p.data)
}

var blanks sync.Map

// blankPage returns a page of the given size reading as erased flash.
func blankPage(size int) *Page {
	if b, ok := blanks.Load(size); ok {
		return &Page{data: b.([]byte)}
	}
	b := make([]byte, size)
	fill(b, 0xff)
	blanks.Store(size, b)
	return &Page{data: b}
}

//
func fill(b []byte, v byte) {
	for ix := range b {
		b[ix] = v
	}
}
