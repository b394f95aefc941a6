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
	Package card manages the card sessions: which card image is mounted,
	where card images live on the SD card, how new images are created, and
	how the host's switch requests are carried out.
*/
package card

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCardSize is returned when a card image has a size not supported by its
// kind of card.
var ErrCardSize = errors.New("unsupported card size")

// Kind is the kind of card being emulated.
type Kind int

const (
	PS1 Kind = iota
	PS2
)

const (
	ps1CardSize = 128 * 1024
	mega        = 1024 * 1024
	ps2MaxSize  = 64 * mega
)

//
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "ps1", "psx":
		return PS1, nil
	case "ps2":
		return PS2, nil
	}
	return PS2, fmt.Errorf("unknown card kind: %s", s)
}

//
func (k Kind) String() string {
	if k == PS1 {
		return "ps1"
	}
	return "ps2"
}

// Dir is the folder below the cards root holding cards of this kind.
func (k Kind) Dir() string {
	if k == PS1 {
		return "PS1"
	}
	return "PS2"
}

// Ext is the file extension of card images of this kind.
func (k Kind) Ext() string {
	if k == PS1 {
		return ".mcd"
	}
	return ".mc2"
}

// PageSize is the size of a sector as addressed by the host.
func (k Kind) PageSize() int {
	if k == PS1 {
		return 128
	}
	return 512
}

// EraseSize is the number of sectors in an erase block.
func (k Kind) EraseSize() int {
	if k == PS1 {
		return 1
	}
	return 16
}

// DefaultSize is the size of newly created cards.
func (k Kind) DefaultSize() int64 {
	if k == PS1 {
		return ps1CardSize
	}
	return 8 * mega
}

// MaxSize is the size of the largest supported card.
func (k Kind) MaxSize() int64 {
	if k == PS1 {
		return ps1CardSize
	}
	return ps2MaxSize
}

// ValidSize checks whether size is a card size supported for this kind.
// Legacy cards have one fixed size, modern cards come in powers of two from
// 1 to 64MB.
func (k Kind) ValidSize(size int64) error {

	if k == PS1 {
		if size != ps1CardSize {
			return fmt.Errorf("%w: %d bytes, want %d", ErrCardSize, size,
				ps1CardSize)
		}
		return nil
	}

	for s := int64(mega); s <= ps2MaxSize; s *= 2 {
		if size == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %d bytes", ErrCardSize, size)
}
