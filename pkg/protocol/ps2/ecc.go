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

package ps2

import (
	"math/bits"
)

// ECCChunk is the number of data bytes covered by one 3 byte ECC.
const ECCChunk = 128

var columnParityMasks [256]byte

func init() {
	cpmasks := []byte{0x55, 0x33, 0x0f, 0x00, 0xaa, 0xcc, 0xf0}
	for b := 0; b < 256; b++ {
		var mask byte
		for ix, m := range cpmasks {
			mask |= parity(byte(b)&m) << ix
		}
		columnParityMasks[b] = mask
	}
}

//
func parity(b byte) byte {
	return byte(bits.OnesCount8(b) & 1)
}

// ECC computes the Hamming code for a 128 byte chunk, as stored in the
// spare area of a page: column parity, then the two line parities.
func ECC(chunk []byte) [3]byte {

	cp := byte(0x77)
	lp0 := byte(0x7f)
	lp1 := byte(0x7f)

	for ix, b := range chunk {
		cp ^= columnParityMasks[b]
		if parity(b) == 1 {
			lp0 ^= ^byte(ix)
			lp1 ^= byte(ix)
		}
	}

	return [3]byte{cp, lp0 & 0x7f, lp1}
}

// Spare computes the 16 byte spare area for a 512 byte page: four ECCs
// followed by four zero bytes.
func Spare(page []byte) [SpareSize]byte {
	var ret [SpareSize]byte
	for ix := 0; ix*ECCChunk < len(page) && ix < 4; ix++ {
		end := (ix + 1) * ECCChunk
		if end > len(page) {
			end = len(page)
		}
		ecc := ECC(page[ix*ECCChunk : end])
		copy(ret[ix*3:], ecc[:])
	}
	return ret
}
