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
	Package storage contains the collaborators that hold card data: the SD
	card, seen through a Driver, and the external RAM used for mirroring
	whole card images.
*/
package storage

import (
	"errors"
	"io"
	"os"
)

var ErrNotSupported = errors.New("operation not supported by storage driver")
var ErrOutOfRange = errors.New("address out of range")

// Driver is the block oriented SD card driver. Paths are slash separated and
// relative to the root of the card.
type Driver interface {

	// Open opens the file at path with os.O_* flags.
	Open(path string, flag int) (File, error)

	// Exists reports whether path exists, as file or directory.
	Exists(path string) bool

	// Stat returns file info for path.
	Stat(path string) (os.FileInfo, error)

	// ReadDir lists the directory at path.
	ReadDir(path string) ([]os.FileInfo, error)

	// Mkdir creates the directory at path, including missing parents.
	Mkdir(path string) error

	// Remove removes the file or empty directory at path.
	Remove(path string) error

	// Free returns the number of free bytes on the card.
	Free() (uint64, error)

	// Close releases the driver.
	Close() error
}

// File is an open file on the SD card.
type File interface {
	io.ReadWriteSeeker
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Size returns the current size of the file.
	Size() (int64, error)

	// Sync commits written data to the card.
	Sync() error
}
