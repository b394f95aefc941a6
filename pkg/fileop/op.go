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
	Package fileop bridges file operations requested by the host through the
	vendor protocol extension over to the SD card. The protocol engine runs in
	the real-time context and only signals operations. They are carried out
	by the management context, which owns the open file and directory table.
	Bulk data of reads flows through a ring of chunks, bulk data of writes
	through a pair of alternating write buffers.
*/
package fileop

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Op is a file operation the real-time context can request.
type Op int32

const (
	None Op = iota
	Open
	Close
	Read
	ReadAhead
	Write
	Lseek
	Lseek64
	Remove
	Mkdir
	Rmdir
	Dopen
	Dclose
	Dread
	Getstat
	ValidateFd
	Reset
)

var opNames = []string{
	"none", "open", "close", "read", "read-ahead", "write", "lseek",
	"lseek64", "remove", "mkdir", "rmdir", "dopen", "dclose", "dread",
	"getstat", "validate-fd", "reset",
}

//
func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op %d", int32(o))
}

// open flags as used by the host
const (
	FlagRead   = 0x0001
	FlagWrite  = 0x0002
	FlagRW     = 0x0003
	FlagAppend = 0x0100
	FlagCreate = 0x0200
	FlagTrunc  = 0x0400
	FlagExcl   = 0x0800
)

// whence values for lseek
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// NoFd in a reset request means no file is kept open.
const NoFd = 0xff

// Request holds the parameters of an operation. It is written by the
// real-time context before signalling.
type Request struct {
	Fd     int
	Flags  int
	Length int
	Offset int64
	Whence int
	Path   string
	Buffer int
}

// Result holds the outcome of an operation. Code is the operation's return
// value, negative on error.
type Result struct {
	Code   int
	Offset int64
	Stat   Stat
	Name   string
}

// failure codes
const (
	ErrCodeFailed  = -1
	ErrCodeNoEnt   = -2
	ErrCodeBadFd   = -9
	ErrCodeExists  = -17
	ErrCodeNotDir  = -20
	ErrCodeIsDir   = -21
	ErrCodeInvalid = -22
	ErrCodeTooMany = -24
)

// StatSize is the size of an encoded Stat.
const StatSize = 40

// file mode bits reported to the host
const (
	ModeDir  = 0x1000
	ModeFile = 0x2000
	ModeRWX  = 0x01ff
)

// Stat is the file information handed to the host.
type Stat struct {
	Mode     uint32
	Attr     uint32
	Size     uint32
	Created  time.Time
	Accessed time.Time
	Modified time.Time
	HiSize   uint32
}

// Encode writes the wire form of s into b: mode, attr, low size, creation,
// access and modification time, high size.
func (s Stat) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], s.Mode)
	binary.LittleEndian.PutUint32(b[4:], s.Attr)
	binary.LittleEndian.PutUint32(b[8:], s.Size)
	encodeTime(b[12:20], s.Created)
	encodeTime(b[20:28], s.Accessed)
	encodeTime(b[28:36], s.Modified)
	binary.LittleEndian.PutUint32(b[36:], s.HiSize)
}

// encodeTime writes the host's time of day format: unused, seconds, minutes,
// hours, day, month, year little endian.
func encodeTime(b []byte, t time.Time) {
	if t.IsZero() {
		for ix := range b[:8] {
			b[ix] = 0
		}
		return
	}
	b[0] = 0
	b[1] = byte(t.Second())
	b[2] = byte(t.Minute())
	b[3] = byte(t.Hour())
	b[4] = byte(t.Day())
	b[5] = byte(t.Month())
	binary.LittleEndian.PutUint16(b[6:], uint16(t.Year()))
}
