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

package fileop

import (
	"context"
	"errors"
)

// ErrReadFailed is returned when not a single byte could be read.
var ErrReadFailed = errors.New("read failed")

/*
	Stream hands out the bytes of a read one at a time, on behalf of the
	real-time context. Once a short chunk has been exhausted, the stream
	continues with whatever is left in the chunk buffer, until the length
	the host asked for has been sent. The host learns the actual number of
	bytes read from the final status.
*/
type Stream struct {
	bridge  *Bridge
	length  int
	sent    int
	chunk   *Chunk
	offset  int
	padding bool
}

// StartRead signals a read of length bytes from fd and waits until the first
// chunk is available. Real-time.
func (b *Bridge) StartRead(ctx context.Context, fd, length int) (*Stream,
	error) {

	if err := b.Signal(ctx, Read, Request{Fd: fd, Length: length}); err != nil {
		return nil, err
	}

	s := &Stream{bridge: b, length: length}
	if length == 0 {
		return s, nil
	}

	c, err := b.ring.Await(ctx)
	if err != nil {
		return nil, err
	}
	if c.State() == Invalid && c.Len() == 0 {
		b.Wait(ctx)
		b.FinishRead()
		return nil, ErrReadFailed
	}

	s.chunk = c
	return s, nil
}

// Remaining returns the number of bytes still to be sent.
func (s *Stream) Remaining() int {
	return s.length - s.sent
}

// Padding reports whether the stream ran out of data.
func (s *Stream) Padding() bool {
	return s.padding
}

// Next returns the next byte. Real-time.
func (s *Stream) Next(ctx context.Context) byte {

	if s.sent >= s.length || s.chunk == nil {
		return 0xff
	}

	if !s.padding && s.offset >= s.chunk.Len() {
		if s.chunk.State() == Invalid {
			s.padding = true
		} else {
			s.bridge.ring.Release()
			s.bridge.Consumed()
			c, err := s.bridge.ring.Await(ctx)
			if err != nil {
				return 0xff
			}
			s.chunk = c
			s.offset = 0
			if c.State() == Invalid && c.Len() == 0 {
				s.padding = true
			}
		}
	}

	v := s.chunk.data[s.offset%len(s.chunk.data)]
	s.offset++
	s.sent++
	return v
}

// Finish waits for the read to complete and returns the number of bytes
// actually read. Real-time.
func (s *Stream) Finish(ctx context.Context) (int, error) {
	res, err := s.bridge.Wait(ctx)
	s.bridge.FinishRead()
	if err != nil {
		return 0, err
	}
	return res.Code, nil
}

/*
	Sink collects the bytes of a write on behalf of the real-time context.
	Bytes go into one of two write buffers. A full buffer is handed to
	management, while the other one is being filled.
*/
type Sink struct {
	bridge   *Bridge
	fd       int
	buf      int
	fill     int
	inflight bool
	total    int
	failed   bool
}

// StartWrite prepares a write to fd. Real-time.
func (b *Bridge) StartWrite(fd int) *Sink {
	return &Sink{bridge: b, fd: fd}
}

// Put adds v to the write. Real-time.
func (s *Sink) Put(ctx context.Context, v byte) error {
	s.bridge.writeBuf[s.buf][s.fill] = v
	s.fill++
	if s.fill == ChunkSize {
		return s.flush(ctx)
	}
	return nil
}

//
func (s *Sink) collect(ctx context.Context) error {
	if !s.inflight {
		return nil
	}
	res, err := s.bridge.Wait(ctx)
	s.inflight = false
	if err != nil {
		return err
	}
	if res.Code < 0 {
		s.failed = true
	} else {
		s.total += res.Code
	}
	return nil
}

//
func (s *Sink) flush(ctx context.Context) error {

	if err := s.collect(ctx); err != nil {
		return err
	}

	if !s.failed {
		if err := s.bridge.Signal(ctx, Write, Request{
			Fd: s.fd, Length: s.fill, Buffer: s.buf}); err != nil {
			return err
		}
		s.inflight = true
	}

	s.buf ^= 1
	s.fill = 0
	return nil
}

// Finish writes out what is left and returns the number of bytes written.
// Real-time.
func (s *Sink) Finish(ctx context.Context) (int, error) {
	if s.fill > 0 {
		if err := s.flush(ctx); err != nil {
			return s.total, err
		}
	}
	if err := s.collect(ctx); err != nil {
		return s.total, err
	}
	if s.failed && s.total == 0 {
		return ErrCodeFailed, nil
	}
	return s.total, nil
}
