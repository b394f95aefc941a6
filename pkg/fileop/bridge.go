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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xelalexv/oqtacard/pkg/storage"
	"github.com/xelalexv/oqtacard/pkg/util"
)

const (
	// ChunkSize is the size of ring chunks and write buffers.
	ChunkSize = 4096
	// ChunkCount is the number of chunks in the read ring.
	ChunkCount = 4
	// MaxHandles is the number of files and directories open at once.
	MaxHandles = 16
)

// New creates a bridge operating on the SD card seen through drv.
func New(drv storage.Driver) *Bridge {
	b := &Bridge{
		drv:     drv,
		ring:    NewRing(ChunkCount, ChunkSize),
		wake:    make(chan struct{}, 1),
		handles: map[int]*handle{},
		ahead:   &readAhead{data: make([]byte, ChunkSize)},
	}
	for ix := range b.writeBuf {
		b.writeBuf[ix] = make([]byte, ChunkSize)
	}
	return b
}

/*
	Bridge carries file operations from the real-time context to the
	management context. At most one operation is pending at any time. The
	real-time side fills in the request, then publishes the operation in
	pending, and the management side publishes the result by setting pending
	back to None.
*/
type Bridge struct {
	pending atomic.Int32
	abort   atomic.Bool
	mu      sync.Mutex
	wake    chan struct{}

	req Request
	res Result

	ring     *Ring
	writeBuf [2][]byte

	// owned by management
	drv     storage.Driver
	handles map[int]*handle
	reading *transfer
	ahead   *readAhead
}

// Ring returns the read ring.
func (b *Bridge) Ring() *Ring {
	return b.ring
}

// WriteBuffer returns write buffer ix, 0 or 1.
func (b *Bridge) WriteBuffer(ix int) []byte {
	return b.writeBuf[ix&1]
}

// Wake delivers a notification whenever the management side has something
// to do.
func (b *Bridge) Wake() <-chan struct{} {
	return b.wake
}

//
func (b *Bridge) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Pending returns the operation currently pending.
func (b *Bridge) Pending() Op {
	return Op(b.pending.Load())
}

// Idle reports whether no operation is pending and no abort is in progress.
func (b *Bridge) Idle() bool {
	return b.Pending() == None && !b.abort.Load()
}

/*
	Signal requests op with parameters req. If another operation is still
	pending, or an abort is being processed, Signal waits for that to finish
	first. Real-time.
*/
func (b *Bridge) Signal(ctx context.Context, op Op, req Request) error {

	if err := util.Await(ctx, b.Idle); err != nil {
		return err
	}

	b.req = req
	b.res = Result{}
	b.pending.Store(int32(op))
	b.poke()
	return nil
}

// Wait waits for the pending operation to complete, and returns its result.
// Real-time.
func (b *Bridge) Wait(ctx context.Context) (Result, error) {
	if err := util.Await(ctx, b.Idle); err != nil {
		return Result{Code: ErrCodeFailed}, err
	}
	return b.res, nil
}

// Call signals op and waits for its result. Real-time.
func (b *Bridge) Call(ctx context.Context, op Op, req Request) (Result, error) {
	if err := b.Signal(ctx, op, req); err != nil {
		return Result{Code: ErrCodeFailed}, err
	}
	return b.Wait(ctx)
}

// Consumed tells management that a ring chunk was handed back. Real-time.
func (b *Bridge) Consumed() {
	b.poke()
}

/*
	Abort cancels the pending operation. A read in progress is stopped and the
	ring is reset. Management acknowledges by clearing the abort flag, which
	any following Signal waits for. Real-time.
*/
func (b *Bridge) Abort() {
	b.mu.Lock()
	b.abort.Store(true)
	b.mu.Unlock()
	b.poke()
}

// Aborting reports whether an abort has not been acknowledged yet.
func (b *Bridge) Aborting() bool {
	return b.abort.Load()
}

// FinishRead rewinds the ring after a read has completed and all data the
// host asked for was sent. Real-time.
func (b *Bridge) FinishRead() {
	b.ring.Reset()
}

//
func (b *Bridge) complete(res Result) {
	b.res = res
	b.pending.Store(int32(None))
}

// handle is an open file or directory.
type handle struct {
	path    string
	file    storage.File
	pos     int64
	entries []Result
	next    int
}

//
func (h *handle) dir() bool {
	return h.file == nil
}

// transfer is the state of a read in progress.
type transfer struct {
	fd        int
	remaining int
	total     int
}

// readAhead holds one chunk read past the end of the last read.
type readAhead struct {
	fd    int
	pos   int64
	n     int
	valid bool
	data  []byte
}

//
func (r *readAhead) matches(fd int, pos int64) bool {
	return r.valid && r.fd == fd && r.pos == pos
}

//
func (r *readAhead) drop(fd int) {
	if r.fd == fd {
		r.valid = false
	}
}

//
func (b *Bridge) String() string {
	return fmt.Sprintf("bridge: pending %s, %d handles", b.Pending(),
		len(b.handles))
}
