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
	"sync/atomic"

	"github.com/xelalexv/oqtacard/pkg/util"
)

// ChunkState is the state of a ring chunk.
type ChunkState int32

const (
	NotReady ChunkState = iota
	Ready
	Invalid
)

//
func (s ChunkState) String() string {
	switch s {
	case NotReady:
		return "not ready"
	case Ready:
		return "ready"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

/*
	Chunk is a buffer in the ring. Management fills a NotReady chunk and
	publishes it as Ready, or as Invalid if it could not be filled
	completely. Real-time consumes a published chunk and hands it back by
	setting it to NotReady.
*/
type Chunk struct {
	state atomic.Int32
	n     int
	data  []byte
}

//
func (c *Chunk) State() ChunkState {
	return ChunkState(c.state.Load())
}

// Len returns the number of valid bytes in a published chunk.
func (c *Chunk) Len() int {
	return c.n
}

// Data returns the whole chunk buffer. Bytes beyond Len are stale.
func (c *Chunk) Data() []byte {
	return c.data
}

// Ring is a fixed set of chunks used in FIFO order.
type Ring struct {
	chunks []*Chunk
	size   int
	head   int // next chunk consumed by real-time
	tail   int // next chunk filled by management
}

//
func NewRing(count, size int) *Ring {
	r := &Ring{
		chunks: make([]*Chunk, count),
		size:   size,
	}
	for ix := range r.chunks {
		r.chunks[ix] = &Chunk{data: make([]byte, size)}
	}
	return r
}

// ChunkSize returns the size of each chunk.
func (r *Ring) ChunkSize() int {
	return r.size
}

// Count returns the number of chunks.
func (r *Ring) Count() int {
	return len(r.chunks)
}

// Current returns the chunk real-time consumes next, whatever its state.
func (r *Ring) Current() *Chunk {
	return r.chunks[r.head]
}

// Await waits until the current chunk has been published, and returns it.
// Real-time.
func (r *Ring) Await(ctx context.Context) (*Chunk, error) {
	c := r.chunks[r.head]
	if err := util.Await(ctx, func() bool {
		return c.State() != NotReady
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Release hands the current chunk back to management and advances to the
// next one. Real-time.
func (r *Ring) Release() {
	r.chunks[r.head].state.Store(int32(NotReady))
	r.head = (r.head + 1) % len(r.chunks)
}

// Free returns the chunk management fills next, or nil if it has not been
// consumed yet. Management.
func (r *Ring) Free() *Chunk {
	if c := r.chunks[r.tail]; c.State() == NotReady {
		return c
	}
	return nil
}

// Publish marks the chunk returned by Free as filled with n bytes. Management.
func (r *Ring) Publish(n int, valid bool) {
	c := r.chunks[r.tail]
	c.n = n
	if valid {
		c.state.Store(int32(Ready))
	} else {
		c.state.Store(int32(Invalid))
	}
	r.tail = (r.tail + 1) % len(r.chunks)
}

// Reset returns all chunks to NotReady and rewinds both ends. Only call
// while neither side is using the ring.
func (r *Ring) Reset() {
	for _, c := range r.chunks {
		c.n = 0
		c.state.Store(int32(NotReady))
	}
	r.head = 0
	r.tail = 0
}
