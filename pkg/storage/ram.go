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

package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/util"
)

// default number of bytes moved per DMA burst
const defaultBurst = 32

/*
	NewRAM creates external RAM of the given size, with its DMA engine
	running. Transfers are executed one after the other in the order they
	were started. Each transfer streams its data in bursts and publishes its
	progress after every burst, so a consumer can start using the first bytes
	of a transfer while the rest is still in flight.
*/
func NewRAM(size int) *RAM {
	r := &RAM{
		mem:   make([]byte, size),
		jobs:  make(chan *Transfer, 16),
		quit:  make(chan struct{}),
		burst: defaultBurst,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

//
type RAM struct {
	mem     []byte
	jobs    chan *Transfer
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	pending atomic.Int32
	//
	burst int
	delay time.Duration
}

// Transfer is a single DMA transfer between RAM and a buffer.
type Transfer struct {
	write    bool
	addr     int
	buf      []byte
	progress atomic.Int32
	done     chan struct{}
}

// SetPace sets the burst size and an optional delay after each burst. Only
// call this while no transfer is in flight. Slow pacing is used to exercise
// consumers that overtake the DMA engine.
func (r *RAM) SetPace(burst int, delay time.Duration) {
	if burst < 1 {
		burst = 1
	}
	r.burst = burst
	r.delay = delay
}

//
func (r *RAM) Size() int {
	return len(r.mem)
}

// ReadAsync starts copying len(dst) bytes from RAM at addr into dst. dst must
// not be touched beyond the transfer's progress until the transfer is done.
func (r *RAM) ReadAsync(addr int, dst []byte) (*Transfer, error) {
	return r.submit(false, addr, dst)
}

// WriteAsync starts copying src into RAM at addr. src must not be changed
// until the transfer is done.
func (r *RAM) WriteAsync(addr int, src []byte) (*Transfer, error) {
	return r.submit(true, addr, src)
}

// Read copies from RAM synchronously.
func (r *RAM) Read(addr int, dst []byte) error {
	t, err := r.ReadAsync(addr, dst)
	if err != nil {
		return err
	}
	t.Wait()
	return nil
}

// Write copies into RAM synchronously.
func (r *RAM) Write(addr int, src []byte) error {
	t, err := r.WriteAsync(addr, src)
	if err != nil {
		return err
	}
	t.Wait()
	return nil
}

// Wait blocks until all transfers started so far are done.
func (r *RAM) Wait() {
	util.Await(context.Background(), func() bool {
		return r.pending.Load() == 0
	})
}

// Busy reports whether transfers are pending.
func (r *RAM) Busy() bool {
	return r.pending.Load() > 0
}

/*
	SelfTest writes patterns across the whole RAM and reads them back. The RAM
	content is destroyed. A failing self test is fatal for the device.
*/
func (r *RAM) SelfTest() error {

	const block = 4096
	buf := make([]byte, block)
	chk := make([]byte, block)

	for _, pattern := range []byte{0x55, 0xaa} {
		for addr := 0; addr < len(r.mem); addr += block {
			n := block
			if addr+n > len(r.mem) {
				n = len(r.mem) - addr
			}
			for ix := 0; ix < n; ix++ {
				buf[ix] = pattern ^ byte(addr/block+ix)
			}
			if err := r.Write(addr, buf[:n]); err != nil {
				return err
			}
			if err := r.Read(addr, chk[:n]); err != nil {
				return err
			}
			for ix := 0; ix < n; ix++ {
				if chk[ix] != buf[ix] {
					return fmt.Errorf(
						"RAM self test failed at address 0x%08x", addr+ix)
				}
			}
		}
	}

	log.WithField("size", len(r.mem)).Debug("RAM self test passed")
	return nil
}

// Close stops the DMA engine after all pending transfers are done.
func (r *RAM) Close() {
	r.once.Do(func() {
		r.Wait()
		close(r.quit)
		r.wg.Wait()
	})
}

//
func (r *RAM) submit(write bool, addr int, buf []byte) (*Transfer, error) {

	if addr < 0 || addr+len(buf) > len(r.mem) {
		return nil, fmt.Errorf("%w: RAM transfer of %d bytes at 0x%08x",
			ErrOutOfRange, len(buf), addr)
	}

	t := &Transfer{
		write: write,
		addr:  addr,
		buf:   buf,
		done:  make(chan struct{}),
	}

	r.pending.Add(1)
	r.jobs <- t
	return t, nil
}

//
func (r *RAM) run() {

	defer r.wg.Done()

	for {
		select {
		case t := <-r.jobs:
			r.execute(t)
			r.pending.Add(-1)
		case <-r.quit:
			return
		}
	}
}

//
func (r *RAM) execute(t *Transfer) {

	for pos := 0; pos < len(t.buf); {
		end := pos + r.burst
		if end > len(t.buf) {
			end = len(t.buf)
		}
		if t.write {
			copy(r.mem[t.addr+pos:], t.buf[pos:end])
		} else {
			copy(t.buf[pos:end], r.mem[t.addr+pos:t.addr+end])
		}
		pos = end
		t.progress.Store(int32(pos))
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
	}

	close(t.done)
}

// Done returns a channel that is closed when the transfer is complete.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Remaining returns the number of bytes not yet transferred.
func (t *Transfer) Remaining() int {
	return len(t.buf) - int(t.progress.Load())
}

// Wait blocks until the transfer is complete.
func (t *Transfer) Wait() {
	<-t.done
}

// WaitFor blocks until at least n bytes have been transferred.
func (t *Transfer) WaitFor(ctx context.Context, n int) error {
	if n > len(t.buf) {
		n = len(t.buf)
	}
	return util.Await(ctx, func() bool {
		return int(t.progress.Load()) >= n
	})
}
