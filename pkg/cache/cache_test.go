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
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/xelalexv/oqtacard/pkg/dirty"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

type fixture struct {
	cache   *Cache
	tracker *dirty.Tracker
	ram     *storage.RAM
	file    storage.File
	card    Card
}

func newFixture(t *testing.T, size int64, pageSize, eraseSize int) *fixture {

	d, err := storage.NewDirDriver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f, err := d.Open("card.bin", os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(make([]byte, size), 0); err != nil {
		t.Fatal(err)
	}

	ram := storage.NewRAM(256 * 1024)
	tracker := dirty.New(int(size) / pageSize)

	t.Cleanup(func() {
		ram.Close()
		f.Close()
	})

	return &fixture{
		cache:   New(tracker, ram),
		tracker: tracker,
		ram:     ram,
		file:    f,
		card: Card{
			File:      f,
			Size:      size,
			PageSize:  pageSize,
			EraseSize: eraseSize,
		},
	}
}

// serve runs a management loop until the returned stop function is called.
func (f *fixture) serve() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e := <-f.cache.Requests():
				f.cache.Service(e)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (f *fixture) fileSector(t *testing.T, sector int) []byte {
	buf := make([]byte, f.card.PageSize)
	if _, err := f.file.ReadAt(buf, int64(sector*f.card.PageSize)); err != nil {
		t.Fatal(err)
	}
	return buf
}

func pattern(size int, seed byte) []byte {
	b := make([]byte, size)
	for ix := range b {
		b[ix] = seed + byte(ix)
	}
	return b
}

func TestRAMRoundTrip(t *testing.T) {

	f := newFixture(t, 128*1024, 128, 1)
	ctx := context.Background()

	if err := f.cache.Mount(f.card, ModeRAM); err != nil {
		t.Fatal(err)
	}

	if got := f.cache.Get(ctx, 5).Bytes(); !bytes.Equal(got, make([]byte, 128)) {
		t.Fatalf("fresh sector not zero: % x", got[:8])
	}

	data := pattern(128, 0x40)
	f.cache.MarkWritten(ctx, 5, data)

	if !f.tracker.IsDirty(5) {
		t.Fatal("written sector not dirty")
	}
	if !f.cache.WriteOccurred() {
		t.Fatal("write not recorded")
	}
	if got := f.cache.Get(ctx, 5).Bytes(); !bytes.Equal(got, data) {
		t.Fatalf("read back % x, want % x", got[:8], data[:8])
	}

	n, err := f.cache.Flush(ctx, -1, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("flushed %d pages, want 1", n)
	}
	if f.tracker.IsDirty(5) {
		t.Fatal("flushed sector still dirty")
	}
	if got := f.fileSector(t, 5); !bytes.Equal(got, data) {
		t.Fatalf("file holds % x, want % x", got[:8], data[:8])
	}
}

func TestRAMLockoutDefersFlush(t *testing.T) {

	f := newFixture(t, 128*1024, 128, 1)
	ctx := context.Background()
	f.tracker.SetLockout(time.Hour)

	if err := f.cache.Mount(f.card, ModeRAM); err != nil {
		t.Fatal(err)
	}

	f.cache.MarkWritten(ctx, 9, pattern(128, 1))

	if n, _ := f.cache.Flush(ctx, -1, false); n != 0 {
		t.Fatalf("flushed %d pages during lockout", n)
	}
	if !f.cache.Busy() {
		t.Fatal("cache not busy with dirty page")
	}

	if err := f.cache.Unmount(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.fileSector(t, 9); !bytes.Equal(got, pattern(128, 1)) {
		t.Fatal("unmount did not flush dirty page")
	}
	if f.cache.Mounted() {
		t.Fatal("cache still mounted")
	}
}

func TestRAMPageStreamsWhileTransferring(t *testing.T) {

	f := newFixture(t, 64*1024, 512, 16)
	ctx := context.Background()

	data := pattern(512, 7)
	if _, err := f.file.WriteAt(data, 3*512); err != nil {
		t.Fatal(err)
	}
	if err := f.cache.Mount(f.card, ModeRAM); err != nil {
		t.Fatal(err)
	}

	f.ram.SetPace(4, 10*time.Microsecond)

	p := f.cache.Get(ctx, 3)
	for ix := 0; ix < p.Len(); ix++ {
		if got := p.At(ix); got != data[ix] {
			t.Fatalf("byte %d = %02x, want %02x", ix, got, data[ix])
		}
	}
}

func TestRAMEraseBlock(t *testing.T) {

	f := newFixture(t, 64*1024, 512, 16)
	ctx := context.Background()

	if err := f.cache.Mount(f.card, ModeRAM); err != nil {
		t.Fatal(err)
	}

	f.cache.MarkErased(ctx, 16)
	for s := 16; s < 32; s++ {
		if got := f.cache.Get(ctx, s).Bytes(); !bytes.Equal(got, blankPage(512).data) {
			t.Fatalf("sector %d not erased", s)
		}
	}
	if got := f.cache.Get(ctx, 32).Bytes(); got[0] != 0 {
		t.Fatal("erase exceeded erase block")
	}
	if got := f.tracker.Activity(); got != 16 {
		t.Fatalf("dirty pages = %d, want 16", got)
	}
}

func TestSDRoundTrip(t *testing.T) {

	f := newFixture(t, 64*1024, 512, 16)
	ctx := context.Background()

	if err := f.cache.Mount(f.card, ModeSD); err != nil {
		t.Fatal(err)
	}
	stop := f.serve()

	data := pattern(512, 0x11)
	f.cache.MarkWritten(ctx, 3, data)

	if got := f.cache.Get(ctx, 3).Bytes(); !bytes.Equal(got, data) {
		t.Fatalf("read back % x, want % x", got[:8], data[:8])
	}

	stop()
	if err := f.cache.Unmount(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.fileSector(t, 3); !bytes.Equal(got, data) {
		t.Fatal("write did not reach card file")
	}
}

func TestSDWriteAfterReadAheadIsCoherent(t *testing.T) {

	f := newFixture(t, 64*1024, 512, 16)
	ctx := context.Background()

	old := pattern(512, 0x20)
	if _, err := f.file.WriteAt(old, 11*512); err != nil {
		t.Fatal(err)
	}
	if err := f.cache.Mount(f.card, ModeSD); err != nil {
		t.Fatal(err)
	}

	// stage 10 queues read-ahead of 11, the write arrives before anything
	// was serviced
	f.cache.Stage(ctx, 10, false)
	data := pattern(512, 0x90)
	f.cache.MarkWritten(ctx, 11, data)

	stop := f.serve()
	defer stop()

	if got := f.cache.Get(ctx, 11).Bytes(); !bytes.Equal(got, data) {
		t.Fatalf("stale read after write: % x", got[:8])
	}
	if got := f.cache.Get(ctx, 10).Bytes(); !bytes.Equal(got, make([]byte, 512)) {
		t.Fatalf("sector 10 = % x", got[:8])
	}
}

func TestSDManySectors(t *testing.T) {

	f := newFixture(t, 128*1024, 512, 16)
	ctx := context.Background()

	for s := 0; s < 256; s++ {
		if _, err := f.file.WriteAt(pattern(512, byte(s)), int64(s*512)); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.cache.Mount(f.card, ModeSD); err != nil {
		t.Fatal(err)
	}
	stop := f.serve()
	defer stop()

	// more sectors than pool entries, forward and then backwards
	for s := 0; s < 256; s++ {
		if got := f.cache.Get(ctx, s).Bytes(); !bytes.Equal(got, pattern(512, byte(s))) {
			t.Fatalf("sector %d: % x", s, got[:4])
		}
	}
	for s := 255; s >= 0; s -= 7 {
		if got := f.cache.Get(ctx, s).At(0); got != byte(s) {
			t.Fatalf("sector %d: first byte %02x", s, got)
		}
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {

	for _, mode := range []Mode{ModeSD, ModeRAM} {
		t.Run(mode.String(), func(t *testing.T) {

			f := newFixture(t, 64*1024, 512, 16)
			ctx := context.Background()

			if err := f.cache.Mount(f.card, mode); err != nil {
				t.Fatal(err)
			}
			stop := f.serve()
			defer stop()

			f.cache.Invalidate(7)
			f.cache.Invalidate(7)
			f.cache.InvalidateReadAhead()
			f.cache.InvalidateReadAhead()

			f.cache.Stage(ctx, 7, false)
			f.cache.InvalidateReadAhead()
			f.cache.Invalidate(7)
			f.cache.Invalidate(7)

			if got := f.cache.Get(ctx, 7).Bytes(); !bytes.Equal(got, make([]byte, 512)) {
				t.Fatalf("sector 7 = % x", got[:8])
			}
		})
	}
}

func TestOutOfRange(t *testing.T) {

	for _, mode := range []Mode{ModeSD, ModeRAM} {
		t.Run(mode.String(), func(t *testing.T) {

			f := newFixture(t, 64*1024, 512, 16)
			ctx := context.Background()

			if err := f.cache.Mount(f.card, mode); err != nil {
				t.Fatal(err)
			}
			stop := f.serve()

			beyond := f.cache.Sectors() + 3
			if got := f.cache.Get(ctx, beyond).Bytes(); !bytes.Equal(got, blankPage(512).data) {
				t.Fatal("page beyond card is not blank")
			}
			f.cache.MarkWritten(ctx, beyond, pattern(512, 1))
			f.cache.MarkErased(ctx, beyond)
			f.cache.Stage(ctx, -1, false)

			stop()
			if err := f.cache.Unmount(ctx); err != nil {
				t.Fatal(err)
			}
			if size, _ := f.file.Size(); size != 64*1024 {
				t.Fatalf("card file grew to %d bytes", size)
			}
		})
	}
}

func TestNoCardMounted(t *testing.T) {

	f := newFixture(t, 64*1024, 512, 16)
	ctx := context.Background()

	if f.cache.Mounted() {
		t.Fatal("fresh cache reports mounted card")
	}
	if got := f.cache.Get(ctx, 0).At(0); got != 0xff {
		t.Fatalf("got %02x without card", got)
	}
	f.cache.MarkWritten(ctx, 0, pattern(512, 0))
	if err := f.cache.Unmount(ctx); err != nil {
		t.Fatal(err)
	}
	if f.cache.ReadSector(0, make([]byte, 512)) == nil {
		t.Fatal("read without card did not fail")
	}
}

func TestWriteDuringUnmount(t *testing.T) {

	for _, mode := range []Mode{ModeRAM, ModeSD} {
		t.Run(mode.String(), func(t *testing.T) {

			f := newFixture(t, 64*1024, 512, 16)
			ctx := context.Background()

			if err := f.cache.Mount(f.card, mode); err != nil {
				t.Fatal(err)
			}

			// real-time side has passed the mounted check and holds the lock
			h := f.cache.active.Load()
			g, err := f.tracker.Acquire(ctx)
			if err != nil {
				t.Fatal(err)
			}

			done := make(chan error, 1)
			go func() {
				done <- f.cache.Unmount(ctx)
			}()

			time.Sleep(20 * time.Millisecond)
			if !f.cache.Mounted() {
				t.Fatal("card unmounted while write in progress")
			}

			data := pattern(512, 0x42)
			h.markWritten(ctx, g, 5, data)
			g.Release()

			select {
			case err := <-done:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("unmount did not finish")
			}

			if got := f.fileSector(t, 5); !bytes.Equal(got, data) {
				t.Fatal("write racing unmount did not reach card file")
			}

			// writes after the switch find no card
			f.cache.MarkWritten(ctx, 6, pattern(512, 0x24))
			if n := len(f.cache.queue); n != 0 {
				t.Fatalf("got %d queued entries after unmount, want 0", n)
			}
			if got := f.tracker.Activity(); got != 0 {
				t.Fatalf("got %d dirty pages after unmount, want 0", got)
			}
		})
	}
}

func TestSelectMode(t *testing.T) {

	f := newFixture(t, 64*1024, 512, 16)

	if m := f.cache.SelectMode(128*1024, true); m != ModeRAM {
		t.Fatalf("small card got %s mode", m)
	}
	if m := f.cache.SelectMode(8*1024*1024, true); m != ModeSD {
		t.Fatalf("large card got %s mode", m)
	}
	if m := f.cache.SelectMode(128*1024, false); m != ModeSD {
		t.Fatalf("card without RAM preference got %s mode", m)
	}
}
