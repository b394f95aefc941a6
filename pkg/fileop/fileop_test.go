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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xelalexv/oqtacard/pkg/storage"
)

func newBridge(t *testing.T) (*Bridge, string) {

	root := t.TempDir()
	drv, err := storage.NewDirDriver(root)
	if err != nil {
		t.Fatal(err)
	}

	b := New(drv)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-b.Wake():
				b.Serve()
			case <-tick.C:
				b.Serve()
			case <-ctx.Done():
				b.CloseAll()
				return
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return b, root
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for ix := range b {
		b[ix] = byte(ix*7 + ix/256)
	}
	return b
}

func openFile(t *testing.T, b *Bridge, p string, flags int) int {
	res, err := b.Call(context.Background(), Open, Request{Path: p, Flags: flags})
	if err != nil {
		t.Fatal(err)
	}
	if res.Code <= 0 {
		t.Fatalf("open %s: code %d", p, res.Code)
	}
	return res.Code
}

func TestRingFIFO(t *testing.T) {

	r := NewRing(4, 16)
	const total = 50
	ctx := context.Background()

	go func() {
		for ix := 0; ix < total; {
			c := r.Free()
			if c == nil {
				time.Sleep(10 * time.Microsecond)
				continue
			}
			c.data[0] = byte(ix)
			r.Publish(ix%16+1, true)
			ix++
		}
	}()

	for ix := 0; ix < total; ix++ {
		c, err := r.Await(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if c.data[0] != byte(ix) || c.Len() != ix%16+1 {
			t.Fatalf("chunk %d: got tag %d, len %d", ix, c.data[0], c.Len())
		}
		r.Release()
	}
}

func TestReadAcrossChunks(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	data := pattern(3*ChunkSize*2 + 123)
	if err := os.WriteFile(filepath.Join(root, "big.bin"), data, 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFile(t, b, "mass:/big.bin", FlagRead)

	s, err := b.StartRead(ctx, fd, len(data))
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(data))
	for ix := range got {
		got[ix] = s.Next(ctx)
	}
	n, err := s.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if n != len(data) {
		t.Fatalf("read %d bytes, want %d", n, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	}
	if s.Padding() {
		t.Fatal("complete read ended in padding")
	}
}

func TestShortReadPads(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	data := pattern(300)
	if err := os.WriteFile(filepath.Join(root, "short.bin"), data, 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFile(t, b, "short.bin", FlagRead)

	s, err := b.StartRead(ctx, fd, 600)
	if err != nil {
		t.Fatal(err)
	}

	sent := 0
	for s.Remaining() > 0 {
		v := s.Next(ctx)
		if sent < 300 && v != data[sent] {
			t.Fatalf("byte %d = %02x, want %02x", sent, v, data[sent])
		}
		sent++
	}

	n, err := s.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 600 {
		t.Fatalf("sent %d bytes, want 600", sent)
	}
	if n != 300 {
		t.Fatalf("reported %d bytes, want 300", n)
	}
	if !s.Padding() {
		t.Fatal("short read did not pad")
	}
}

func TestReadAtEOFFails(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "empty.bin"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFile(t, b, "empty.bin", FlagRead)

	if _, err := b.StartRead(ctx, fd, 100); err != ErrReadFailed {
		t.Fatalf("got %v, want %v", err, ErrReadFailed)
	}

	// bridge is usable afterwards
	if res, _ := b.Call(ctx, ValidateFd, Request{Fd: fd}); res.Code != 0 {
		t.Fatalf("validate after failed read: %d", res.Code)
	}
}

func TestReadAheadServesNextRead(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	data := pattern(2 * ChunkSize)
	if err := os.WriteFile(filepath.Join(root, "ra.bin"), data, 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFile(t, b, "ra.bin", FlagRead)

	for part := 0; part < 2; part++ {
		s, err := b.StartRead(ctx, fd, ChunkSize)
		if err != nil {
			t.Fatal(err)
		}
		for ix := 0; ix < ChunkSize; ix++ {
			if v := s.Next(ctx); v != data[part*ChunkSize+ix] {
				t.Fatalf("part %d byte %d mismatch", part, ix)
			}
		}
		if n, _ := s.Finish(ctx); n != ChunkSize {
			t.Fatalf("part %d: read %d bytes", part, n)
		}
		if _, err := b.Call(ctx, ReadAhead, Request{Fd: fd}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWriteDoubleBuffered(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	fd := openFile(t, b, "out/../out.bin", FlagWrite|FlagCreate|FlagTrunc)

	data := pattern(3*ChunkSize + 999)
	w := b.StartWrite(fd)
	for _, v := range data {
		if err := w.Put(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	n, err := w.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}

	if res, _ := b.Call(ctx, Close, Request{Fd: fd}); res.Code != 0 {
		t.Fatalf("close: %d", res.Code)
	}

	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("written data mismatch")
	}
}

func TestLseek(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "seek.bin"), pattern(1000), 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFile(t, b, "seek.bin", FlagRead)

	for _, tc := range []struct {
		whence int
		offset int64
		want   int
	}{
		{SeekSet, 100, 100},
		{SeekCur, 50, 150},
		{SeekEnd, -10, 990},
		{SeekSet, -1, ErrCodeInvalid},
	} {
		res, err := b.Call(ctx, Lseek, Request{Fd: fd, Whence: tc.whence,
			Offset: tc.offset})
		if err != nil {
			t.Fatal(err)
		}
		if res.Code != tc.want {
			t.Fatalf("lseek(%d, %d) = %d, want %d", tc.offset, tc.whence,
				res.Code, tc.want)
		}
	}

	res, _ := b.Call(ctx, Lseek64, Request{Fd: fd, Whence: SeekSet,
		Offset: 5 << 30})
	if res.Offset != 5<<30 {
		t.Fatalf("lseek64 offset = %d", res.Offset)
	}
}

func TestDirectoryOps(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	if res, _ := b.Call(ctx, Mkdir, Request{Path: "saves"}); res.Code != 0 {
		t.Fatalf("mkdir: %d", res.Code)
	}
	if res, _ := b.Call(ctx, Mkdir, Request{Path: "saves"}); res.Code != ErrCodeExists {
		t.Fatalf("second mkdir: %d", res.Code)
	}
	for _, n := range []string{"b.bin", "a.bin"} {
		if err := os.WriteFile(filepath.Join(root, "saves", n), pattern(10), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res, _ := b.Call(ctx, Dopen, Request{Path: "saves"})
	if res.Code <= 0 {
		t.Fatalf("dopen: %d", res.Code)
	}
	dfd := res.Code

	var names []string
	for {
		res, _ := b.Call(ctx, Dread, Request{Fd: dfd})
		if res.Code <= 0 {
			break
		}
		names = append(names, res.Name)
		if res.Stat.Size != 10 || res.Stat.Mode&ModeFile == 0 {
			t.Fatalf("stat of %s: %+v", res.Name, res.Stat)
		}
	}
	if len(names) != 2 || names[0] != "a.bin" || names[1] != "b.bin" {
		t.Fatalf("listing = %v", names)
	}

	if res, _ := b.Call(ctx, Dclose, Request{Fd: dfd}); res.Code != 0 {
		t.Fatalf("dclose: %d", res.Code)
	}
	if res, _ := b.Call(ctx, Rmdir, Request{Path: "saves"}); res.Code >= 0 {
		t.Fatal("removed non-empty directory")
	}
	if res, _ := b.Call(ctx, Rmdir, Request{Path: "saves/a.bin"}); res.Code != ErrCodeNotDir {
		t.Fatalf("rmdir on file: %d", res.Code)
	}
	for _, n := range []string{"saves/a.bin", "saves/b.bin"} {
		if res, _ := b.Call(ctx, Remove, Request{Path: n}); res.Code != 0 {
			t.Fatalf("remove %s: %d", n, res.Code)
		}
	}
	if res, _ := b.Call(ctx, Rmdir, Request{Path: "saves"}); res.Code != 0 {
		t.Fatalf("rmdir: %d", res.Code)
	}
	if res, _ := b.Call(ctx, Getstat, Request{Path: "saves"}); res.Code != ErrCodeNoEnt {
		t.Fatalf("getstat of removed dir: %d", res.Code)
	}
}

func TestResetKeepsFd(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "f.bin"), pattern(10), 0644); err != nil {
		t.Fatal(err)
	}
	keep := openFile(t, b, "f.bin", FlagRead)
	drop := openFile(t, b, "f.bin", FlagRead)

	if _, err := b.Call(ctx, Reset, Request{Fd: keep}); err != nil {
		t.Fatal(err)
	}
	if res, _ := b.Call(ctx, ValidateFd, Request{Fd: keep}); res.Code != 0 {
		t.Fatal("kept fd was closed")
	}
	if res, _ := b.Call(ctx, ValidateFd, Request{Fd: drop}); res.Code != ErrCodeBadFd {
		t.Fatal("dropped fd still open")
	}
}

func TestAbortDuringRead(t *testing.T) {

	b, root := newBridge(t)
	ctx := context.Background()

	data := pattern(8 * ChunkSize)
	if err := os.WriteFile(filepath.Join(root, "long.bin"), data, 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFile(t, b, "long.bin", FlagRead)

	s, err := b.StartRead(ctx, fd, len(data))
	if err != nil {
		t.Fatal(err)
	}
	for ix := 0; ix < 100; ix++ {
		s.Next(ctx)
	}

	b.Abort()
	if res, err := b.Wait(ctx); err != nil || res.Code != ErrCodeFailed {
		t.Fatalf("aborted read: %d, %v", res.Code, err)
	}
	if b.Aborting() {
		t.Fatal("abort not acknowledged")
	}

	// a new read from the start works
	if res, _ := b.Call(ctx, Lseek, Request{Fd: fd, Whence: SeekSet}); res.Code != 0 {
		t.Fatalf("lseek: %d", res.Code)
	}
	s, err = b.StartRead(ctx, fd, 10)
	if err != nil {
		t.Fatal(err)
	}
	for ix := 0; ix < 10; ix++ {
		if v := s.Next(ctx); v != data[ix] {
			t.Fatalf("byte %d after abort = %02x", ix, v)
		}
	}
	if n, _ := s.Finish(ctx); n != 10 {
		t.Fatalf("read %d bytes after abort", n)
	}
}

func TestStatEncoding(t *testing.T) {

	s := Stat{
		Mode:     ModeFile | ModeRWX,
		Size:     0x01020304,
		Modified: time.Date(2023, time.March, 4, 5, 6, 7, 0, time.UTC),
		HiSize:   2,
	}
	b := make([]byte, StatSize)
	s.Encode(b)

	// 0 mode, 4 attributes, 8 low size, 12 creation, 20 access and
	// 28 modification time of 8 bytes each, 36 high size
	if StatSize != 40 {
		t.Fatalf("stat size = %d, want 40", StatSize)
	}
	want := []byte{
		0xff, 0x21, 0, 0, 0, 0, 0, 0, 0x04, 0x03, 0x02, 0x01,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 7, 6, 5, 4, 3, 0xe7, 0x07,
		2, 0, 0, 0,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("encoded % x, want % x", b, want)
	}
}
