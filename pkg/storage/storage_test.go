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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirDriver(t *testing.T) {

	root := t.TempDir()
	d, err := NewDirDriver(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Mkdir("Cards/PS2/Card1"); err != nil {
		t.Fatal(err)
	}
	if !d.Exists("Cards/PS2/Card1") {
		t.Fatal("created directory does not exist")
	}

	f, err := d.Open("Cards/PS2/Card1/Card1-1.mc2", os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0xa5}, 1024)
	if _, err := f.WriteAt(data, 512); err != nil {
		t.Fatal(err)
	}
	if size, err := f.Size(); err != nil || size != 1536 {
		t.Fatalf("size = %d (%v), want 1536", size, err)
	}

	chk := make([]byte, 1024)
	if _, err := f.ReadAt(chk, 512); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chk, data) {
		t.Fatal("read back data differs")
	}
	f.Close()

	entries, err := d.ReadDir("Cards/PS2/Card1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "Card1-1.mc2" {
		t.Fatalf("unexpected directory listing: %v", entries)
	}

	if err := d.Remove("Cards/PS2/Card1/Card1-1.mc2"); err != nil {
		t.Fatal(err)
	}
	if d.Exists("Cards/PS2/Card1/Card1-1.mc2") {
		t.Fatal("removed file still exists")
	}
}

func TestDirDriverStaysInRoot(t *testing.T) {

	parent := t.TempDir()
	root := filepath.Join(parent, "sd")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	d, err := NewDirDriver(root)
	if err != nil {
		t.Fatal(err)
	}
	if d.Exists("../secret") {
		t.Fatal("driver resolved path outside of root")
	}
}

func TestRAMReadWrite(t *testing.T) {

	r := NewRAM(64 * 1024)
	defer r.Close()

	data := make([]byte, 1000)
	for ix := range data {
		data[ix] = byte(ix * 7)
	}
	if err := r.Write(5000, data); err != nil {
		t.Fatal(err)
	}

	chk := make([]byte, 1000)
	if err := r.Read(5000, chk); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chk, data) {
		t.Fatal("read back data differs")
	}
}

func TestRAMOutOfRange(t *testing.T) {
	r := NewRAM(1024)
	defer r.Close()
	if _, err := r.ReadAsync(1000, make([]byte, 100)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestRAMStreamsProgress(t *testing.T) {

	r := NewRAM(4096)
	defer r.Close()

	src := make([]byte, 512)
	for ix := range src {
		src[ix] = byte(ix)
	}
	if err := r.Write(0, src); err != nil {
		t.Fatal(err)
	}

	r.SetPace(16, 200*time.Microsecond)
	dst := make([]byte, 512)
	xfer, err := r.ReadAsync(0, dst)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for ix := range dst {
		if err := xfer.WaitFor(ctx, ix+1); err != nil {
			t.Fatal(err)
		}
		if dst[ix] != byte(ix) {
			t.Fatalf("byte %d = %d, want %d", ix, dst[ix], byte(ix))
		}
	}

	xfer.Wait()
	if xfer.Remaining() != 0 {
		t.Fatalf("remaining = %d after completion", xfer.Remaining())
	}
}

func TestRAMSelfTest(t *testing.T) {
	r := NewRAM(10000)
	defer r.Close()
	if err := r.SelfTest(); err != nil {
		t.Fatal(err)
	}
}
