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
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/xelalexv/oqtacard/pkg/cache"
	"github.com/xelalexv/oqtacard/pkg/fileop"
	"github.com/xelalexv/oqtacard/pkg/protocol"
)

func le32(n int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

func vendorOpen(path string, flags byte) [][]byte {
	return [][]byte{
		cat([]byte{VendorAddress, VCmdOpen, flags}, []byte(path), []byte{0, 0}),
		{VendorAddress, VCmdOpen, 0, 0},
	}
}

func vendorClose(fd byte) []byte {
	return []byte{VendorAddress, VCmdClose, fd, 0, 0}
}

// vendorRead returns the packets for reading length bytes from fd,
// including data and status packets.
func vendorRead(fd byte, length int) [][]byte {
	ret := [][]byte{cat([]byte{VendorAddress, VCmdRead, fd}, le32(length),
		[]byte{0, 0})}
	for rest := length; rest > 0; rest -= DataPacket {
		ret = append(ret, cat([]byte{VendorAddress},
			zeros(min(rest, DataPacket)-1)))
	}
	return append(ret, []byte{VendorAddress, VCmdRead, 0, 0, 0, 0, 0})
}

func vendorWrite(fd byte, data []byte) [][]byte {
	ret := [][]byte{cat([]byte{VendorAddress, VCmdWrite, fd}, le32(len(data)),
		[]byte{0, 0})}
	for ix := 0; ix < len(data); ix += DataPacket {
		ret = append(ret, cat([]byte{VendorAddress},
			data[ix:min(ix+DataPacket, len(data))]))
	}
	return append(ret, []byte{VendorAddress, VCmdWrite, 0, 0, 0, 0, 0})
}

// collect gathers the data bytes from the responses of data packets.
func collect(tr *protocol.ScriptTransport, first, count int) []byte {
	var ret []byte
	for ix := first; ix < first+count; ix++ {
		ret = append(ret, tr.Response(ix)...)
	}
	return ret
}

func status(r []byte) int {
	return int(binary.LittleEndian.Uint32(r[2:6]))
}

func content(n int) []byte {
	b := make([]byte, n)
	for ix := range b {
		b[ix] = byte(ix*7 + ix/256)
	}
	return b
}

func TestVendorPing(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	tr, _ := f.run(t, []byte{VendorAddress, VCmdPing, 0, 0, 0, 0, 0})

	want := []byte{0xff, VendorAck, 0x00, VendorProtocol, VendorProduct,
		VendorRevision, VendorTerm}
	if got := tr.Response(0); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestVendorStatus(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	f.session.SetBootCard(true)
	tr, _ := f.run(t, []byte{VendorAddress, VCmdGetStatus, 0, 0, 0})

	s := tr.Response(0)[3]
	if s&protocol.StatusReady == 0 || s&protocol.StatusBootCard == 0 {
		t.Fatalf("status = %02x", s)
	}
	if s&protocol.StatusSwitching != 0 {
		t.Fatalf("status = %02x, not switching", s)
	}
}

func TestVendorCardAndChannel(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	tr, _ := f.run(t,
		[]byte{VendorAddress, VCmdSetCard, SetModeNumber, 0x01, 0x02, 0},
		[]byte{VendorAddress, VCmdGetCard, 0, 0, 0, 0},
		[]byte{VendorAddress, VCmdSetChannel, SetModeNext, 0, 0, 0},
		[]byte{VendorAddress, VCmdGetChannel, 0, 0, 0, 0},
		[]byte{VendorAddress, VCmdSetChannel, 0x07, 0, 0, 0, 0})

	if f.session.Card() != 0x102 {
		t.Fatalf("card = %d", f.session.Card())
	}
	if got := tr.Response(1)[3:5]; !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Fatalf("get card = % x", got)
	}
	if got := tr.Response(3)[4]; got != 2 {
		t.Fatalf("get channel = %d", got)
	}
	want := []byte{StatusFail, VendorTerm}
	if got := tr.Response(4)[5:]; !bytes.Equal(got, want) {
		t.Fatalf("bad set mode answered % x", got)
	}
	if f.session.Channel() != 2 {
		t.Fatalf("channel = %d", f.session.Channel())
	}
}

func TestVendorGameID(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	id := "SLUS-20002"

	tr, _ := f.run(t,
		cat([]byte{VendorAddress, VCmdSetGameID, byte(len(id))}, []byte(id),
			[]byte{0}),
		cat([]byte{VendorAddress, VCmdGetGameID}, zeros(2+MaxGameID+1)))

	if f.session.GameID() != id {
		t.Fatalf("game id = %q", f.session.GameID())
	}

	r := tr.Response(1)
	if int(r[3]) != len(id) || string(r[4:4+len(id)]) != id {
		t.Fatalf("get game id = %q", r[4:4+int(r[3])])
	}
	if r[len(r)-1] != VendorTerm {
		t.Fatalf("terminator = %02x", r[len(r)-1])
	}
}

func TestVendorWriteThenRead(t *testing.T) {

	f := newFixture(t, cache.ModeSD)
	data := content(600)

	packets := vendorOpen("mc0:/save.bin", 0x02|0x08|0x10)
	packets = append(packets, vendorWrite(1, data)...)
	packets = append(packets, vendorClose(1))

	tr, _ := f.run(t, packets...)

	if fd := tr.Response(1)[2]; fd != 1 {
		t.Fatalf("open returned %d", int8(fd))
	}
	if s := tr.Response(2)[7]; s != StatusOK {
		t.Fatalf("write status = %02x", s)
	}
	if n := status(tr.Response(6)); n != len(data) {
		t.Fatalf("wrote %d bytes", n)
	}
	if c := tr.Response(7)[3]; c != 0 {
		t.Fatalf("close returned %d", int8(c))
	}

	stored, err := os.ReadFile(filepath.Join(f.root, "save.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatalf("stored %d bytes, content differs", len(stored))
	}

	packets = vendorOpen("save.bin", 0x01)
	packets = append(packets, vendorRead(1, len(data))...)
	packets = append(packets, vendorClose(1))

	tr, _ = f.run(t, packets...)

	if got := collect(tr, 3, 3); !bytes.Equal(got, data) {
		t.Fatal("read back content differs")
	}
	if n := status(tr.Response(6)); n != len(data) {
		t.Fatalf("read reported %d bytes", n)
	}
}

func TestVendorShortReadPads(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	data := content(300)
	if err := os.WriteFile(filepath.Join(f.root, "short.bin"), data,
		0644); err != nil {
		t.Fatal(err)
	}

	packets := vendorOpen("short.bin", 0x01)
	packets = append(packets, vendorRead(1, 600)...)

	tr, e := f.run(t, packets...)

	for ix, size := range []int{256, 256, 88} {
		if got := len(tr.Response(3 + ix)); got != size {
			t.Fatalf("data packet %d carries %d bytes", ix, got)
		}
	}

	got := collect(tr, 3, 3)
	if len(got) != 600 {
		t.Fatalf("sent %d bytes", len(got))
	}
	if !bytes.Equal(got[:300], data) {
		t.Fatal("read content differs")
	}

	want := []byte{0xff, VendorAck, 0x2c, 0x01, 0x00, 0x00, VendorTerm}
	if r := tr.Response(6); !bytes.Equal(r, want) {
		t.Fatalf("status packet % x, want % x", r, want)
	}
	if e.VendorStage() != "idle" {
		t.Fatalf("stage = %s", e.VendorStage())
	}
}

func TestVendorReadInvalidDescriptor(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	tr, e := f.run(t, cat([]byte{VendorAddress, VCmdRead, 9}, le32(16),
		[]byte{0, 0}))

	if r := tr.Response(0); r[7] != StatusFail {
		t.Fatalf("status = %02x", r[7])
	}
	if e.VendorStage() != "idle" {
		t.Fatalf("stage = %s", e.VendorStage())
	}
}

func TestVendorDeselectAbortsRead(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	if err := os.WriteFile(filepath.Join(f.root, "big.bin"), content(3000),
		0644); err != nil {
		t.Fatal(err)
	}

	packets := vendorOpen("big.bin", 0x01)
	packets = append(packets,
		cat([]byte{VendorAddress, VCmdRead, 1}, le32(3000), []byte{0, 0}),
		cat([]byte{VendorAddress}, zeros(DataPacket-1)),
		// deselected in the middle of a data packet
		cat([]byte{VendorAddress}, zeros(10)),
		[]byte{VendorAddress, VCmdPing, 0, 0, 0, 0, 0},
		vendorClose(1))

	tr, e := f.run(t, packets...)

	if e.VendorStage() != "idle" {
		t.Fatalf("stage = %s", e.VendorStage())
	}
	if r := tr.Response(5); r[3] != VendorProtocol {
		t.Fatalf("ping after abort answered % x", r)
	}
	if c := tr.Response(6)[3]; c != 0 {
		t.Fatalf("close after abort returned %d", int8(c))
	}
}

func TestVendorDirectory(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	if err := os.WriteFile(filepath.Join(f.root, "a.bin"), content(42),
		0644); err != nil {
		t.Fatal(err)
	}

	dread := [][]byte{
		{VendorAddress, VCmdDread, 1, 0},
		cat([]byte{VendorAddress, VCmdDread}, zeros(1+fileop.StatSize+1+32+1)),
	}

	packets := [][]byte{
		cat([]byte{VendorAddress, VCmdMkdir}, []byte("sub"), []byte{0, 0, 0}),
		cat([]byte{VendorAddress, VCmdDopen}, []byte("/"), []byte{0, 0, 0}),
	}
	packets = append(packets, dread...)
	packets = append(packets, dread...)
	packets = append(packets, dread...)
	packets = append(packets,
		[]byte{VendorAddress, VCmdDclose, 1, 0, 0},
		cat([]byte{VendorAddress, VCmdGetstat}, []byte("a.bin"), []byte{0, 0}),
		cat([]byte{VendorAddress, VCmdGetstat}, zeros(1+fileop.StatSize+1)))

	tr, _ := f.run(t, packets...)

	if c := tr.Response(0)[6]; c != 0 {
		t.Fatalf("mkdir returned %d", int8(c))
	}
	if fd := tr.Response(1)[4]; fd != 1 {
		t.Fatalf("dopen returned %d", int8(fd))
	}

	name := func(r []byte) string {
		n := int(r[3+fileop.StatSize])
		return string(r[4+fileop.StatSize : 4+fileop.StatSize+n])
	}

	first, second, end := tr.Response(3), tr.Response(5), tr.Response(7)
	if first[2] != 1 || name(first) != "a.bin" {
		t.Fatalf("first entry %d %q", first[2], name(first))
	}
	if second[2] != 1 || name(second) != "sub" {
		t.Fatalf("second entry %d %q", second[2], name(second))
	}
	if mode := binary.LittleEndian.Uint32(second[3:]); mode&fileop.ModeDir == 0 {
		t.Fatalf("sub has mode %x", mode)
	}
	if end[2] != 0 {
		t.Fatalf("end of directory returned %d", end[2])
	}

	stat := tr.Response(10)
	if stat[2] != 0 {
		t.Fatalf("getstat returned %d", int8(stat[2]))
	}
	if size := binary.LittleEndian.Uint32(stat[3+8:]); size != 42 {
		t.Fatalf("size = %d", size)
	}
}

func TestVendorWithoutBridge(t *testing.T) {

	f := newFixture(t, cache.ModeRAM)
	tr := protocol.NewScriptTransport(
		cat([]byte{VendorAddress, VCmdOpen}, zeros(3)))
	e := New(tr, f.cache, nil, f.session, Config{Keys: DefaultKeys()})
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if r := tr.Response(0); r[2] != StatusFail {
		t.Fatalf("open without file access answered % x", r)
	}
}
