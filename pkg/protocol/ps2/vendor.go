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
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/fileop"
	"github.com/xelalexv/oqtacard/pkg/protocol"
)

// vendor commands
const (
	VCmdPing            = 0x01
	VCmdGetStatus       = 0x02
	VCmdGetCard         = 0x03
	VCmdSetCard         = 0x04
	VCmdGetChannel      = 0x05
	VCmdSetChannel      = 0x06
	VCmdGetGameID       = 0x07
	VCmdSetGameID       = 0x08
	VCmdReset           = 0x09
	VCmdUnmountBootCard = 0x30
	VCmdOpen            = 0x40
	VCmdClose           = 0x41
	VCmdRead            = 0x42
	VCmdWrite           = 0x43
	VCmdLseek           = 0x44
	VCmdRemove          = 0x46
	VCmdMkdir           = 0x47
	VCmdRmdir           = 0x48
	VCmdDopen           = 0x49
	VCmdDclose          = 0x4a
	VCmdDread           = 0x4b
	VCmdGetstat         = 0x4c
	VCmdLseek64         = 0x53
	VCmdReadSector      = 0x58
)

// vendor wire constants
const (
	VendorAck      = 0xaa
	VendorTerm     = 0xff
	VendorProtocol = 0x01
	VendorProduct  = 0x01
	VendorRevision = 0x01

	StatusOK   = 0x00
	StatusFail = 0xff

	// DataPacket is the number of bytes moved in one data packet.
	DataPacket = 256
	// MaxGameID is the longest game id handed out.
	MaxGameID = 250
	// MaxPath is the longest path accepted.
	MaxPath = 1024
	// SectorSize is the sector size used by the sector read command.
	SectorSize = 2048
)

// modes of the set card and set channel commands
const (
	SetModeNumber = 0x00
	SetModeNext   = 0x01
	SetModePrev   = 0x02
)

// stage is where a multi-packet command stands between packets.
type stage int

const (
	stageIdle stage = iota
	stageOpenResult
	stageReadData
	stageReadStatus
	stageWriteData
	stageWriteStatus
	stageDreadResult
	stageGetstatResult
)

var stageNames = []string{
	"idle", "open result", "read data", "read status", "write data",
	"write status", "dread result", "getstat result",
}

//
func (s stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// command a stage continues
func (s stage) command() byte {
	switch s {
	case stageOpenResult:
		return VCmdOpen
	case stageReadStatus:
		return VCmdRead
	case stageWriteStatus:
		return VCmdWrite
	case stageDreadResult:
		return VCmdDread
	case stageGetstatResult:
		return VCmdGetstat
	}
	return 0
}

// vendor is the handler for the vendor extension.
type vendor struct {
	engine *Engine
	bridge *fileop.Bridge
	stage  stage

	stream    *fileop.Stream
	sink      *fileop.Sink
	remaining int
	lastFd    int
	path      []byte
}

//
func newVendor(e *Engine, b *fileop.Bridge) *vendor {
	return &vendor{engine: e, bridge: b, path: make([]byte, 0, MaxPath)}
}

// VendorStage returns the name of the current vendor command stage.
func (e *Engine) VendorStage() string {
	return e.vendor.stage.String()
}

// abort clears any multi-packet command in progress.
func (v *vendor) abort() {
	if v.stage != stageIdle {
		log.WithField("stage", v.stage).Debug("vendor command aborted")
	}
	v.stage = stageIdle
	if v.bridge != nil {
		if !v.bridge.Idle() {
			v.bridge.Abort()
		} else if v.stream != nil {
			v.bridge.FinishRead()
		}
	}
	v.stream = nil
	v.sink = nil
	v.remaining = 0
}

//
func (v *vendor) exchange(ctx context.Context, b byte) (byte, error) {
	return protocol.Exchange(ctx, v.engine.transport, b)
}

//
func (v *vendor) sendAll(ctx context.Context, data ...byte) error {
	return v.engine.sendAll(ctx, data...)
}

// packet handles a packet addressed to the vendor extension. A deselect in
// the middle of it aborts the command in progress.
func (v *vendor) packet(ctx context.Context) error {
	err := v.dispatch(ctx)
	if errors.Is(err, protocol.ErrReset) {
		v.abort()
	}
	return err
}

//
func (v *vendor) dispatch(ctx context.Context) error {

	switch v.stage {
	case stageReadData:
		return v.readData(ctx)
	case stageWriteData:
		return v.writeData(ctx)
	}

	cmd, err := v.exchange(ctx, VendorAck)
	if err != nil {
		return err
	}

	if v.stage != stageIdle {
		if cmd == v.stage.command() {
			return v.resume(ctx)
		}
		log.WithFields(log.Fields{
			"stage": v.stage,
			"cmd":   fmt.Sprintf("0x%02x", cmd),
		}).Warn("vendor command interrupts command in progress")
		v.abort()
	}

	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Trace("vendor command")
	}

	if v.bridge == nil && cmd >= VCmdOpen {
		log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Debug(
			"no file access available")
		return v.sendAll(ctx, StatusFail, VendorTerm)
	}

	switch cmd {
	case VCmdPing:
		return v.sendAll(ctx, 0x00, VendorProtocol, VendorProduct,
			VendorRevision, VendorTerm)
	case VCmdGetStatus:
		return v.sendAll(ctx, 0x00, protocol.Status(v.engine.session,
			v.engine.pages.Busy()), VendorTerm)
	case VCmdGetCard:
		return v.sendUint16(ctx, v.engine.session.Card())
	case VCmdSetCard:
		return v.set(ctx, protocol.ActionSetCard, protocol.ActionNextCard,
			protocol.ActionPrevCard)
	case VCmdGetChannel:
		return v.sendUint16(ctx, v.engine.session.Channel())
	case VCmdSetChannel:
		return v.set(ctx, protocol.ActionSetChannel,
			protocol.ActionNextChannel, protocol.ActionPrevChannel)
	case VCmdGetGameID:
		return v.getGameID(ctx)
	case VCmdSetGameID:
		return v.setGameID(ctx)
	case VCmdReset:
		return v.reset(ctx)
	case VCmdUnmountBootCard:
		v.engine.session.Post(protocol.Request{
			Action: protocol.ActionUnmountBootCard})
		return v.sendAll(ctx, 0x00, VendorTerm)
	case VCmdOpen:
		return v.open(ctx)
	case VCmdClose, VCmdDclose:
		return v.close(ctx, cmd)
	case VCmdRead:
		return v.read(ctx)
	case VCmdWrite:
		return v.write(ctx)
	case VCmdLseek:
		return v.lseek(ctx, false)
	case VCmdLseek64:
		return v.lseek(ctx, true)
	case VCmdRemove:
		return v.pathOp(ctx, fileop.Remove)
	case VCmdMkdir:
		return v.pathOp(ctx, fileop.Mkdir)
	case VCmdRmdir:
		return v.pathOp(ctx, fileop.Rmdir)
	case VCmdDopen:
		return v.pathOp(ctx, fileop.Dopen)
	case VCmdDread:
		return v.dread(ctx)
	case VCmdGetstat:
		return v.getstat(ctx)
	case VCmdReadSector:
		return v.readSector(ctx)
	}

	log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Debug(
		"unknown vendor command")
	return nil
}

// resume continues a multi-packet command with its follow-up packet.
func (v *vendor) resume(ctx context.Context) error {
	switch v.stage {
	case stageOpenResult:
		return v.openResult(ctx)
	case stageReadStatus:
		return v.readStatus(ctx)
	case stageWriteStatus:
		return v.writeStatus(ctx)
	case stageDreadResult:
		return v.dreadResult(ctx)
	case stageGetstatResult:
		return v.getstatResult(ctx)
	}
	return nil
}

//
func (v *vendor) sendUint16(ctx context.Context, n int) error {
	return v.sendAll(ctx, 0x00, byte(n>>8), byte(n), VendorTerm)
}

// set handles the set card and set channel commands.
func (v *vendor) set(ctx context.Context, number, next,
	prev protocol.Action) error {

	mode, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	hi, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	lo, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}

	r := protocol.Request{}
	switch mode {
	case SetModeNumber:
		r.Action = number
		r.Value = int(hi)<<8 | int(lo)
	case SetModeNext:
		r.Action = next
	case SetModePrev:
		r.Action = prev
	default:
		return v.sendAll(ctx, StatusFail, VendorTerm)
	}

	if err := v.sendAll(ctx, VendorTerm); err != nil {
		return err
	}
	v.engine.session.Post(r)
	return nil
}

//
func (v *vendor) getGameID(ctx context.Context) error {

	id := v.engine.session.GameID()
	if len(id) > MaxGameID {
		id = id[:MaxGameID]
	}

	if err := v.sendAll(ctx, 0x00, byte(len(id))); err != nil {
		return err
	}
	for ix := 0; ix < MaxGameID; ix++ {
		var b byte
		if ix < len(id) {
			b = id[ix]
		}
		if _, err := v.exchange(ctx, b); err != nil {
			return err
		}
	}
	return v.sendAll(ctx, VendorTerm)
}

//
func (v *vendor) setGameID(ctx context.Context) error {

	size, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}

	id := make([]byte, 0, size)
	for ix := 0; ix < int(size); ix++ {
		b, err := v.exchange(ctx, 0x00)
		if err != nil {
			return err
		}
		if b == 0 {
			continue
		}
		id = append(id, b)
	}

	if err := v.sendAll(ctx, VendorTerm); err != nil {
		return err
	}

	log.WithField("id", string(id)).Debug("vendor game id received")
	v.engine.session.Post(protocol.Request{
		Action: protocol.ActionSetGameID, Text: string(id)})
	return nil
}

//
func (v *vendor) reset(ctx context.Context) error {

	keep, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}

	v.abort()
	if v.bridge != nil {
		if _, err := v.bridge.Call(ctx, fileop.Reset,
			fileop.Request{Fd: int(keep)}); err != nil {
			return err
		}
	}
	return v.sendAll(ctx, StatusOK, VendorTerm)
}

// receivePath receives a zero terminated path.
func (v *vendor) receivePath(ctx context.Context) (string, error) {
	v.path = v.path[:0]
	for {
		b, err := v.exchange(ctx, 0x00)
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(v.path), nil
		}
		if len(v.path) < MaxPath {
			v.path = append(v.path, b)
		}
	}
}

//
func (v *vendor) receiveUint32(ctx context.Context) (uint32, error) {
	var raw [4]byte
	for ix := range raw {
		b, err := v.exchange(ctx, 0x00)
		if err != nil {
			return 0, err
		}
		raw[ix] = b
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}

//
func (v *vendor) sendUint32(ctx context.Context, n uint32) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], n)
	return v.sendAll(ctx, raw[:]...)
}

// open receives flags and path, and signals the open. Its result is picked
// up with a second packet.
func (v *vendor) open(ctx context.Context) error {

	flags, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	p, err := v.receivePath(ctx)
	if err != nil {
		return err
	}

	if err := v.bridge.Signal(ctx, fileop.Open, fileop.Request{
		Path: p, Flags: openFlags(flags)}); err != nil {
		return err
	}

	v.stage = stageOpenResult
	return v.sendAll(ctx, VendorTerm)
}

// openFlags maps the compact flags byte onto open flags: bits 0-1 access
// mode, bit 2 append, 3 create, 4 truncate, 5 exclusive.
func openFlags(b byte) int {
	f := int(b & 0x03)
	if b&0x04 != 0 {
		f |= fileop.FlagAppend
	}
	if b&0x08 != 0 {
		f |= fileop.FlagCreate
	}
	if b&0x10 != 0 {
		f |= fileop.FlagTrunc
	}
	if b&0x20 != 0 {
		f |= fileop.FlagExcl
	}
	return f
}

//
func (v *vendor) openResult(ctx context.Context) error {
	v.stage = stageIdle
	res, err := v.bridge.Wait(ctx)
	if err != nil {
		return err
	}
	return v.sendAll(ctx, byte(int8(res.Code)), VendorTerm)
}

//
func (v *vendor) close(ctx context.Context, cmd byte) error {

	fd, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}

	op := fileop.Close
	if cmd == VCmdDclose {
		op = fileop.Dclose
	}
	res, err := v.bridge.Call(ctx, op, fileop.Request{Fd: int(fd)})
	if err != nil {
		return err
	}
	return v.sendAll(ctx, byte(int8(res.Code)), VendorTerm)
}

// read receives descriptor and length, validates the descriptor, and starts
// the read. Data follows in data packets, then the final status.
func (v *vendor) read(ctx context.Context) error {

	fd, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	length, err := v.receiveUint32(ctx)
	if err != nil {
		return err
	}

	return v.startRead(ctx, int(fd), int(length))
}

//
func (v *vendor) startRead(ctx context.Context, fd, length int) error {

	res, err := v.bridge.Call(ctx, fileop.ValidateFd, fileop.Request{Fd: fd})
	if err != nil {
		return err
	}
	if res.Code < 0 {
		log.WithField("fd", fd).Debug("vendor read on invalid descriptor")
		return v.sendAll(ctx, StatusFail, VendorTerm)
	}

	s, err := v.bridge.StartRead(ctx, fd, length)
	if err != nil {
		if errors.Is(err, fileop.ErrReadFailed) {
			log.WithField("fd", fd).Debug("vendor read failed")
			return v.sendAll(ctx, StatusFail, VendorTerm)
		}
		return err
	}

	v.stream = s
	v.remaining = length
	v.lastFd = fd

	if length == 0 {
		v.stage = stageReadStatus
	} else {
		v.stage = stageReadData
		v.engine.transport.Prime(s.Next(ctx))
	}

	return v.sendAll(ctx, StatusOK, VendorTerm)
}

// readData sends a data packet. The first byte was primed before the packet
// started and has gone out with the address exchange.
func (v *vendor) readData(ctx context.Context) error {

	s := v.stream
	count := 1
	v.remaining--

	for count < DataPacket && v.remaining > 0 {
		if _, err := v.exchange(ctx, s.Next(ctx)); err != nil {
			return err
		}
		count++
		v.remaining--
	}

	// lead byte of the next packet goes out before the host deselects
	if v.remaining > 0 {
		v.engine.transport.Prime(s.Next(ctx))
	} else {
		v.stage = stageReadStatus
	}
	return nil
}

//
func (v *vendor) readStatus(ctx context.Context) error {

	v.stage = stageIdle
	n, err := v.stream.Finish(ctx)
	v.stream = nil
	if err != nil {
		return err
	}

	if n < 0 {
		n = 0
	}
	if err := v.sendUint32(ctx, uint32(n)); err != nil {
		return err
	}
	if err := v.sendAll(ctx, VendorTerm); err != nil {
		return err
	}

	if n > 0 {
		return v.bridge.Signal(ctx, fileop.ReadAhead, fileop.Request{
			Fd: v.lastFd})
	}
	return nil
}

//
func (v *vendor) write(ctx context.Context) error {

	fd, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	length, err := v.receiveUint32(ctx)
	if err != nil {
		return err
	}

	res, err := v.bridge.Call(ctx, fileop.ValidateFd,
		fileop.Request{Fd: int(fd)})
	if err != nil {
		return err
	}
	if res.Code < 0 {
		log.WithField("fd", fd).Debug("vendor write on invalid descriptor")
		return v.sendAll(ctx, StatusFail, VendorTerm)
	}

	v.sink = v.bridge.StartWrite(int(fd))
	v.remaining = int(length)
	if length == 0 {
		v.stage = stageWriteStatus
	} else {
		v.stage = stageWriteData
	}
	return v.sendAll(ctx, StatusOK, VendorTerm)
}

// writeData receives a data packet. The address exchange carries no data.
func (v *vendor) writeData(ctx context.Context) error {

	for count := 0; count < DataPacket && v.remaining > 0; count++ {
		b, err := v.exchange(ctx, 0x00)
		if err != nil {
			return err
		}
		if err := v.sink.Put(ctx, b); err != nil {
			return err
		}
		v.remaining--
	}

	if v.remaining == 0 {
		v.stage = stageWriteStatus
	}
	return nil
}

//
func (v *vendor) writeStatus(ctx context.Context) error {

	v.stage = stageIdle
	n, err := v.sink.Finish(ctx)
	v.sink = nil
	if err != nil {
		return err
	}

	if n < 0 {
		n = 0
	}
	if err := v.sendUint32(ctx, uint32(n)); err != nil {
		return err
	}
	return v.sendAll(ctx, VendorTerm)
}

//
func (v *vendor) lseek(ctx context.Context, wide bool) error {

	fd, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}

	var offset int64
	if wide {
		lo, err := v.receiveUint32(ctx)
		if err != nil {
			return err
		}
		hi, err := v.receiveUint32(ctx)
		if err != nil {
			return err
		}
		offset = int64(uint64(hi)<<32 | uint64(lo))
	} else {
		o, err := v.receiveUint32(ctx)
		if err != nil {
			return err
		}
		offset = int64(int32(o))
	}

	whence, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}

	op := fileop.Lseek
	if wide {
		op = fileop.Lseek64
	}
	res, err := v.bridge.Call(ctx, op, fileop.Request{
		Fd: int(fd), Offset: offset, Whence: int(whence)})
	if err != nil {
		return err
	}

	if wide {
		pos := uint64(res.Offset)
		if err := v.sendUint32(ctx, uint32(pos)); err != nil {
			return err
		}
		if err := v.sendUint32(ctx, uint32(pos>>32)); err != nil {
			return err
		}
	} else if err := v.sendUint32(ctx, uint32(int32(res.Code))); err != nil {
		return err
	}

	return v.sendAll(ctx, VendorTerm)
}

// pathOp handles the commands that take a path and return a code.
func (v *vendor) pathOp(ctx context.Context, op fileop.Op) error {

	p, err := v.receivePath(ctx)
	if err != nil {
		return err
	}

	res, err := v.bridge.Call(ctx, op, fileop.Request{Path: p})
	if err != nil {
		return err
	}
	return v.sendAll(ctx, byte(int8(res.Code)), VendorTerm)
}

//
func (v *vendor) dread(ctx context.Context) error {

	fd, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	if err := v.bridge.Signal(ctx, fileop.Dread,
		fileop.Request{Fd: int(fd)}); err != nil {
		return err
	}

	v.stage = stageDreadResult
	return v.sendAll(ctx, VendorTerm)
}

// dreadResult sends result code, stat, name length, and name.
func (v *vendor) dreadResult(ctx context.Context) error {

	v.stage = stageIdle
	res, err := v.bridge.Wait(ctx)
	if err != nil {
		return err
	}

	var stat [fileop.StatSize]byte
	res.Stat.Encode(stat[:])

	name := res.Name
	if len(name) > 255 {
		name = name[:255]
	}

	if err := v.sendAll(ctx, byte(int8(res.Code))); err != nil {
		return err
	}
	if err := v.sendAll(ctx, stat[:]...); err != nil {
		return err
	}
	if err := v.sendAll(ctx, byte(len(name))); err != nil {
		return err
	}
	if err := v.sendAll(ctx, []byte(name)...); err != nil {
		return err
	}
	return v.sendAll(ctx, VendorTerm)
}

//
func (v *vendor) getstat(ctx context.Context) error {

	p, err := v.receivePath(ctx)
	if err != nil {
		return err
	}
	if err := v.bridge.Signal(ctx, fileop.Getstat,
		fileop.Request{Path: p}); err != nil {
		return err
	}

	v.stage = stageGetstatResult
	return v.sendAll(ctx, VendorTerm)
}

//
func (v *vendor) getstatResult(ctx context.Context) error {

	v.stage = stageIdle
	res, err := v.bridge.Wait(ctx)
	if err != nil {
		return err
	}

	var stat [fileop.StatSize]byte
	res.Stat.Encode(stat[:])

	if err := v.sendAll(ctx, byte(int8(res.Code))); err != nil {
		return err
	}
	if err := v.sendAll(ctx, stat[:]...); err != nil {
		return err
	}
	return v.sendAll(ctx, VendorTerm)
}

// readSector reads count sectors of 2048 bytes starting at sector from fd.
// Data and status packets are the same as for a read.
func (v *vendor) readSector(ctx context.Context) error {

	fd, err := v.exchange(ctx, 0x00)
	if err != nil {
		return err
	}
	sector, err := v.receiveUint32(ctx)
	if err != nil {
		return err
	}
	count, err := v.receiveUint32(ctx)
	if err != nil {
		return err
	}

	res, err := v.bridge.Call(ctx, fileop.Lseek64, fileop.Request{
		Fd: int(fd), Offset: int64(sector) * SectorSize,
		Whence: fileop.SeekSet})
	if err != nil {
		return err
	}
	if res.Code < 0 {
		return v.sendAll(ctx, StatusFail, VendorTerm)
	}

	return v.startRead(ctx, int(fd), int(count)*SectorSize)
}
