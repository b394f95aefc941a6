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
	Package ps2 implements the card protocol of the PlayStation 2, including
	the authentication exchange and the vendor extension for file access and
	card management.

	Pages are 512 bytes of data plus 16 spare bytes holding the ECC. The host
	sets a read, write, or erase address, then moves page data in pieces with
	read/write data commands, and finishes a page write with a commit.
*/
package ps2

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/cache"
	"github.com/xelalexv/oqtacard/pkg/fileop"
	"github.com/xelalexv/oqtacard/pkg/protocol"
)

const (
	PageSize   = 512
	SpareSize  = 16
	RawSize    = PageSize + SpareSize
	EraseBlock = 16
)

// address bytes
const (
	Address       = 0x81
	VendorAddress = 0x8b
)

// commands
const (
	CmdProbe1       = 0x11
	CmdProbe2       = 0x12
	CmdSetErase     = 0x21
	CmdSetWrite     = 0x22
	CmdSetRead      = 0x23
	CmdGetSpecs     = 0x26
	CmdSetTerm      = 0x27
	CmdGetTerm      = 0x28
	CmdWriteData    = 0x42
	CmdReadData     = 0x43
	CmdCommit       = 0x81
	CmdErase        = 0x82
	CmdProbe3       = 0xbf
	CmdAuth         = 0xf0
	CmdAuthReset    = 0xf3
	CmdKeySelect    = 0xf7
	CmdAuthKeyProbe = 0xf1
	CmdAuthKeyCheck = 0xf2
)

// wire constants
const (
	Ack         = 0x2b
	BadChecksum = 0x4e
	DefaultTerm = 0xff
	TermTrailer = 0x55
)

// Config carries the engine settings.
type Config struct {
	Keys    Keys
	Variant Variant
}

// New creates an engine talking to the host through t, serving pages from
// pages, running file operations through bridge, and reporting to session.
func New(t protocol.Transport, pages protocol.Pages, bridge *fileop.Bridge,
	session protocol.Session, cfg Config) *Engine {

	e := &Engine{
		transport:   t,
		pages:       pages,
		session:     session,
		term:        DefaultTerm,
		auth:        NewAuth(cfg.Keys, cfg.Variant),
		readSector:  -1,
		writeSector: -1,
		eraseSector: -1,
	}
	e.vendor = newVendor(e, bridge)
	return e
}

//
type Engine struct {
	transport protocol.Transport
	pages     protocol.Pages
	session   protocol.Session
	term      byte

	readSector  int
	readOffset  int
	page        *cache.Page
	spare       [SpareSize]byte
	spareValid  bool
	writeSector int
	writeOffset int
	writeBuf    [RawSize]byte
	eraseSector int

	auth   *Auth
	vendor *vendor
}

// Auth returns the authentication state.
func (e *Engine) Auth() *Auth {
	return e.auth
}

// Terminator returns the current terminator byte.
func (e *Engine) Terminator() byte {
	return e.term
}

//
func (e *Engine) Run(ctx context.Context) error {

	log.WithField("variant", e.auth.Variant()).Info(
		"PS2 card protocol engine started")

	for {
		err := e.packet(ctx)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrReset):
			e.interrupted()
		case errors.Is(err, protocol.ErrExit):
			e.vendor.abort()
			log.Info("PS2 card protocol engine stopped")
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// interrupted handles a deselect in the middle of a command.
func (e *Engine) interrupted() {
	log.Trace("PS2 command interrupted by deselect")
	e.failAuth("authentication not confirmed by host")
}

// failAuth abandons an exchange waiting for the host's confirmation.
func (e *Engine) failAuth(msg string) {
	if e.auth.Fail() {
		log.Warn(msg)
		e.session.Post(protocol.Request{Action: protocol.ActionAuthFailed})
	}
}

// isAuthCommand reports whether cmd belongs to the authentication exchange.
func isAuthCommand(cmd byte) bool {
	switch cmd {
	case CmdAuth, CmdAuthReset, CmdAuthKeyProbe, CmdAuthKeyCheck, CmdKeySelect:
		return true
	}
	return false
}

// packet handles one packet, from the address byte up to the deselect.
func (e *Engine) packet(ctx context.Context) error {

	t := e.transport

	addr, err := t.Receive(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrReset) {
			return nil // empty packet
		}
		return err
	}

	switch addr {
	case Address:
		if e.session.Switching() || !e.pages.Mounted() {
			return protocol.Skip(ctx, t)
		}
		if err := e.command(ctx); err != nil {
			return err
		}
	case VendorAddress:
		if err := e.vendor.packet(ctx); err != nil {
			return err
		}
	}

	return protocol.Skip(ctx, t)
}

//
func (e *Engine) command(ctx context.Context) error {

	cmd, err := protocol.Exchange(ctx, e.transport, 0xff)
	if err != nil {
		return err
	}

	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Trace("PS2 command")
	}

	if !isAuthCommand(cmd) {
		e.failAuth("host moved on without confirming authentication")
	}

	switch cmd {
	case CmdProbe1, CmdProbe2, CmdProbe3, CmdAuthKeyProbe, CmdAuthKeyCheck:
		return e.ack(ctx)
	case CmdSetErase, CmdSetWrite, CmdSetRead:
		return e.setAddress(ctx, cmd)
	case CmdGetSpecs:
		return e.getSpecs(ctx)
	case CmdSetTerm:
		return e.setTerm(ctx)
	case CmdGetTerm:
		return e.getTerm(ctx)
	case CmdWriteData:
		return e.writeData(ctx)
	case CmdReadData:
		return e.readData(ctx)
	case CmdCommit:
		return e.commit(ctx)
	case CmdErase:
		return e.erase(ctx)
	case CmdAuth:
		return e.authCommand(ctx)
	case CmdAuthReset:
		return e.authReset(ctx)
	case CmdKeySelect:
		return e.keySelect(ctx)
	}

	log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Debug(
		"unknown PS2 command")
	return nil
}

// sendAll sends each of data, receiving the host byte of every exchange.
func (e *Engine) sendAll(ctx context.Context, data ...byte) error {
	for _, b := range data {
		if _, err := protocol.Exchange(ctx, e.transport, b); err != nil {
			return err
		}
	}
	return nil
}

// ack finishes a command with acknowledge and terminator.
func (e *Engine) ack(ctx context.Context) error {
	return e.sendAll(ctx, Ack, e.term)
}

//
func (e *Engine) setAddress(ctx context.Context, cmd byte) error {

	var raw [4]byte
	for ix := range raw {
		b, err := protocol.Exchange(ctx, e.transport, 0xff)
		if err != nil {
			return err
		}
		raw[ix] = b
	}

	chk, err := protocol.Exchange(ctx, e.transport, 0xff)
	if err != nil {
		return err
	}

	sector := int(binary.LittleEndian.Uint32(raw[:]))
	if chk != protocol.XOR(0, raw[:]...) {
		log.WithFields(log.Fields{
			"sector": sector,
			"cmd":    fmt.Sprintf("0x%02x", cmd),
		}).Warn("PS2 address with bad checksum")
	}

	switch cmd {
	case CmdSetErase:
		e.eraseSector = sector
	case CmdSetWrite:
		e.writeSector = sector
		e.writeOffset = 0
		e.pages.Invalidate(sector)
	case CmdSetRead:
		e.setReadSector(ctx, sector)
	}

	return e.ack(ctx)
}

//
func (e *Engine) setReadSector(ctx context.Context, sector int) {
	e.readSector = sector
	e.readOffset = 0
	e.page = nil
	e.spareValid = false
	e.pages.Stage(ctx, sector, false)
}

//
func (e *Engine) getSpecs(ctx context.Context) error {

	specs := make([]byte, 8, 9)
	binary.LittleEndian.PutUint16(specs[0:], PageSize)
	binary.LittleEndian.PutUint16(specs[2:], EraseBlock)
	binary.LittleEndian.PutUint32(specs[4:], uint32(e.pages.Sectors()))
	specs = append(specs, protocol.XOR(0, specs...))

	if err := e.sendAll(ctx, Ack); err != nil {
		return err
	}
	if err := e.sendAll(ctx, specs...); err != nil {
		return err
	}
	return e.sendAll(ctx, e.term)
}

//
func (e *Engine) setTerm(ctx context.Context) error {
	term, err := protocol.Exchange(ctx, e.transport, 0xff)
	if err != nil {
		return err
	}
	e.term = term
	return e.ack(ctx)
}

//
func (e *Engine) getTerm(ctx context.Context) error {
	return e.sendAll(ctx, Ack, e.term, TermTrailer)
}

// writeData receives a piece of page data into the write buffer. On a bad
// checksum, the piece is discarded.
func (e *Engine) writeData(ctx context.Context) error {

	t := e.transport

	size, err := protocol.Exchange(ctx, t, 0xff)
	if err != nil {
		return err
	}

	start := e.writeOffset
	var chk byte
	for ix := 0; ix < int(size); ix++ {
		b, err := protocol.Exchange(ctx, t, 0xff)
		if err != nil {
			return err
		}
		if pos := start + ix; pos < RawSize {
			e.writeBuf[pos] = b
		}
		chk ^= b
	}

	hostChk, err := protocol.Exchange(ctx, t, 0xff)
	if err != nil {
		return err
	}

	if hostChk != chk {
		log.WithFields(log.Fields{
			"sector": e.writeSector,
			"offset": start,
		}).Warn("PS2 write data with bad checksum")
		return e.sendAll(ctx, Ack, BadChecksum)
	}

	e.writeOffset = min(start+int(size), RawSize)
	return e.ack(ctx)
}

// readData sends a piece of the current page, spare area included. After
// the last spare byte, reading continues with the next sector.
func (e *Engine) readData(ctx context.Context) error {

	size, err := protocol.Exchange(ctx, e.transport, 0xff)
	if err != nil {
		return err
	}

	if err := e.sendAll(ctx, Ack); err != nil {
		return err
	}

	var chk byte
	for ix := 0; ix < int(size); ix++ {
		b := e.nextReadByte(ctx)
		chk ^= b
		if _, err := protocol.Exchange(ctx, e.transport, b); err != nil {
			return err
		}
	}

	return e.sendAll(ctx, chk, e.term)
}

//
func (e *Engine) nextReadByte(ctx context.Context) byte {

	if e.readSector < 0 {
		return 0xff
	}

	if e.page == nil {
		e.page = e.pages.Get(ctx, e.readSector)
	}

	var b byte
	if e.readOffset < PageSize {
		b = e.page.At(e.readOffset)
	} else {
		if !e.spareValid {
			e.spare = Spare(e.page.Bytes())
			e.spareValid = true
		}
		b = e.spare[e.readOffset-PageSize]
	}

	e.readOffset++
	if e.readOffset == RawSize {
		e.setReadSector(ctx, e.readSector+1)
	}
	return b
}

// commit writes the page in the write buffer, and moves on to the next
// sector.
func (e *Engine) commit(ctx context.Context) error {

	if e.writeOffset > 0 && e.writeSector >= 0 {
		if e.writeOffset < PageSize {
			log.WithFields(log.Fields{
				"sector": e.writeSector,
				"bytes":  e.writeOffset,
			}).Debug("PS2 commit of partial page")
		}
		page := e.writeBuf[:PageSize]
		if e.writeOffset < PageSize {
			// keep the rest of the page as it was
			old := e.pages.Get(ctx, e.writeSector).Bytes()
			copy(page[e.writeOffset:], old[e.writeOffset:])
			if e.readSector >= 0 && e.writeSector != e.readSector {
				// fetching the old page displaced the staged read page
				e.page = nil
				e.pages.Stage(ctx, e.readSector, false)
			}
		}
		e.pages.MarkWritten(ctx, e.writeSector, page)
		if e.writeSector == e.readSector {
			e.page = nil
			e.spareValid = false
		}
		e.writeSector++
		e.writeOffset = 0
	}

	return e.ack(ctx)
}

//
func (e *Engine) erase(ctx context.Context) error {
	if e.eraseSector >= 0 {
		e.pages.MarkErased(ctx, e.eraseSector)
		if e.readSector >= e.eraseSector &&
			e.readSector < e.eraseSector+EraseBlock {
			e.page = nil
			e.spareValid = false
		}
	}
	return e.ack(ctx)
}

// authCommand handles the authentication sub-commands.
func (e *Engine) authCommand(ctx context.Context) error {

	t := e.transport

	sub, err := protocol.Exchange(ctx, t, 0xff)
	if err != nil {
		return err
	}

	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithField("sub", fmt.Sprintf("0x%02x", sub)).Trace(
			"PS2 auth sub-command")
	}

	if v, ok := e.auth.Value(sub); ok {
		if err := e.sendAll(ctx, Ack); err != nil {
			return err
		}
		if err := e.sendAll(ctx, v...); err != nil {
			return err
		}
		if err := e.sendAll(ctx, protocol.XOR(0, v...), e.term); err != nil {
			return err
		}
		e.auth.Sent(sub)
		return nil
	}

	switch sub {

	case AuthChallenge1, AuthChallenge2, AuthChallenge3:
		var data [BlockSize]byte
		for ix := range data {
			b, err := protocol.Exchange(ctx, t, 0xff)
			if err != nil {
				return err
			}
			data[ix] = b
		}
		chk, err := protocol.Exchange(ctx, t, 0xff)
		if err != nil {
			return err
		}
		if chk != protocol.XOR(0, data[:]...) {
			log.WithField("sub", sub).Warn("PS2 challenge with bad checksum")
		}
		e.auth.Challenge(sub, data[:])
		return e.ack(ctx)

	case AuthStart:
		if err := e.auth.Start(); err != nil {
			log.Errorf("PS2 authentication: %v", err)
		}
		return e.ack(ctx)

	case AuthCompute:
		e.auth.Compute()
		return e.ack(ctx)

	case AuthConfirm:
		// confirmation only counts once the packet went through completely
		if err := e.ack(ctx); err != nil {
			return err
		}
		if e.auth.Confirm() {
			log.Debug("PS2 authentication confirmed")
			e.session.Post(protocol.Request{
				Action: protocol.ActionAuthenticated})
		}
		return nil
	}

	// remaining sub-commands carry no data
	return e.ack(ctx)
}

//
func (e *Engine) authReset(ctx context.Context) error {
	if _, err := protocol.Exchange(ctx, e.transport, 0xff); err != nil {
		return err
	}
	e.failAuth("authentication reset by host")
	e.auth.Reset()
	return e.ack(ctx)
}

//
func (e *Engine) keySelect(ctx context.Context) error {

	v, err := protocol.Exchange(ctx, e.transport, 0xff)
	if err != nil {
		return err
	}

	if int(v) < len(variantNames) {
		if err := e.auth.Select(Variant(v)); err == nil {
			log.WithField("variant", Variant(v)).Debug("PS2 key selected")
		}
	} else {
		log.WithField("key", v).Warn("PS2 selection of unknown key")
	}

	return e.ack(ctx)
}
