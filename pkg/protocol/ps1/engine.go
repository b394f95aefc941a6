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
	Package ps1 implements the card protocol of the original PlayStation.
	Sectors, called frames there, are 128 bytes. Besides the standard read,
	write, and get-ID commands, a few vendor commands let the host switch
	cards and channels, and announce the game that is running.
*/
package ps1

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/protocol"
)

const (
	SectorSize = 128
	Sectors    = 1024
	CardSize   = SectorSize * Sectors
)

// address byte of memory cards
const Address = 0x81

// commands
const (
	CmdRead        = 0x52
	CmdWrite       = 0x57
	CmdGetID       = 0x53
	CmdPing        = 0x20
	CmdGameID      = 0x21
	CmdPrevChannel = 0x22
	CmdNextChannel = 0x23
	CmdPrevCard    = 0x24
	CmdNextCard    = 0x25
)

// wire constants
const (
	FlagFresh = 0x08
	FlagUsed  = 0x00

	ID1    = 0x5a
	ID2    = 0x5d
	Ack1   = 0x5c
	Ack2   = 0x5d
	EndOK  = 0x47
	EndBad = 0x4e
	EndErr = 0xff

	VendorAck = 0x27
)

// maximum length of a game id
const maxGameID = 255

var getIDResponse = []byte{ID1, ID2, Ack1, Ack2, 0x04, 0x00, 0x00, 0x80}

// New creates an engine talking to the host through t, serving sectors from
// pages, and forwarding vendor requests to session.
func New(t protocol.Transport, pages protocol.Pages,
	session protocol.Session) *Engine {
	return &Engine{
		transport: t,
		pages:     pages,
		session:   session,
		flag:      FlagFresh,
		card:      -1,
	}
}

//
type Engine struct {
	transport protocol.Transport
	pages     protocol.Pages
	session   protocol.Session
	flag      byte
	card      int
	channel   int
	buf       [SectorSize]byte
}

//
func (e *Engine) Run(ctx context.Context) error {

	log.Info("PS1 card protocol engine started")

	for {
		err := e.packet(ctx)
		switch {
		case err == nil, errors.Is(err, protocol.ErrReset):
		case errors.Is(err, protocol.ErrExit):
			log.Info("PS1 card protocol engine stopped")
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// packet handles one packet, from the address byte up to the deselect.
func (e *Engine) packet(ctx context.Context) error {

	t := e.transport

	addr, err := t.Receive(ctx)
	if err != nil {
		return err
	}

	if addr != Address || e.session.Switching() || !e.pages.Mounted() {
		return protocol.Skip(ctx, t)
	}

	e.checkSession()

	cmd, err := protocol.Exchange(ctx, t, e.flag)
	if err != nil {
		return err
	}

	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Trace("PS1 command")
	}

	switch cmd {
	case CmdRead:
		err = e.read(ctx)
	case CmdWrite:
		err = e.write(ctx)
	case CmdGetID:
		err = e.getID(ctx)
	case CmdPing:
		err = e.ping(ctx)
	case CmdGameID:
		err = e.gameID(ctx)
	case CmdPrevChannel:
		err = e.simple(ctx, cmd, protocol.ActionPrevChannel)
	case CmdNextChannel:
		err = e.simple(ctx, cmd, protocol.ActionNextChannel)
	case CmdPrevCard:
		err = e.simple(ctx, cmd, protocol.ActionPrevCard)
	case CmdNextCard:
		err = e.simple(ctx, cmd, protocol.ActionNextCard)
	default:
		log.WithField("cmd", fmt.Sprintf("0x%02x", cmd)).Debug(
			"unknown PS1 command")
	}

	if err != nil {
		return err
	}
	return protocol.Skip(ctx, t)
}

// checkSession raises the fresh flag when the host is talking to a
// different card than before, as with a physical card swap.
func (e *Engine) checkSession() {
	card, channel := e.session.Card(), e.session.Channel()
	if card != e.card || channel != e.channel {
		if e.card >= 0 {
			log.WithFields(log.Fields{
				"card":    card,
				"channel": channel,
			}).Debug("PS1 card changed")
		}
		e.card, e.channel = card, channel
		e.flag = FlagFresh
	}
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

// address receives the two sector address bytes. The card echoes the MSB
// while receiving the LSB.
func (e *Engine) address(ctx context.Context) (msb, lsb byte, err error) {
	t := e.transport
	if msb, err = protocol.Exchange(ctx, t, 0x00); err != nil {
		return
	}
	lsb, err = protocol.Exchange(ctx, t, msb)
	return
}

//
func (e *Engine) read(ctx context.Context) error {

	if err := e.sendAll(ctx, ID1, ID2); err != nil {
		return err
	}

	msb, lsb, err := e.address(ctx)
	if err != nil {
		return err
	}

	sector := int(msb)<<8 | int(lsb)
	valid := sector < e.pages.Sectors()
	if valid {
		e.pages.Stage(ctx, sector, false)
	}

	if err := e.sendAll(ctx, Ack1, Ack2); err != nil {
		return err
	}

	if !valid {
		log.WithField("sector", sector).Debug("PS1 read of invalid sector")
		return e.sendAll(ctx, EndErr, EndErr)
	}

	if err := e.sendAll(ctx, msb, lsb); err != nil {
		return err
	}

	page := e.pages.Get(ctx, sector)
	chk := msb ^ lsb
	for ix := 0; ix < SectorSize; ix++ {
		b := page.At(ix)
		chk ^= b
		if _, err := protocol.Exchange(ctx, e.transport, b); err != nil {
			return err
		}
	}

	e.pages.Stage(ctx, sector+1, true)

	return e.sendAll(ctx, chk, EndOK)
}

//
func (e *Engine) write(ctx context.Context) error {

	t := e.transport

	if err := e.sendAll(ctx, ID1, ID2); err != nil {
		return err
	}

	msb, lsb, err := e.address(ctx)
	if err != nil {
		return err
	}

	// the card echoes the previous host byte while data comes in
	prev := lsb
	chk := msb ^ lsb
	for ix := 0; ix < SectorSize; ix++ {
		b, err := protocol.Exchange(ctx, t, prev)
		if err != nil {
			return err
		}
		e.buf[ix] = b
		chk ^= b
		prev = b
	}

	hostChk, err := protocol.Exchange(ctx, t, prev)
	if err != nil {
		return err
	}

	if err := e.sendAll(ctx, Ack1, Ack2); err != nil {
		return err
	}

	sector := int(msb)<<8 | int(lsb)
	var end byte

	switch {
	case sector >= e.pages.Sectors():
		log.WithField("sector", sector).Warn("PS1 write to invalid sector")
		end = EndErr
	case hostChk != chk:
		log.WithFields(log.Fields{
			"sector":   sector,
			"checksum": fmt.Sprintf("0x%02x/0x%02x", hostChk, chk),
		}).Warn("PS1 write with bad checksum")
		end = EndBad
	default:
		e.pages.MarkWritten(ctx, sector, e.buf[:])
		e.flag = FlagUsed
		end = EndOK
	}

	_, err = protocol.Exchange(ctx, t, end)
	return err
}

//
func (e *Engine) getID(ctx context.Context) error {
	return e.sendAll(ctx, getIDResponse...)
}

//
func (e *Engine) ping(ctx context.Context) error {
	return e.sendAll(ctx, 0x00, CmdPing, VendorAck)
}

//
func (e *Engine) simple(ctx context.Context, cmd byte,
	a protocol.Action) error {

	if err := e.sendAll(ctx, 0x00, cmd); err != nil {
		return err
	}
	// only act once the command has been received in full
	if _, err := protocol.Exchange(ctx, e.transport, VendorAck); err != nil {
		return err
	}
	e.session.Post(protocol.Request{Action: a})
	return nil
}

// gameID receives a length prefixed game id.
func (e *Engine) gameID(ctx context.Context) error {

	t := e.transport

	size, err := protocol.Exchange(ctx, t, 0x00)
	if err != nil {
		return err
	}

	id := make([]byte, 0, maxGameID)
	prev := size
	for ix := 0; ix < int(size); ix++ {
		b, err := protocol.Exchange(ctx, t, prev)
		if err != nil {
			return err
		}
		id = append(id, b)
		prev = b
	}

	if _, err := protocol.Exchange(ctx, t, VendorAck); err != nil {
		return err
	}

	gameID := sanitize(id)
	log.WithField("id", gameID).Debug("PS1 game id received")
	e.session.Post(protocol.Request{Action: protocol.ActionSetGameID,
		Text: gameID})
	return nil
}

// sanitize cuts id at the first zero and drops non printable bytes.
func sanitize(id []byte) string {
	ret := make([]byte, 0, len(id))
	for _, b := range id {
		if b == 0 {
			break
		}
		if b >= 0x20 && b < 0x7f {
			ret = append(ret, b)
		}
	}
	return string(ret)
}
