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

package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc8"
	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/protocol"
	"github.com/xelalexv/oqtacard/pkg/util"
)

/*
	The conduit is the link to the bus adapter. The adapter forwards every
	byte the host clocks into the card, and the select and deselect edges of
	the card's select line. In the other direction, the daemon tells the
	adapter the byte to shift out during the next exchange. Everything on the
	link travels in frames of three bytes:

		byte 0:	frame kind
		     1:	value
		     2:	CRC-8/MAXIM over bytes 0 and 1

	A frame with bad checksum is dropped, and the receiver re-synchronizes by
	shifting one byte.
*/

// frame kinds, adapter to daemon
const (
	KindData     = 0x01
	KindSelect   = 0x02
	KindDeselect = 0x03
)

// frame kinds, daemon to adapter
const (
	KindResponse = 0x81
	KindPrime    = 0x82
	KindCard     = 0x83
)

// KindHello is sent in both directions. The daemon's hello carries the
// conduit protocol version, the adapter's its firmware version.
const KindHello = 0x7f

//
const (
	FrameSize       = 3
	ProtocolVersion = 1
)

// health counters of the conduit
const (
	healthFrames    = "conduit.frames"
	healthBadFrames = "conduit.frames.bad"
	healthUnknown   = "conduit.frames.unknown"
	healthSendFails = "conduit.send.errors"
)

const frameBuffer = 1024

var frameTable = crc8.MakeTable(crc8.CRC8_MAXIM)

//
type frame [FrameSize]byte

//
func newFrame(kind, value byte) frame {
	f := frame{kind, value}
	f[2] = crc8.Checksum(f[:2], frameTable)
	return f
}

//
func (f frame) valid() bool {
	return crc8.Checksum(f[:2], frameTable) == f[2]
}

// openConduit opens the serial port of the adapter.
func openConduit(device string, baudRate int) (*conduit, error) {

	port, err := serial.Open(serial.OpenOptions{
		PortName:              device,
		BaudRate:              uint(baudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})

	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %s: %v", device, err)
	}

	log.WithFields(log.Fields{
		"device": device, "baud": baudRate}).Info("serial port opened")

	// port reads time out with EOF, so the receiver can notice a close
	return newConduit(port, true), nil
}

/*
	newConduit creates a conduit over port. If polling is set, EOF from port
	is a read timeout rather than the end of the link.
*/
func newConduit(port io.ReadWriteCloser, polling bool) *conduit {
	c := &conduit{
		port:    port,
		polling: polling,
		frames:  make(chan frame, frameBuffer),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c
}

//
type conduit struct {
	port    io.ReadWriteCloser
	polling bool
	frames  chan frame
	done    chan struct{}
	closed  atomic.Bool
	failure atomic.Value

	firmware atomic.Int32
	wmu      sync.Mutex

	hmu    sync.Mutex
	health util.Annotations
}

// hello announces the daemon to the adapter and the kind of card to
// emulate.
func (c *conduit) hello(kind byte) error {
	if err := c.write(newFrame(KindHello, ProtocolVersion)); err != nil {
		return err
	}
	return c.write(newFrame(KindCard, kind))
}

// Send implements protocol.Transport.
func (c *conduit) Send(b byte) {
	c.write(newFrame(KindResponse, b))
}

// Prime implements protocol.Transport.
func (c *conduit) Prime(b byte) {
	c.write(newFrame(KindPrime, b))
}

// Receive implements protocol.Transport.
func (c *conduit) Receive(ctx context.Context) (byte, error) {

	for {
		select {

		case <-ctx.Done():
			return 0, protocol.ErrExit

		case f, ok := <-c.frames:
			if !ok {
				return 0, protocol.ErrExit
			}
			switch f[0] {
			case KindData:
				return f[1], nil
			case KindDeselect:
				return 0, protocol.ErrReset
			case KindSelect:
			default:
				c.count(healthUnknown)
			}
		}
	}
}

//
func (c *conduit) write(f frame) error {

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.port.Write(f[:]); err != nil {
		c.count(healthSendFails)
		if !c.closed.Load() {
			log.Errorf("conduit send error: %v", err)
		}
		return err
	}
	return nil
}

// receive reads frames from the port until the port closes or fails.
func (c *conduit) receive() {

	defer close(c.frames)

	r := bufio.NewReader(c.port)
	var f frame
	n := 0

	for {
		b, err := r.ReadByte()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) && c.polling {
				continue
			}
			log.Errorf("conduit receive error: %v", err)
			c.failure.Store(err)
			return
		}

		f[n] = b
		if n++; n < FrameSize {
			continue
		}

		if !f.valid() {
			c.count(healthBadFrames)
			f[0], f[1] = f[1], f[2]
			n = 2
			continue
		}

		n = 0
		c.count(healthFrames)

		if f[0] == KindHello {
			c.firmware.Store(int32(f[1]))
			log.WithField("firmware", f[1]).Info("adapter connected")
			continue
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

//
func (c *conduit) count(key string) {
	c.hmu.Lock()
	c.health.Annotate(key, c.health.GetAnnotation(key).Int()+1)
	c.hmu.Unlock()
}

// Health returns the health counters of the conduit.
func (c *conduit) Health() map[string]int {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	ret := make(map[string]int)
	for _, k := range []string{healthFrames, healthBadFrames, healthUnknown,
		healthSendFails} {
		ret[k] = c.health.GetAnnotation(k).Int()
	}
	return ret
}

// Firmware returns the adapter's firmware version, or 0 if the adapter did
// not say hello yet.
func (c *conduit) Firmware() int {
	return int(c.firmware.Load())
}

// Err returns the error that ended the link, if any.
func (c *conduit) Err() error {
	if err, ok := c.failure.Load().(error); ok {
		return err
	}
	return nil
}

//
func (c *conduit) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.port.Close()
}
