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
	Package protocol holds what the card protocol engines have in common:
	the transport over which host bytes arrive, the control signals, and the
	view the engines have of the card session.
*/
package protocol

import (
	"context"
	"errors"
)

// ErrReset signals that the host deselected the card. Between packets this
// is the normal packet boundary, within a command it aborts the command.
var ErrReset = errors.New("card deselected")

// ErrExit signals that the engine is being shut down.
var ErrExit = errors.New("engine exit")

/*
	Transport is the byte level link to the host. Host and card exchange one
	byte in each direction per clock cycle, so the card's response for an
	exchange has to be in place before the host's byte of that exchange is
	received. An engine therefore always calls Send before the Receive of the
	same exchange. If no response was sent, the card answers 0xff.
*/
type Transport interface {

	// Send sets the card's response for the next exchange.
	Send(b byte)

	// Receive returns the host's byte of the next exchange, or ErrReset when
	// the host deselected the card, or ErrExit.
	Receive(ctx context.Context) (byte, error)

	// Prime sets the card's response for the first exchange after the next
	// deselect, so that the lead byte of a follow-up packet is in place
	// before the host starts clocking.
	Prime(b byte)
}

// Engine runs a card protocol over a transport until the transport exits or
// ctx ends.
type Engine interface {
	Run(ctx context.Context) error
}

// Control reports whether err is one of the control signals.
func Control(err error) bool {
	return errors.Is(err, ErrReset) || errors.Is(err, ErrExit)
}

// Exchange sends b and receives the host's byte of the same exchange.
func Exchange(ctx context.Context, t Transport, b byte) (byte, error) {
	t.Send(b)
	return t.Receive(ctx)
}

// Skip waits for the end of the current packet, discarding host bytes. It
// returns nil at the packet boundary.
func Skip(ctx context.Context, t Transport) error {
	for {
		if _, err := t.Receive(ctx); err != nil {
			if errors.Is(err, ErrReset) {
				return nil
			}
			return err
		}
	}
}

// XOR returns the exclusive or of all bytes in data, starting with seed.
func XOR(seed byte, data ...byte) byte {
	for _, b := range data {
		seed ^= b
	}
	return seed
}
