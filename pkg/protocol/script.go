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

package protocol

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

/*
	ScriptTransport plays back host packets and records the card's responses.
	After the last byte of a packet, Receive returns ErrReset, after the last
	packet ErrExit. It serves as the host side in tests and for replaying
	captured bus traffic.
*/
type ScriptTransport struct {
	packets   [][]byte
	responses [][]byte
	pkt       int
	pos       int
	next      int
	primed    int
	mu        sync.Mutex
	hook      func(pkt int)
}

// NewScriptTransport creates a transport playing back packets.
func NewScriptTransport(packets ...[]byte) *ScriptTransport {
	return &ScriptTransport{
		packets:   packets,
		responses: make([][]byte, len(packets)),
		next:      -1,
		primed:    -1,
	}
}

// OnPacket sets a function called before the first byte of each packet is
// delivered.
func (s *ScriptTransport) OnPacket(hook func(pkt int)) {
	s.hook = hook
}

//
func (s *ScriptTransport) Send(b byte) {
	s.next = int(b)
}

//
func (s *ScriptTransport) Prime(b byte) {
	s.primed = int(b)
}

//
func (s *ScriptTransport) Receive(ctx context.Context) (byte, error) {

	if err := ctx.Err(); err != nil {
		return 0, ErrExit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pkt >= len(s.packets) {
		return 0, ErrExit
	}

	if s.pos == len(s.packets[s.pkt]) {
		s.pkt++
		s.pos = 0
		s.next = -1
		return 0, ErrReset
	}

	resp := 0xff
	if s.pos == 0 {
		if s.hook != nil {
			s.mu.Unlock()
			s.hook(s.pkt)
			s.mu.Lock()
		}
		if s.primed >= 0 {
			resp = s.primed
		} else if s.next >= 0 {
			resp = s.next
		}
		s.primed = -1
	} else if s.next >= 0 {
		resp = s.next
	}
	s.next = -1

	s.responses[s.pkt] = append(s.responses[s.pkt], byte(resp))
	b := s.packets[s.pkt][s.pos]
	s.pos++
	return b, nil
}

// Response returns the card's responses for packet ix, one per host byte.
func (s *ScriptTransport) Response(ix int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ix < 0 || ix >= len(s.responses) {
		return nil
	}
	return append([]byte{}, s.responses[ix]...)
}

// Responses returns the responses for all packets.
func (s *ScriptTransport) Responses() [][]byte {
	ret := make([][]byte, len(s.packets))
	for ix := range ret {
		ret[ix] = s.Response(ix)
	}
	return ret
}

// Dump renders host bytes and responses of all packets played so far.
func (s *ScriptTransport) Dump() string {
	var sb strings.Builder
	for ix, p := range s.packets {
		r := s.Response(ix)
		fmt.Fprintf(&sb, "packet %d\n  host: % x\n  card: % x\n", ix, p, r)
	}
	return sb.String()
}
