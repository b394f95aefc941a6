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
	"sync"
)

// MaxChannels is the number of channels per card.
const MaxChannels = 8

/*
	MemSession is a Session that keeps its state in memory and applies
	requests immediately. It stands in for the card manager where none is
	running, and records all requests it receives.
*/
type MemSession struct {
	mu       sync.Mutex
	card     int
	channel  int
	gameID   string
	boot     bool
	requests []Request
}

//
func NewMemSession(card, channel int) *MemSession {
	return &MemSession{card: card, channel: channel}
}

//
func (s *MemSession) Card() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card
}

//
func (s *MemSession) Channel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

//
func (s *MemSession) GameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

//
func (s *MemSession) BootCard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boot
}

//
func (s *MemSession) SetBootCard(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boot = on
}

//
func (s *MemSession) Switching() bool {
	return false
}

//
func (s *MemSession) Post(r Request) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r)

	switch r.Action {
	case ActionNextCard:
		s.card++
		s.channel = 1
	case ActionPrevCard:
		if s.card > 1 {
			s.card--
			s.channel = 1
		}
	case ActionSetCard:
		if r.Value > 0 {
			s.card = r.Value
			s.channel = 1
		}
	case ActionNextChannel:
		if s.channel < MaxChannels {
			s.channel++
		}
	case ActionPrevChannel:
		if s.channel > 1 {
			s.channel--
		}
	case ActionSetChannel:
		if r.Value > 0 && r.Value <= MaxChannels {
			s.channel = r.Value
		}
	case ActionSetGameID:
		s.gameID = r.Text
	case ActionUnmountBootCard:
		s.boot = false
	}
}

// Requests returns all requests received so far.
func (s *MemSession) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request{}, s.requests...)
}

// Last returns the most recent request, or one with ActionNone.
func (s *MemSession) Last() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}
