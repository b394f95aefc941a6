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

// Action is a request from an engine to the card session manager.
type Action int

const (
	ActionNone Action = iota
	ActionNextCard
	ActionPrevCard
	ActionNextChannel
	ActionPrevChannel
	ActionSetCard
	ActionSetChannel
	ActionSetGameID
	ActionUnmountBootCard
	ActionAuthFailed
	ActionAuthenticated
)

var actionNames = []string{
	"none", "next card", "previous card", "next channel", "previous channel",
	"set card", "set channel", "set game id", "unmount boot card",
	"authentication failed", "authenticated",
}

//
func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// Request carries an action with its argument.
type Request struct {
	Action Action
	Value  int
	Text   string
}

/*
	Session is the engines' view of the card session manager. The getters
	return the state of the session as last published by the management
	context. Post hands a request over without waiting for it to be carried
	out.
*/
type Session interface {
	Card() int
	Channel() int
	GameID() string
	BootCard() bool
	Switching() bool
	Post(r Request)
}

// status bits reported by the vendor status command
const (
	StatusReady     = 0x01
	StatusSwitching = 0x02
	StatusBootCard  = 0x04
	StatusBusy      = 0x08
)

// Status encodes the session state for the vendor status command.
func Status(s Session, busy bool) byte {
	var ret byte
	if s.Switching() {
		ret |= StatusSwitching
	} else {
		ret |= StatusReady
	}
	if s.BootCard() {
		ret |= StatusBootCard
	}
	if busy {
		ret |= StatusBusy
	}
	return ret
}
