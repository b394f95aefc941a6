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
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/card"
)

/*
	Display is the user facing indicator of the device, such as a screen or
	LEDs. Activity is called periodically from the management context, with
	busy set while writes are outstanding, and written set if the host wrote
	to the card since the last call.
*/
type Display interface {
	Card(info card.Info)
	Activity(busy, written bool)
	Fatal(err error)
}

// logDisplay is the default display, it logs what it is shown.
type logDisplay struct {
	mu   sync.Mutex
	busy bool
}

//
func (l *logDisplay) Card(info card.Info) {
	log.WithField("card", info).Info("now serving")
}

//
func (l *logDisplay) Activity(busy, written bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if busy != l.busy {
		log.WithField("busy", busy).Debug("card activity")
		l.busy = busy
	}
	if written {
		log.Trace("card written")
	}
}

//
func (l *logDisplay) Fatal(err error) {
	log.Errorf("device halted: %v", err)
}
