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

package util

import (
	"context"
	"runtime"
	"time"
)

// number of rounds a waiter spins before it starts parking
const spinRounds = 64

// longest park interval between two condition checks
const maxPark = 200 * time.Microsecond

/*
	Await blocks until cond returns true or ctx is done. It first spins for a
	bounded number of rounds, yielding the processor in between, and then
	parks for growing intervals. This is how the real-time context waits on
	the management context, e.g. for a staged sector or a file operation to
	complete. Returns ctx.Err() if the wait was given up.
*/
func Await(ctx context.Context, cond func() bool) error {

	for round := 0; round < spinRounds; round++ {
		if cond() {
			return nil
		}
		runtime.Gosched()
	}

	park := time.Microsecond

	for {
		if cond() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(park):
		}

		if park < maxPark {
			park *= 2
		}
	}
}
