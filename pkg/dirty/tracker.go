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
	Package dirty tracks which card pages were written since they were last
	flushed to the backing file.

	A Tracker owns a bitmap with one bit per page, an activity counter holding
	the number of set bits, and a cooperative lock. The bitmap can only be
	changed through a Guard, i.e. while holding the lock. This protects the
	write-then-mark sequence of the real-time context against the management
	context flushing pages or switching cards in between.

	Holders of the lock can additionally renew a lockout period. While the
	lockout is active, the management context refrains from acquiring the lock
	for background work, so a burst of writes by the host is not interrupted.
*/
package dirty

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultLockout is the period for which a Renew call keeps background
// work away from the tracker.
const DefaultLockout = 250 * time.Millisecond

//
func New(maxPages int) *Tracker {
	return &Tracker{
		bitmap:  make([]uint64, (maxPages+63)/64),
		pages:   maxPages,
		lock:    make(chan bool, 1),
		lockout: DefaultLockout,
	}
}

//
type Tracker struct {
	bitmap   []uint64
	pages    int
	activity atomic.Int32
	cursor   int
	//
	lock     chan bool
	lockout  time.Duration
	deadline atomic.Int64
}

// SetLockout changes the period used by Guard.Renew.
func (t *Tracker) SetLockout(d time.Duration) {
	t.lockout = d
}

// Pages returns the number of pages this tracker can hold, i.e. the page
// count of the largest supported card.
func (t *Tracker) Pages() int {
	return t.pages
}

// Activity returns the number of dirty pages. It can be called without
// holding the lock.
func (t *Tracker) Activity() int {
	return int(t.activity.Load())
}

// LockedOut reports whether a lockout renewed by a lock holder is still in
// effect.
func (t *Tracker) LockedOut() bool {
	return time.Now().UnixNano() < t.deadline.Load()
}

// Acquire obtains the lock, waiting until ctx is done. This is used by the
// management context.
func (t *Tracker) Acquire(ctx context.Context) (*Guard, error) {
	select {
	case t.lock <- true:
		log.Trace("dirty tracker locked")
		return &Guard{tracker: t}, nil
	case <-ctx.Done():
		log.Debug("dirty tracker lock timed out")
		return nil, fmt.Errorf("could not lock dirty tracker: %v", ctx.Err())
	}
}

// TryAcquire obtains the lock only if it is free right now.
func (t *Tracker) TryAcquire() (*Guard, bool) {
	select {
	case t.lock <- true:
		return &Guard{tracker: t}, true
	default:
		return nil, false
	}
}

// IsLocked reports whether some context currently holds the lock.
func (t *Tracker) IsLocked() bool {
	return len(t.lock) > 0
}

// IsDirty reports whether page is marked. Not synchronized with writers,
// intended for status display and tests.
func (t *Tracker) IsDirty(page int) bool {
	if page < 0 || page >= t.pages {
		return false
	}
	return atomic.LoadUint64(&t.bitmap[page/64])&(1<<(page%64)) != 0
}

// Guard represents ownership of a tracker's lock. All bitmap changes go
// through a Guard. A Guard must not be used after Release.
type Guard struct {
	tracker  *Tracker
	released bool
}

// Mark sets the dirty bit for page and bumps the activity counter, unless
// the page was already dirty. Pages outside the tracker are ignored.
func (g *Guard) Mark(page int) {

	t := g.live()
	if page < 0 || page >= t.pages {
		log.WithField("page", page).Debug("ignoring mark for page out of range")
		return
	}

	w := &t.bitmap[page/64]
	mask := uint64(1) << (page % 64)
	if *w&mask == 0 {
		atomic.StoreUint64(w, *w|mask)
		t.activity.Add(1)
	}
}

// Clear removes the dirty bit for page, if set.
func (g *Guard) Clear(page int) {

	t := g.live()
	if page < 0 || page >= t.pages {
		return
	}

	w := &t.bitmap[page/64]
	mask := uint64(1) << (page % 64)
	if *w&mask != 0 {
		atomic.StoreUint64(w, *w&^mask)
		t.activity.Add(-1)
	}
}

// Next removes and returns a dirty page. Pages are handed out in ascending
// order, continuing after the page returned last, wrapping around at the
// end. ok is false if no page is dirty.
func (g *Guard) Next() (page int, ok bool) {

	t := g.live()
	if t.activity.Load() == 0 {
		return 0, false
	}

	words := len(t.bitmap)
	start := t.cursor / 64

	for n := 0; n <= words; n++ {
		ix := (start + n) % words
		w := t.bitmap[ix]
		if n == 0 {
			w &^= (uint64(1) << (t.cursor % 64)) - 1 // skip below cursor
		}
		if w == 0 {
			continue
		}
		page = ix*64 + bits.TrailingZeros64(w)
		g.Clear(page)
		t.cursor = (page + 1) % t.pages
		return page, true
	}

	log.Error("dirty tracker activity counter out of sync, resetting")
	t.activity.Store(0)
	t.cursor = 0
	return 0, false
}

// Reset clears all dirty bits.
func (g *Guard) Reset() {
	t := g.live()
	for ix := range t.bitmap {
		atomic.StoreUint64(&t.bitmap[ix], 0)
	}
	t.activity.Store(0)
	t.cursor = 0
}

// Renew extends the lockout period, starting now.
func (g *Guard) Renew() {
	t := g.live()
	t.deadline.Store(time.Now().Add(t.lockout).UnixNano())
}

// Release gives up the lock. Releasing twice is harmless.
func (g *Guard) Release() {
	if g.released {
		log.Debug("dirty tracker guard was already released")
		return
	}
	g.released = true
	<-g.tracker.lock
	log.Trace("dirty tracker unlocked")
}

//
func (g *Guard) live() *Tracker {
	if g.released {
		panic("dirty tracker guard used after release")
	}
	return g.tracker
}
