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

package cache

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/dirty"
	"github.com/xelalexv/oqtacard/pkg/util"
)

// State is the state of a pool entry.
type State int32

const (
	Empty State = iota
	ReadRequested
	ReadAheadRequested
	WriteRequested
	EraseRequested
	DataAvailable
	ReadAheadAvailable
)

var stateNames = []string{
	"empty",
	"read requested",
	"read-ahead requested",
	"write requested",
	"erase requested",
	"data available",
	"read-ahead available",
}

//
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state %d", s)
}

//
func (s State) requested() bool {
	return s >= ReadRequested && s <= EraseRequested
}

//
func (s State) available() bool {
	return s == DataAvailable || s == ReadAheadAvailable
}

//
func (s State) reading() bool {
	return s == ReadRequested || s == ReadAheadRequested
}

/*
	Entry is a slot of the SD mode pool. An entry is claimed by the real-time
	context with a compare-and-swap from Empty, filled with sector and data,
	and then queued. The management context carries out the operation and
	moves the entry on to an available state, or back to Empty.
*/
type Entry struct {
	owner  *pool
	sector int
	state  atomic.Int32
	stale  atomic.Bool
	used   uint64
	data   []byte
}

//
func (e *Entry) State() State {
	return State(e.state.Load())
}

//
func (e *Entry) Sector() int {
	return e.sector
}

//
func (e *Entry) cas(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

//
func (e *Entry) set(s State) {
	e.state.Store(int32(s))
}

// pool backs a card with a fixed set of entries, filled from and written to
// the card file by the management context.
type pool struct {
	cache     *Cache
	info      Card
	entries   []*Entry
	current   *Entry
	readAhead int
	clock     uint64
	closed    atomic.Bool
}

//
func newSDBackend(c *Cache, card Card, size, readAhead int) *pool {
	p := &pool{
		cache:     c,
		info:      card,
		entries:   make([]*Entry, size),
		readAhead: readAhead,
	}
	for ix := range p.entries {
		p.entries[ix] = &Entry{
			owner:  p,
			sector: -1,
			data:   make([]byte, card.PageSize),
		}
	}
	return p
}

//
func (p *pool) card() Card {
	return p.info
}

//
func (p *pool) inRange(sector int) bool {
	return sector >= 0 && sector < p.info.sectors()
}

// find returns the entry holding or about to hold a valid copy of sector.
func (p *pool) find(sector int) *Entry {
	for _, e := range p.entries {
		if e.sector != sector || e.stale.Load() {
			continue
		}
		if s := e.State(); s.reading() || s.available() {
			return e
		}
	}
	return nil
}

/*
	claim reserves an entry for sector and puts it into state s. If no entry
	is empty, available entries are evicted, read-ahead ones first, then the
	least recently used. Unless wait is set, claim gives up when that fails.
	Otherwise it waits for the management context to complete operations.
*/
func (p *pool) claim(ctx context.Context, sector int, s State,
	wait bool) *Entry {

	for {
		if e := p.tryClaim(sector, s); e != nil {
			return e
		}
		if !wait {
			return nil
		}
		if err := util.Await(ctx, func() bool {
			return p.closed.Load() || p.claimable()
		}); err != nil || p.closed.Load() {
			return nil
		}
	}
}

//
func (p *pool) tryClaim(sector int, s State) *Entry {

	for _, e := range p.entries {
		if e.cas(Empty, s) {
			return p.assign(e, sector)
		}
	}

	for _, e := range p.entries {
		if e != p.current && e.cas(ReadAheadAvailable, s) {
			return p.assign(e, sector)
		}
	}

	var lru *Entry
	for _, e := range p.entries {
		if e != p.current && e.State() == DataAvailable &&
			(lru == nil || e.used < lru.used) {
			lru = e
		}
	}
	if lru != nil && lru.cas(DataAvailable, s) {
		return p.assign(lru, sector)
	}

	return nil
}

//
func (p *pool) assign(e *Entry, sector int) *Entry {
	if e == p.current {
		p.current = nil
	}
	e.sector = sector
	e.stale.Store(false)
	p.touch(e)
	return e
}

//
func (p *pool) touch(e *Entry) {
	p.clock++
	e.used = p.clock
}

//
func (p *pool) claimable() bool {
	for _, e := range p.entries {
		if s := e.State(); s == Empty || (e != p.current && s.available()) {
			return true
		}
	}
	return false
}

//
func (p *pool) enqueue(e *Entry) {
	p.cache.queue <- e
}

// promote turns a read-ahead entry into a regular one, so that dropping
// read-ahead data does not hit a sector the engine is working on.
func (p *pool) promote(e *Entry) {
	for {
		switch e.State() {
		case ReadAheadRequested:
			if e.cas(ReadAheadRequested, ReadRequested) {
				return
			}
		case ReadAheadAvailable:
			if e.cas(ReadAheadAvailable, DataAvailable) {
				return
			}
		default:
			return
		}
	}
}

//
func (p *pool) stage(ctx context.Context, sector int, readAhead bool) {

	if !p.inRange(sector) {
		if !readAhead {
			p.current = nil
		}
		return
	}

	if readAhead {
		if p.find(sector) == nil {
			if e := p.claim(ctx, sector, ReadAheadRequested, false); e != nil {
				p.enqueue(e)
			}
		}
		return
	}

	e := p.find(sector)
	if e == nil {
		if e = p.claim(ctx, sector, ReadRequested, true); e == nil {
			p.current = nil
			return
		}
		p.enqueue(e)
	} else {
		p.promote(e)
		p.touch(e)
	}
	p.current = e

	for ix := 1; ix <= p.readAhead; ix++ {
		p.stage(ctx, sector+ix, true)
	}
}

//
func (p *pool) get(ctx context.Context, sector int) *Page {

	if !p.inRange(sector) {
		return blankPage(p.info.PageSize)
	}

	for attempt := 0; attempt < 3; attempt++ {

		e := p.current
		if e == nil || e.sector != sector || e.stale.Load() ||
			!(e.State().reading() || e.State().available()) {
			p.stage(ctx, sector, false)
			if e = p.current; e == nil {
				break
			}
		}

		if err := util.Await(ctx, func() bool {
			return p.closed.Load() || !e.State().reading()
		}); err != nil || p.closed.Load() {
			break
		}

		if e.State().available() && !e.stale.Load() && e.sector == sector {
			return &Page{ctx: ctx, data: e.data}
		}
	}

	return blankPage(p.info.PageSize)
}

//
func (p *pool) markWritten(ctx context.Context, _ *dirty.Guard, sector int,
	data []byte) {

	if !p.inRange(sector) {
		log.WithField("sector", sector).Debug("dropping write beyond card")
		return
	}

	p.invalidate(sector)
	e := p.claim(ctx, sector, WriteRequested, true)
	if e == nil {
		log.WithField("sector", sector).Error("no pool entry for write")
		return
	}

	n := copy(e.data, data)
	fill(e.data[n:], 0xff)
	p.enqueue(e)
	p.cache.written.Store(true)
}

//
func (p *pool) markErased(ctx context.Context, _ *dirty.Guard, sector int) {

	if !p.inRange(sector) {
		return
	}

	for ix := 0; ix < p.info.EraseSize; ix++ {
		p.invalidate(sector + ix)
	}

	if e := p.claim(ctx, sector, EraseRequested, true); e != nil {
		p.enqueue(e)
		p.cache.written.Store(true)
	} else {
		log.WithField("sector", sector).Error("no pool entry for erase")
	}
}

// invalidate drops available copies of sector and marks pending reads of it
// as stale, so that their result is discarded.
func (p *pool) invalidate(sector int) {
	for _, e := range p.entries {
		if e.sector != sector {
			continue
		}
		p.drop(e)
	}
}

//
func (p *pool) invalidateReadAhead() {
	for _, e := range p.entries {
		if s := e.State(); s == ReadAheadAvailable || s == ReadAheadRequested {
			p.drop(e)
		}
	}
}

//
func (p *pool) drop(e *Entry) {
	switch s := e.State(); {
	case s.available():
		if !e.cas(s, Empty) {
			return
		}
	case s.reading():
		e.stale.Store(true)
	default:
		return
	}
	if e == p.current {
		p.current = nil
	}
}

// service carries out the operation of e. If the entry belongs to a card
// that is no longer mounted, reads complete as erased pages and writes are
// discarded.
func (p *pool) service(e *Entry, live bool) {

	if !live {
		switch s := e.State(); {
		case s.reading():
			fill(e.data, 0xff)
			p.complete(e)
		case s == WriteRequested || s == EraseRequested:
			log.WithField("sector", e.sector).Warn(
				"discarding write for card no longer mounted")
			e.set(Empty)
		}
		return
	}

	offset := int64(e.sector) * int64(p.info.PageSize)

	switch s := e.State(); {

	case s.reading():
		n, err := p.info.File.ReadAt(e.data, offset)
		if err != nil && err != io.EOF {
			log.WithFields(log.Fields{
				"sector": e.sector,
				"error":  err,
			}).Error("error reading sector")
		}
		fill(e.data[n:], 0xff)
		p.complete(e)

	case s == WriteRequested:
		if _, err := p.info.File.WriteAt(e.data, offset); err != nil {
			log.WithFields(log.Fields{
				"sector": e.sector,
				"error":  err,
			}).Error("error writing sector")
		}
		e.set(Empty)

	case s == EraseRequested:
		count := p.info.EraseSize
		if max := p.info.sectors() - e.sector; count > max {
			count = max
		}
		fill(e.data, 0xff)
		for ix := 0; ix < count; ix++ {
			if _, err := p.info.File.WriteAt(e.data,
				offset+int64(ix*p.info.PageSize)); err != nil {
				log.WithFields(log.Fields{
					"sector": e.sector + ix,
					"error":  err,
				}).Error("error erasing sector")
				break
			}
		}
		e.set(Empty)

	default:
		log.WithFields(log.Fields{
			"sector": e.sector,
			"state":  s,
		}).Warn("queued pool entry in unexpected state")
	}
}

// complete finishes a read. The real-time context may promote the entry
// concurrently, hence the retry.
func (p *pool) complete(e *Entry) {

	if e.stale.Load() {
		e.stale.Store(false)
		e.set(Empty)
		return
	}

	for {
		switch e.State() {
		case ReadRequested:
			if e.cas(ReadRequested, DataAvailable) {
				return
			}
		case ReadAheadRequested:
			if e.cas(ReadAheadRequested, ReadAheadAvailable) {
				return
			}
		default:
			return
		}
	}
}

// load has nothing to do, sectors are read on demand.
func (p *pool) load() error {
	return nil
}

// flush has nothing to do, writes are carried out as they are queued.
func (p *pool) flush(ctx context.Context, max int, force bool) (int, error) {
	return 0, nil
}

//
func (p *pool) read(sector int, buf []byte) error {
	n, err := p.info.File.ReadAt(buf, int64(sector)*int64(p.info.PageSize))
	if err != nil && err != io.EOF {
		return err
	}
	fill(buf[n:], 0xff)
	return nil
}

// reset returns all entries that are not in flight to Empty. Read-ahead
// entries are dropped regardless of their state.
func (p *pool) reset() {
	for _, e := range p.entries {
		switch s := e.State(); {
		case s == ReadAheadRequested:
			e.stale.Store(true)
		case !s.requested():
			e.set(Empty)
		}
	}
}

// close releases any real-time waiters on this pool.
func (p *pool) close() {
	p.closed.Store(true)
}
