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
	Package cache serves card sectors to the protocol engines.

	The engines run in the real-time context and must never touch the SD card
	themselves. The page cache stands in between: depending on the mounted
	card, sectors come from a mirror of the whole card image in external RAM,
	or from a small pool of entries that the management context fills from and
	writes back to the SD card on request.

	Methods documented as real-time are called by the engine routine only.
	Methods documented as management are called by the management routine
	only. Nothing else is assumed about the callers.
*/
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/dirty"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

// Mode selects how sectors of a mounted card are backed.
type Mode int

const (
	ModeSD Mode = iota
	ModeRAM
)

//
func (m Mode) String() string {
	if m == ModeRAM {
		return "ram"
	}
	return "sd"
}

const (
	// DefaultPoolSize is the number of entries in SD mode.
	DefaultPoolSize = 16
	// DefaultReadAhead is the number of sectors queued for read-ahead after
	// a staged sector in SD mode.
	DefaultReadAhead = 4
)

// Card describes the mounted card as far as the cache is concerned.
type Card struct {
	File      storage.File
	Size      int64
	PageSize  int
	EraseSize int // pages cleared by a single erase
}

//
func (c Card) sectors() int {
	return int(c.Size / int64(c.PageSize))
}

//
func (c Card) validate() error {
	if c.File == nil {
		return fmt.Errorf("no backing file")
	}
	if c.PageSize <= 0 || c.Size <= 0 || c.Size%int64(c.PageSize) != 0 {
		return fmt.Errorf("invalid card geometry: size %d, page size %d",
			c.Size, c.PageSize)
	}
	if c.EraseSize < 1 {
		return fmt.Errorf("invalid erase size %d", c.EraseSize)
	}
	return nil
}

// backend is implemented by the RAM mirror and the SD entry pool.
type backend interface {
	card() Card
	stage(ctx context.Context, sector int, readAhead bool)
	get(ctx context.Context, sector int) *Page
	// called while holding the tracker lock
	markWritten(ctx context.Context, g *dirty.Guard, sector int, data []byte)
	markErased(ctx context.Context, g *dirty.Guard, sector int)
	invalidate(sector int)
	invalidateReadAhead()
	// management side
	load() error
	flush(ctx context.Context, max int, force bool) (int, error)
	read(sector int, buf []byte) error
	close()
	reset()
}

// holder lets the active backend be swapped atomically.
type holder struct {
	backend
	mode Mode
}

//
func New(tracker *dirty.Tracker, ram *storage.RAM) *Cache {
	return &Cache{
		tracker:   tracker,
		ram:       ram,
		queue:     make(chan *Entry, 2*DefaultPoolSize),
		poolSize:  DefaultPoolSize,
		readAhead: DefaultReadAhead,
	}
}

//
type Cache struct {
	tracker   *dirty.Tracker
	ram       *storage.RAM
	queue     chan *Entry
	active    atomic.Pointer[holder]
	written   atomic.Bool
	poolSize  int
	readAhead int
}

// SetPool changes pool size and read-ahead window of SD mode. Takes effect
// with the next mount.
func (c *Cache) SetPool(size, readAhead int) {
	if size < 2 {
		size = 2
	}
	if readAhead >= size {
		readAhead = size - 1
	}
	c.poolSize = size
	c.readAhead = readAhead
}

// SelectMode picks the backing mode for a card of the given size. RAM mode
// is used when the user prefers it and the card fits into RAM.
func (c *Cache) SelectMode(size int64, preferRAM bool) Mode {
	if preferRAM && c.ram != nil && size <= int64(c.ram.Size()) {
		return ModeRAM
	}
	return ModeSD
}

// Mount makes card the card served by this cache. In RAM mode, the whole
// image is loaded into RAM before Mount returns. Management.
func (c *Cache) Mount(card Card, mode Mode) error {

	if err := card.validate(); err != nil {
		return err
	}

	if c.active.Load() != nil {
		return fmt.Errorf("cache already has a mounted card")
	}

	if card.Size/int64(card.PageSize) > int64(c.tracker.Pages()) {
		return fmt.Errorf("card of %d bytes exceeds largest supported card",
			card.Size)
	}

	var b backend
	if mode == ModeRAM {
		if c.ram == nil || card.Size > int64(c.ram.Size()) {
			return fmt.Errorf("card of %d bytes does not fit into RAM", card.Size)
		}
		b = newRAMBackend(c, card)
	} else {
		b = newSDBackend(c, card, c.poolSize, c.readAhead)
	}

	if g, err := c.tracker.Acquire(context.Background()); err == nil {
		g.Reset()
		g.Release()
	}

	if err := b.load(); err != nil {
		return err
	}

	c.written.Store(false)
	c.active.Store(&holder{backend: b, mode: mode})

	log.WithFields(log.Fields{
		"mode":    mode,
		"size":    card.Size,
		"sectors": card.sectors(),
	}).Info("card mounted in page cache")

	return nil
}

/*
	Unmount detaches the mounted card. Outstanding writes are carried out
	first: queued SD operations are drained and, in RAM mode, all dirty pages
	are flushed. Afterwards, every entry is reset. Real-time calls made
	during or after Unmount behave as if no card were present. Management.
*/
func (c *Cache) Unmount(ctx context.Context) error {

	h := c.active.Load()
	if h == nil {
		return nil
	}

	// a write-then-mark sequence in progress completes on the card it
	// started on, later ones find no card
	g, err := c.acquire(ctx, h)
	if err != nil {
		return err
	}
	c.active.Store(nil)
	g.Release()

	c.drain(h)

	var ret error
	if _, err := h.flush(ctx, -1, true); err != nil {
		ret = fmt.Errorf("error flushing dirty pages: %v", err)
	}

	h.reset()
	h.close()

	if err := h.card().File.Sync(); err != nil && ret == nil {
		ret = err
	}

	log.Info("card unmounted from page cache")
	return ret
}

// acquire takes the tracker lock on behalf of the management context. While
// waiting, operations queued for h are serviced, since a real-time holder of
// the lock may be waiting for a pool entry.
func (c *Cache) acquire(ctx context.Context, h *holder) (*dirty.Guard, error) {

	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		if g, ok := c.tracker.TryAcquire(); ok {
			return g, nil
		}
		select {
		case e := <-c.queue:
			e.owner.service(e, h.backend == e.owner)
		case <-tick.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("could not lock dirty tracker: %v", ctx.Err())
		}
	}
}

// Mounted reports whether a card is mounted.
func (c *Cache) Mounted() bool {
	return c.active.Load() != nil
}

// Mode returns the mode of the mounted card.
func (c *Cache) Mode() Mode {
	if h := c.active.Load(); h != nil {
		return h.mode
	}
	return ModeSD
}

// PageSize returns the page size of the mounted card, or 0.
func (c *Cache) PageSize() int {
	if h := c.active.Load(); h != nil {
		return h.card().PageSize
	}
	return 0
}

// Sectors returns the number of sectors of the mounted card, or 0.
func (c *Cache) Sectors() int {
	if h := c.active.Load(); h != nil {
		return h.card().sectors()
	}
	return 0
}

// Stage requests that sector be made available, possibly asynchronously.
// With readAhead, the request is speculative. Real-time.
func (c *Cache) Stage(ctx context.Context, sector int, readAhead bool) {
	if h := c.active.Load(); h != nil {
		h.stage(ctx, sector, readAhead)
	}
}

// Get returns the page for sector. Bytes of the page may still be in
// flight, Page.At waits for them as needed. Sectors beyond the card and
// calls while no card is mounted yield an erased page. Real-time.
func (c *Cache) Get(ctx context.Context, sector int) *Page {
	if h := c.active.Load(); h != nil {
		return h.get(ctx, sector)
	}
	return blankPage(512)
}

// MarkWritten stores data as the new content of sector. Writes beyond the
// card are dropped. Real-time.
func (c *Cache) MarkWritten(ctx context.Context, sector int, data []byte) {
	if h, g := c.lockActive(ctx); g != nil {
		defer g.Release()
		h.markWritten(ctx, g, sector, data)
	}
}

// MarkErased erases the block of sectors starting at sector. Real-time.
func (c *Cache) MarkErased(ctx context.Context, sector int) {
	if h, g := c.lockActive(ctx); g != nil {
		defer g.Release()
		h.markErased(ctx, g, sector)
	}
}

// lockActive takes the tracker lock for a write to the mounted card. If the
// card was unmounted before the lock was obtained, the lock is given up and
// the returned guard is nil.
func (c *Cache) lockActive(ctx context.Context) (*holder, *dirty.Guard) {

	h := c.active.Load()
	if h == nil {
		return nil, nil
	}

	g, err := c.tracker.Acquire(ctx)
	if err != nil {
		log.Errorf("cannot lock dirty tracker: %v", err)
		return nil, nil
	}

	if c.active.Load() != h {
		g.Release()
		log.Debug("card unmounted during write, dropping write")
		return nil, nil
	}
	return h, g
}

// Invalidate drops any cached copy of sector. Invalidating a sector that is
// not cached has no effect. Real-time.
func (c *Cache) Invalidate(sector int) {
	if h := c.active.Load(); h != nil {
		h.invalidate(sector)
	}
}

// InvalidateReadAhead drops all speculatively read sectors. Real-time.
func (c *Cache) InvalidateReadAhead() {
	if h := c.active.Load(); h != nil {
		h.invalidateReadAhead()
	}
}

// Requests delivers SD mode operations queued by the real-time context. The
// management context passes each received entry to Service.
func (c *Cache) Requests() <-chan *Entry {
	return c.queue
}

// Service carries out the operation of a queued entry. Management.
func (c *Cache) Service(e *Entry) {
	h := c.active.Load()
	e.owner.service(e, h != nil && h.backend == e.owner)
}

// drain services all entries currently queued. Entries of other backends
// than h are dropped.
func (c *Cache) drain(h *holder) {
	for {
		select {
		case e := <-c.queue:
			e.owner.service(e, h != nil && h.backend == e.owner)
		default:
			return
		}
	}
}

// Drain services all currently queued entries against the mounted card.
// Management.
func (c *Cache) Drain() {
	c.drain(c.active.Load())
}

// Flush writes up to max dirty RAM pages back to the card file; max < 0
// means all. Unless force is set, nothing is flushed while a lockout is in
// effect. Returns the number of pages written. Management.
func (c *Cache) Flush(ctx context.Context, max int, force bool) (int, error) {
	if h := c.active.Load(); h != nil {
		return h.flush(ctx, max, force)
	}
	return 0, nil
}

// ReadSector reads sector from the backing store, bypassing pool and
// staging buffer. Pending writes are carried out first. Management.
func (c *Cache) ReadSector(sector int, buf []byte) error {

	h := c.active.Load()
	if h == nil {
		return fmt.Errorf("no card mounted")
	}

	c.drain(h)

	card := h.card()
	if sector < 0 || sector >= card.sectors() {
		return fmt.Errorf("sector %d out of range", sector)
	}
	if len(buf) < card.PageSize {
		return fmt.Errorf("buffer too small for page size %d", card.PageSize)
	}
	return h.read(sector, buf[:card.PageSize])
}

// Busy reports whether writes are still outstanding. Used for status
// indication.
func (c *Cache) Busy() bool {
	return c.tracker.Activity() > 0 || len(c.queue) > 0 ||
		(c.ram != nil && c.ram.Busy())
}

// WriteOccurred reports whether the host wrote to the card since the last
// call to ResetWriteOccurred.
func (c *Cache) WriteOccurred() bool {
	return c.written.Load()
}

//
func (c *Cache) ResetWriteOccurred() bool {
	return c.written.Swap(false)
}
