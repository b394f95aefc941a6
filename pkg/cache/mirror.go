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

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/dirty"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

// loading chunk size when copying card image into RAM
const loadChunk = 4096

/*
	mirror backs a card with a complete copy of its image in external RAM.
	Reads are served through a single staging buffer filled by the DMA
	engine. Writes go into RAM immediately and are recorded in the dirty
	tracker, the management context writes dirty pages back to the card
	file once the tracker's lockout has expired.
*/
type mirror struct {
	cache   *Cache
	info    Card
	staging []byte
	xfer    *storage.Transfer
	staged  int
	erased  []byte
}

//
func newRAMBackend(c *Cache, card Card) *mirror {
	m := &mirror{
		cache:   c,
		info:    card,
		staging: make([]byte, card.PageSize),
		staged:  -1,
		erased:  make([]byte, card.PageSize*card.EraseSize),
	}
	fill(m.erased, 0xff)
	return m
}

//
func (m *mirror) card() Card {
	return m.info
}

//
func (m *mirror) inRange(sector int) bool {
	return sector >= 0 && sector < m.info.sectors()
}

//
func (m *mirror) addr(sector int) int {
	return sector * m.info.PageSize
}

// stage starts moving sector into the staging buffer. Read-ahead is not
// needed with RAM and ignored.
func (m *mirror) stage(ctx context.Context, sector int, readAhead bool) {

	if readAhead || sector == m.staged {
		return
	}

	m.settle()

	if !m.inRange(sector) {
		m.staged = -1
		return
	}

	t, err := m.cache.ram.ReadAsync(m.addr(sector), m.staging)
	if err != nil {
		log.Errorf("cannot stage sector %d: %v", sector, err)
		m.staged = -1
		return
	}
	m.xfer = t
	m.staged = sector
}

//
func (m *mirror) get(ctx context.Context, sector int) *Page {

	if !m.inRange(sector) {
		return blankPage(m.info.PageSize)
	}
	if sector != m.staged {
		m.stage(ctx, sector, false)
		if sector != m.staged {
			return blankPage(m.info.PageSize)
		}
	}
	return &Page{ctx: ctx, data: m.staging, xfer: m.xfer}
}

// settle waits for a staging transfer in flight, before the buffer is
// reused.
func (m *mirror) settle() {
	if m.xfer != nil {
		m.xfer.Wait()
		m.xfer = nil
	}
}

//
func (m *mirror) markWritten(ctx context.Context, g *dirty.Guard, sector int,
	data []byte) {
	if !m.inRange(sector) {
		log.WithField("sector", sector).Debug("dropping write beyond card")
		return
	}
	if len(data) > m.info.PageSize {
		data = data[:m.info.PageSize]
	}
	m.update(g, sector, 1, data)
}

//
func (m *mirror) markErased(ctx context.Context, g *dirty.Guard, sector int) {
	if !m.inRange(sector) {
		return
	}
	count := m.info.EraseSize
	if sector+count > m.info.sectors() {
		count = m.info.sectors() - sector
	}
	m.update(g, sector, count, m.erased[:count*m.info.PageSize])
}

// update writes data into RAM and marks the affected pages dirty. The caller
// holds the tracker's lock through g, so the management side never flushes a
// page while it is being changed.
func (m *mirror) update(g *dirty.Guard, sector, count int, data []byte) {

	if err := m.cache.ram.Write(m.addr(sector), data); err != nil {
		log.Errorf("cannot write sector %d to RAM: %v", sector, err)
		return
	}

	for ix := 0; ix < count; ix++ {
		g.Mark(sector + ix)
		if sector+ix == m.staged {
			m.invalidate(m.staged)
		}
	}
	g.Renew()
	m.cache.written.Store(true)
}

//
func (m *mirror) invalidate(sector int) {
	if sector == m.staged {
		m.settle()
		m.staged = -1
	}
}

//
func (m *mirror) invalidateReadAhead() {}

// load copies the card file into RAM.
func (m *mirror) load() error {

	buf := make([]byte, loadChunk)

	for pos := int64(0); pos < m.info.Size; pos += loadChunk {
		n, err := m.info.File.ReadAt(buf, pos)
		if err != nil && err != io.EOF {
			return fmt.Errorf("error loading card into RAM: %v", err)
		}
		fill(buf[n:], 0xff)
		chunk := buf
		if rest := m.info.Size - pos; rest < loadChunk {
			chunk = buf[:rest]
		}
		if err := m.cache.ram.Write(int(pos), chunk); err != nil {
			return fmt.Errorf("error loading card into RAM: %v", err)
		}
	}

	log.WithField("size", m.info.Size).Debug("card loaded into RAM")
	return nil
}

// flush writes dirty pages back to the card file.
func (m *mirror) flush(ctx context.Context, max int, force bool) (int, error) {

	if !force && m.cache.tracker.LockedOut() {
		return 0, nil
	}

	buf := make([]byte, m.info.PageSize)
	count := 0

	for max < 0 || count < max {

		var g *dirty.Guard
		if force {
			var err error
			if g, err = m.cache.tracker.Acquire(ctx); err != nil {
				return count, err
			}
		} else {
			var ok bool
			if g, ok = m.cache.tracker.TryAcquire(); !ok {
				break
			}
		}

		page, ok := g.Next()
		if !ok {
			g.Release()
			break
		}

		err := m.cache.ram.Read(m.addr(page), buf)
		g.Release()
		if err != nil {
			return count, err
		}

		if _, err := m.info.File.WriteAt(buf, int64(m.addr(page))); err != nil {
			return count, fmt.Errorf("error writing page %d: %v", page, err)
		}
		count++
	}

	if count > 0 {
		log.WithField("pages", count).Debug("flushed dirty pages")
	}
	return count, nil
}

//
func (m *mirror) read(sector int, buf []byte) error {
	return m.cache.ram.Read(m.addr(sector), buf)
}

// reset has nothing to do, the staging buffer goes away with the mirror.
func (m *mirror) reset() {}

//
func (m *mirror) close() {}
