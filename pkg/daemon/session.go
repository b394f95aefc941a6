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
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/format"
	"github.com/xelalexv/oqtacard/pkg/protocol"
)

// Info returns the card session.
func (d *Daemon) Info() (card.Info, error) {
	if !d.running.Load() {
		return card.Info{}, ErrNotRunning
	}
	return d.manager.Info(), nil
}

// SetCard switches to card n, channel 1, and returns once the card is
// mounted.
func (d *Daemon) SetCard(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("invalid card number: %d", n)
	}
	return d.exec(ctx, func(ctx context.Context) error {
		return d.manager.Handle(ctx, protocol.Request{
			Action: protocol.ActionSetCard, Value: n})
	})
}

// SetChannel switches the current card to channel ch.
func (d *Daemon) SetChannel(ctx context.Context, ch int) error {
	if ch < 1 || ch > card.MaxChannels {
		return fmt.Errorf("invalid channel: %d", ch)
	}
	return d.exec(ctx, func(ctx context.Context) error {
		return d.manager.Handle(ctx, protocol.Request{
			Action: protocol.ActionSetChannel, Value: ch})
	})
}

// SetGameID sets the game id, as if reported by the host.
func (d *Daemon) SetGameID(ctx context.Context, id string) error {
	return d.exec(ctx, func(ctx context.Context) error {
		return d.manager.SetGameID(ctx, id)
	})
}

// UnmountBootCard switches from the boot card to the last regular card.
func (d *Daemon) UnmountBootCard(ctx context.Context) error {
	return d.exec(ctx, func(ctx context.Context) error {
		return d.manager.Handle(ctx, protocol.Request{
			Action: protocol.ActionUnmountBootCard})
	})
}

// List returns the card folders on the storage.
func (d *Daemon) List(ctx context.Context) ([]card.Listing, error) {
	var ret []card.Listing
	err := d.exec(ctx, func(ctx context.Context) error {
		var err error
		ret, err = d.manager.List()
		return err
	})
	return ret, err
}

// Dump writes the content of the current card to w. Pending writes are
// carried out before the card is read.
func (d *Daemon) Dump(ctx context.Context, w io.Writer) error {

	var data []byte

	err := d.exec(ctx, func(ctx context.Context) error {
		n, size := d.cache.Sectors(), d.cache.PageSize()
		if n == 0 {
			return fmt.Errorf("no card mounted")
		}
		data = make([]byte, n*size)
		for s := 0; s < n; s++ {
			if err := d.cache.ReadSector(s, data[s*size:]); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Load replaces the content of the current card with img. The image has to
// be of the emulated kind.
func (d *Daemon) Load(ctx context.Context, img *format.Image) error {

	if img.Kind != d.cfg.Kind {
		return fmt.Errorf("cannot load %s image into %s card", img.Kind,
			d.cfg.Kind)
	}

	log.WithField("image", img.AnnotationsString()).Debug("loading image")

	return d.exec(ctx, func(ctx context.Context) error {
		return d.manager.Replace(ctx, img.Data)
	})
}
