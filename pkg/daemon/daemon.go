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
	Package daemon runs the card emulation. It wires the two execution
	contexts: the real-time context runs the protocol engine against the
	bus adapter, the management context services page cache requests, file
	operations, card switches, write-back, and requests coming in through the
	control API.
*/
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/cache"
	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/dirty"
	"github.com/xelalexv/oqtacard/pkg/fileop"
	"github.com/xelalexv/oqtacard/pkg/protocol"
	"github.com/xelalexv/oqtacard/pkg/protocol/ps1"
	"github.com/xelalexv/oqtacard/pkg/protocol/ps2"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

// ErrNotRunning is returned for requests made while the daemon is not
// serving.
var ErrNotRunning = errors.New("daemon not running")

const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultBaudRate      = 1000000
	// pages written back per flush tick
	flushBatch = 64
	// interval at which the file operation bridge is polled
	bridgePoll = 2 * time.Millisecond
)

// Config holds the daemon settings.
type Config struct {
	Kind    card.Kind
	Driver  storage.Driver
	Initial card.Target

	// RAMSize is the size of the RAM for mirror mode; 0 disables mirror mode.
	RAMSize     int
	PreferRAM   bool
	NewCardSize int64
	BootCard    bool
	GameIDCards bool

	FlushInterval time.Duration

	Keys    ps2.Keys
	Variant ps2.Variant

	Device   string
	BaudRate int
	// Transport replaces the serial conduit when set.
	Transport protocol.Transport

	// Display receives user facing indications. Defaults to logging.
	Display Display
	// OnChange is called after every card switch.
	OnChange func(t card.Target)
}

// action is a function to run in the management context.
type action struct {
	fn   func(ctx context.Context) error
	done chan error
}

//
func NewDaemon(cfg Config) *Daemon {

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Display == nil {
		cfg.Display = &logDisplay{}
	}
	if cfg.Initial.Card < 1 {
		cfg.Initial = card.Target{Mode: card.ModeNormal, Card: 1, Channel: 1}
	}

	return &Daemon{
		cfg:     cfg,
		actions: make(chan *action),
	}
}

//
type Daemon struct {
	cfg Config

	ram       *storage.RAM
	cache     *cache.Cache
	bridge    *fileop.Bridge
	manager   *card.Manager
	conduit   *conduit
	transport protocol.Transport
	engine    protocol.Engine

	actions chan *action
	stopped chan struct{}
	running atomic.Bool
	started time.Time

	mu   sync.Mutex
	stop context.CancelFunc
}

/*
	Serve sets up the emulation and runs it until ctx ends, Stop is called,
	or the transport closes. Errors that prevent the device from running at
	all, such as a failing RAM self test, an unreachable storage, or a card
	image of unsupported size, are reported to the display and returned.
*/
func (d *Daemon) Serve(ctx context.Context) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.setup(); err != nil {
		d.cfg.Display.Fatal(err)
		d.teardown()
		return err
	}
	defer d.teardown()

	if err := d.manager.Start(ctx, d.cfg.Initial); err != nil {
		err = fmt.Errorf("cannot mount initial card: %w", err)
		d.cfg.Display.Fatal(err)
		return err
	}

	d.mu.Lock()
	d.stop = cancel
	d.stopped = make(chan struct{})
	d.started = time.Now()
	d.mu.Unlock()

	mgmt := make(chan struct{})
	go func() {
		defer close(mgmt)
		d.manage(ctx)
	}()

	rt := make(chan error, 1)
	go func() {
		// keep the real-time context on its own thread
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		rt <- d.engine.Run(ctx)
	}()

	d.running.Store(true)
	log.WithFields(log.Fields{
		"kind": d.cfg.Kind, "card": d.manager.Info()}).Info("daemon started")

	err := <-rt
	d.running.Store(false)
	cancel()
	<-mgmt

	if err == nil && d.conduit != nil {
		err = d.conduit.Err()
	}

	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if serr := d.manager.Stop(sctx); serr != nil {
		log.Errorf("error unmounting card: %v", serr)
		if err == nil {
			err = serr
		}
	}

	log.Info("daemon stopped")
	return err
}

// setup creates the collaborators of the emulation.
func (d *Daemon) setup() error {

	if d.cfg.Driver == nil {
		return fmt.Errorf("no storage")
	}
	if _, err := d.cfg.Driver.Free(); err != nil &&
		!errors.Is(err, storage.ErrNotSupported) {
		return fmt.Errorf("storage not accessible: %v", err)
	}

	if d.cfg.RAMSize > 0 {
		d.ram = storage.NewRAM(d.cfg.RAMSize)
		if err := d.ram.SelfTest(); err != nil {
			return err
		}
	}

	k := d.cfg.Kind
	d.cache = cache.New(dirty.New(int(k.MaxSize())/k.PageSize()), d.ram)
	d.bridge = fileop.New(d.cfg.Driver)

	onChange := d.cfg.OnChange
	d.manager = card.NewManager(d.cfg.Driver, d.cache, d.bridge, card.Config{
		Kind:        k,
		PreferRAM:   d.cfg.PreferRAM,
		NewCardSize: d.cfg.NewCardSize,
		BootCard:    d.cfg.BootCard,
		GameIDCards: d.cfg.GameIDCards,
		OnChange: func(t card.Target) {
			d.cfg.Display.Card(d.manager.Info())
			if onChange != nil {
				onChange(t)
			}
		},
	})

	d.transport = d.cfg.Transport
	if d.transport == nil {
		c, err := openConduit(d.cfg.Device, d.cfg.BaudRate)
		if err != nil {
			return err
		}
		kind := byte(1)
		if k == card.PS2 {
			kind = 2
		}
		if err := c.hello(kind); err != nil {
			c.Close()
			return fmt.Errorf("cannot greet adapter: %v", err)
		}
		d.conduit = c
		d.transport = c
	}

	if k == card.PS1 {
		d.engine = ps1.New(d.transport, d.cache, d.manager)
	} else {
		d.engine = ps2.New(d.transport, d.cache, d.bridge, d.manager,
			ps2.Config{Keys: d.cfg.Keys, Variant: d.cfg.Variant})
	}

	return nil
}

//
func (d *Daemon) teardown() {
	if d.conduit != nil {
		d.conduit.Close()
	}
	if d.ram != nil {
		d.ram.Close()
	}
}

// manage is the management context.
func (d *Daemon) manage(ctx context.Context) {

	defer close(d.stopped)

	flush := time.NewTicker(d.cfg.FlushInterval)
	defer flush.Stop()
	poll := time.NewTicker(bridgePoll)
	defer poll.Stop()

	for {
		select {

		case <-ctx.Done():
			return

		case e := <-d.cache.Requests():
			d.cache.Service(e)

		case <-d.bridge.Wake():
			d.bridge.Serve()

		case <-poll.C:
			d.bridge.Serve()

		case r := <-d.manager.Requests():
			if err := d.manager.Handle(ctx, r); err != nil {
				log.WithField("action", r.Action).Errorf(
					"session request failed: %v", err)
			}

		case a := <-d.actions:
			a.done <- a.fn(ctx)

		case <-flush.C:
			if n, err := d.cache.Flush(ctx, flushBatch, false); err != nil {
				log.Errorf("write-back failed: %v", err)
			} else if n > 0 {
				log.WithField("pages", n).Trace("written back")
			}
			d.cfg.Display.Activity(d.cache.Busy(), d.cache.ResetWriteOccurred())
		}
	}
}

// exec runs fn in the management context and returns its result.
func (d *Daemon) exec(ctx context.Context, fn func(ctx context.Context) error) error {

	if !d.running.Load() {
		return ErrNotRunning
	}

	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()

	a := &action{fn: fn, done: make(chan error, 1)}

	select {
	case d.actions <- a:
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-a.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends a running Serve.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
	}
}

// Running reports whether the daemon is serving.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Kind returns the kind of card emulated.
func (d *Daemon) Kind() card.Kind {
	return d.cfg.Kind
}
