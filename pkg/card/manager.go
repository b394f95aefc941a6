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

package card

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/cache"
	"github.com/xelalexv/oqtacard/pkg/fileop"
	"github.com/xelalexv/oqtacard/pkg/protocol"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

const requestQueueSize = 16

// Config holds the card management settings.
type Config struct {
	Kind Kind
	// PreferRAM selects RAM mirror mode for cards that fit into RAM.
	PreferRAM bool
	// NewCardSize is the size of cards created on first use. Zero selects
	// the default size of the kind.
	NewCardSize int64
	// BootCard mounts the boot card on start.
	BootCard bool
	// GameIDCards switches to a per game card when the host reports a game
	// id.
	GameIDCards bool
	// OnChange is called after a card was mounted, with the card's target.
	OnChange func(t Target)
}

/*
	Manager holds the card session. It answers the session queries of the
	protocol engine, and carries out the engine's switch requests in the
	management context. While a switch is in progress, Switching reports true
	and the engine stays silent on the bus.
*/
type Manager struct {
	drv    storage.Driver
	cache  *cache.Cache
	bridge *fileop.Bridge
	cfg    Config

	mu            sync.RWMutex
	target        Target
	last          Target
	gameID        string
	path          string
	size          int64
	file          storage.File
	authenticated bool

	switching atomic.Bool
	requests  chan protocol.Request
}

// NewManager creates a manager mounting cards from drv into c. If bridge is
// not nil, its descriptors are reset whenever the card changes.
func NewManager(drv storage.Driver, c *cache.Cache, bridge *fileop.Bridge,
	cfg Config) *Manager {

	if cfg.NewCardSize == 0 {
		cfg.NewCardSize = cfg.Kind.DefaultSize()
	}

	return &Manager{
		drv:      drv,
		cache:    c,
		bridge:   bridge,
		cfg:      cfg,
		last:     Target{Mode: ModeNormal, Card: 1, Channel: 1},
		requests: make(chan protocol.Request, requestQueueSize),
	}
}

// Kind returns the kind of cards managed.
func (m *Manager) Kind() Kind {
	return m.cfg.Kind
}

// Start mounts the initial card, or the boot card if enabled.
func (m *Manager) Start(ctx context.Context, initial Target) error {
	if initial.Mode == ModeNormal {
		m.last = initial
	}
	if m.cfg.BootCard {
		return m.Open(ctx, Target{Mode: ModeBoot, Card: initial.Card,
			Channel: 1})
	}
	return m.Open(ctx, initial)
}

// Configure changes the settings that may change at runtime. They take
// effect with the next card switch. Management context.
func (m *Manager) Configure(preferRAM, gameIDCards bool) {
	m.cfg.PreferRAM = preferRAM
	m.cfg.GameIDCards = gameIDCards
}

// Settings returns the settings that may change at runtime. Management
// context.
func (m *Manager) Settings() (preferRAM, gameIDCards bool) {
	return m.cfg.PreferRAM, m.cfg.GameIDCards
}

// Stop unmounts the current card.
func (m *Manager) Stop(ctx context.Context) error {
	m.switching.Store(true)
	defer m.switching.Store(false)
	return m.unmount(ctx)
}

// --- session queries, safe to call from the real-time context --------------

//
func (m *Manager) Card() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target.Card
}

//
func (m *Manager) Channel() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target.Channel
}

//
func (m *Manager) GameID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gameID
}

//
func (m *Manager) BootCard() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target.Mode == ModeBoot
}

//
func (m *Manager) Switching() bool {
	return m.switching.Load()
}

// Post queues a request for the management context. Requests that change
// the card raise the switching flag right away.
func (m *Manager) Post(r protocol.Request) {

	switches := changesCard(r.Action)
	if switches {
		m.switching.Store(true)
	}

	select {
	case m.requests <- r:
	default:
		log.WithField("action", r.Action).Warn("session request dropped")
		if switches {
			m.switching.Store(false)
		}
	}
}

//
func changesCard(a protocol.Action) bool {
	switch a {
	case protocol.ActionNextCard, protocol.ActionPrevCard,
		protocol.ActionSetCard, protocol.ActionNextChannel,
		protocol.ActionPrevChannel, protocol.ActionSetChannel,
		protocol.ActionUnmountBootCard:
		return true
	}
	return false
}

// --- management context -----------------------------------------------------

// Requests returns the channel delivering requests posted by the engine.
func (m *Manager) Requests() <-chan protocol.Request {
	return m.requests
}

// Handle carries out a request. Management context.
func (m *Manager) Handle(ctx context.Context, r protocol.Request) error {

	log.WithFields(log.Fields{
		"action": r.Action,
		"value":  r.Value,
	}).Debug("session request")

	m.mu.RLock()
	current, last := m.target, m.last
	m.mu.RUnlock()

	switch r.Action {

	case protocol.ActionNextCard:
		return m.Open(ctx, Target{Card: last.Card + 1, Channel: 1})

	case protocol.ActionPrevCard:
		if last.Card > 1 {
			return m.Open(ctx, Target{Card: last.Card - 1, Channel: 1})
		}

	case protocol.ActionSetCard:
		if r.Value > 0 {
			return m.Open(ctx, Target{Card: r.Value, Channel: 1})
		}

	case protocol.ActionNextChannel:
		if current.Channel < MaxChannels {
			current.Channel++
			return m.Open(ctx, current)
		}

	case protocol.ActionPrevChannel:
		if current.Channel > 1 {
			current.Channel--
			return m.Open(ctx, current)
		}

	case protocol.ActionSetChannel:
		if r.Value > 0 && r.Value <= MaxChannels {
			current.Channel = r.Value
			return m.Open(ctx, current)
		}

	case protocol.ActionSetGameID:
		return m.SetGameID(ctx, r.Text)

	case protocol.ActionUnmountBootCard:
		if current.Mode == ModeBoot {
			return m.Open(ctx, last)
		}

	case protocol.ActionAuthFailed:
		m.setAuthenticated(false)
		log.Warn("card authentication not proven")

	case protocol.ActionAuthenticated:
		m.setAuthenticated(true)
		log.Info("card authenticated")
	}

	m.switching.Store(false)
	return nil
}

// SetGameID records the game id reported by the host, and switches to the
// game's card if enabled. Management context.
func (m *Manager) SetGameID(ctx context.Context, id string) error {

	m.mu.Lock()
	m.gameID = id
	mode := m.target.Mode
	m.mu.Unlock()

	log.WithField("id", id).Info("game id")

	if !m.cfg.GameIDCards || SanitizeFolder(id) == "" || mode == ModeBoot {
		return nil
	}
	return m.Open(ctx, Target{Mode: ModeGameID, Card: m.Card(), Channel: 1,
		Folder: id})
}

//
func (m *Manager) setAuthenticated(a bool) {
	m.mu.Lock()
	m.authenticated = a
	m.mu.Unlock()
}

/*
	Open mounts the card image for t, creating and formatting it if it does
	not exist yet. The current card is unmounted first, with all pending
	writes going to its image. A boot card without channel image falls back
	to the legacy boot card image if that exists. Management context.
*/
func (m *Manager) Open(ctx context.Context, t Target) error {

	m.switching.Store(true)
	defer m.switching.Store(false)

	if err := t.Valid(); err != nil {
		return err
	}

	if err := m.unmount(ctx); err != nil {
		return fmt.Errorf("cannot unmount card: %v", err)
	}

	p := m.resolve(t)
	f, size, err := m.openImage(p)
	if err != nil {
		return err
	}

	k := m.cfg.Kind
	mode := m.cache.SelectMode(size, m.cfg.PreferRAM)
	if err := m.cache.Mount(cache.Card{
		File:      f,
		Size:      size,
		PageSize:  k.PageSize(),
		EraseSize: k.EraseSize(),
	}, mode); err != nil {
		f.Close()
		return err
	}

	m.mu.Lock()
	m.target = t
	if t.Mode == ModeNormal {
		m.last = t
	}
	m.path = p
	m.size = size
	m.file = f
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"card":  t,
		"path":  p,
		"size":  size,
		"cache": mode,
	}).Info("card mounted")

	if m.cfg.OnChange != nil {
		m.cfg.OnChange(t)
	}
	return nil
}

//
func (m *Manager) unmount(ctx context.Context) error {

	m.mu.RLock()
	f := m.file
	m.mu.RUnlock()

	if f == nil {
		return nil
	}

	if err := m.cache.Unmount(ctx); err != nil {
		return err
	}

	if m.bridge != nil {
		m.bridge.CloseAll()
	}

	m.mu.Lock()
	m.file = nil
	m.path = ""
	m.size = 0
	m.mu.Unlock()

	if err := f.Close(); err != nil {
		log.Errorf("error closing card image: %v", err)
	}
	log.Debug("card unmounted")
	return nil
}

// resolve returns the image path to use for t.
func (m *Manager) resolve(t Target) string {

	p := Path(m.cfg.Kind, t)
	if t.Mode != ModeBoot || m.drv.Exists(p) {
		return p
	}

	if legacy := LegacyBootPath(m.cfg.Kind); m.drv.Exists(legacy) {
		log.WithField("path", legacy).Info("using legacy boot card")
		return legacy
	}
	return p
}

// openImage opens the image at p, creating it if missing, and checks its
// size.
func (m *Manager) openImage(p string) (storage.File, int64, error) {

	if !m.drv.Exists(p) {
		if err := m.create(p); err != nil {
			return nil, 0, err
		}
	}

	f, err := m.drv.Open(p, os.O_RDWR)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot open card image %s: %v", p, err)
	}

	size, err := f.Size()
	if err == nil {
		err = m.cfg.Kind.ValidSize(size)
	}
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("card image %s: %w", p, err)
	}

	return f, size, nil
}

//
func (m *Manager) create(p string) error {

	log.WithField("path", p).Info("creating new card")

	if err := m.drv.Mkdir(path.Dir(p)); err != nil {
		return fmt.Errorf("cannot create card folder: %v", err)
	}

	f, err := m.drv.Open(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("cannot create card image %s: %v", p, err)
	}
	defer f.Close()

	if err := Format(f, m.cfg.Kind, m.cfg.NewCardSize); err != nil {
		m.drv.Remove(p)
		return fmt.Errorf("cannot format card image %s: %v", p, err)
	}
	return f.Sync()
}

// Replace overwrites the image of the current card with data, and mounts it
// again. Management context.
func (m *Manager) Replace(ctx context.Context, data []byte) error {

	if err := m.cfg.Kind.ValidSize(int64(len(data))); err != nil {
		return err
	}

	m.mu.RLock()
	t, p, mounted := m.target, m.path, m.file != nil
	m.mu.RUnlock()

	if !mounted {
		return fmt.Errorf("no card mounted")
	}

	m.switching.Store(true)
	defer m.switching.Store(false)

	if err := m.unmount(ctx); err != nil {
		return fmt.Errorf("cannot unmount card: %v", err)
	}

	log.WithFields(log.Fields{"path": p, "size": len(data)}).Info(
		"replacing card image")

	err := m.write(p, data)
	if oerr := m.Open(ctx, t); err == nil {
		err = oerr
	}
	return err
}

//
func (m *Manager) write(p string, data []byte) error {

	f, err := m.drv.Open(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("cannot open card image %s: %v", p, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("cannot write card image %s: %v", p, err)
	}
	return f.Sync()
}

// Info describes the session.
type Info struct {
	Kind          string `json:"kind"`
	Mode          string `json:"mode"`
	Card          int    `json:"card"`
	Channel       int    `json:"channel"`
	Folder        string `json:"folder,omitempty"`
	GameID        string `json:"gameId,omitempty"`
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	Cache         string `json:"cache"`
	Mounted       bool   `json:"mounted"`
	Authenticated bool   `json:"authenticated"`
}

// Info returns a snapshot of the session.
func (m *Manager) Info() Info {

	m.mu.RLock()
	defer m.mu.RUnlock()

	return Info{
		Kind:          m.cfg.Kind.String(),
		Mode:          m.target.Mode.String(),
		Card:          m.target.Card,
		Channel:       m.target.Channel,
		Folder:        m.target.Folder,
		GameID:        m.gameID,
		Path:          m.path,
		Size:          m.size,
		Cache:         m.cache.Mode().String(),
		Mounted:       m.file != nil,
		Authenticated: m.authenticated,
	}
}

//
func (i Info) String() string {
	if !i.Mounted {
		return "no card mounted"
	}
	ret := fmt.Sprintf("%s %s card %d, channel %d (%s, %dkB, %s mode)",
		i.Kind, i.Mode, i.Card, i.Channel, i.Path, i.Size/1024, i.Cache)
	if i.GameID != "" {
		ret += fmt.Sprintf(", game %s", i.GameID)
	}
	return ret
}

// Listing is a card folder with its channel images.
type Listing struct {
	Folder   string   `json:"folder"`
	Channels []string `json:"channels"`
}

// List returns the card folders of the managed kind.
func (m *Manager) List() ([]Listing, error) {

	root := path.Join(CardsRoot, m.cfg.Kind.Dir())
	if !m.drv.Exists(root) {
		return nil, nil
	}

	dirs, err := m.drv.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var ret []Listing
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := m.drv.ReadDir(path.Join(root, d.Name()))
		if err != nil {
			return nil, err
		}
		l := Listing{Folder: d.Name()}
		for _, f := range files {
			if !f.IsDir() && strings.EqualFold(path.Ext(f.Name()),
				m.cfg.Kind.Ext()) {
				l.Channels = append(l.Channels, f.Name())
			}
		}
		sort.Strings(l.Channels)
		ret = append(ret, l)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Folder < ret[j].Folder
	})
	return ret, nil
}

var _ protocol.Session = (*Manager)(nil)
