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

package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/control"
	"github.com/xelalexv/oqtacard/pkg/daemon"
	"github.com/xelalexv/oqtacard/pkg/protocol/ps2"
	"github.com/xelalexv/oqtacard/pkg/repo"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

//
func NewServe() *Serve {

	s := &Serve{}
	s.Runner = *NewRunner(
		`serve [-d|--device {serial device}] [-r|--sd-root {dir or image}] [-m|--mode {ps1|ps2}]
      [-a|--address {address}] [--config {file}] ...`,
		"start the card emulation daemon",
		`
Use the serve command to run the card emulation daemon. It connects to the
bus adapter on the given serial device, serves cards from the SD root, and
provides the control API.`,
		"", `- The SD root is either a directory, or with --sd-image, a FAT formatted
  disk image.

- Card and channel of the last session are written back to the config file,
  if one is used.

`+runnerHelpEpilogue, s.Run)

	s.AddBaseSettings()
	s.AddSetting(&s.Config, "config", "", "", "", "config file", false)
	s.AddSetting(&s.Device, "device", "d", "", "/dev/ttyUSB0",
		"serial device of the bus adapter", false)
	s.AddSetting(&s.BaudRate, "baud-rate", "b", "", daemon.DefaultBaudRate,
		"baud rate of the serial device", false)
	s.AddSetting(&s.SDRoot, "sd-root", "r", "", "sd",
		"folder or FAT image holding the cards", false)
	s.AddSetting(&s.SDImage, "sd-image", "", "", false,
		"SD root is a FAT image", false)
	s.AddSetting(&s.Mode, "mode", "m", "", "ps2",
		"kind of card to emulate, ps1 or ps2", false)
	s.AddSetting(&s.Card, "card", "", "", 1, "card to start with", false)
	s.AddSetting(&s.Channel, "channel", "", "", 1, "channel to start with", false)
	s.AddSetting(&s.BootCard, "boot-card", "", "", false,
		"mount the boot card on start", false)
	s.AddSetting(&s.GameIDCards, "gameid-cards", "", "", false,
		"switch to a per game card when the game announces itself", false)
	s.AddSetting(&s.CardSize, "card-size", "s", "", "",
		"size of newly created cards, e.g. 8M; defaults to the standard size", false)
	s.AddSetting(&s.RAMSize, "ram-size", "", "", "8M",
		"size of RAM for mirror mode; 0 disables mirror mode", false)
	s.AddSetting(&s.RAMMirror, "ram-mirror", "", "", true,
		"serve cards from RAM when they fit", false)
	s.AddSetting(&s.FlushInterval, "flush-interval", "", "",
		daemon.DefaultFlushInterval, "interval for writing back RAM pages", false)
	s.AddSetting(&s.Variant, "card-variant", "", "", "retail",
		"card variant, one of retail, prototype, developer, arcade", false)
	s.AddSetting(&s.KeysFile, "keys-file", "k", "", "",
		"file with authentication keys", false)
	s.AddSetting(&s.Repo, "repo", "", "", "",
		"folder for card images referenced with repo://", false)
	s.AddSetting(&s.Index, "index", "", "", "",
		"folder of search index; enables search of images in the repo, or on the SD root", false)

	return s
}

//
type Serve struct {
	//
	Runner
	//
	Config        string
	Device        string
	BaudRate      int
	SDRoot        string
	SDImage       bool
	Mode          string
	Card          int
	Channel       int
	BootCard      bool
	GameIDCards   bool
	CardSize      string
	RAMSize       string
	RAMMirror     bool
	FlushInterval time.Duration
	Variant       string
	KeysFile      string
	Repo          string
	Index         string
}

//
func (s *Serve) Run() error {

	if cfg := s.viper.GetString("config"); cfg != "" {
		if err := s.ReadConfig(cfg); err != nil {
			return err
		}
	}

	if err := s.ParseSettings(); err != nil {
		return err
	}

	cfg, err := s.daemonConfig()
	if err != nil {
		return err
	}

	drv, err := s.openStorage()
	if err != nil {
		return err
	}
	defer drv.Close()
	cfg.Driver = drv

	cfg.OnChange = func(t card.Target) {
		if t.Mode != card.ModeNormal {
			return
		}
		if err := s.Persist(map[string]interface{}{
			"card": t.Card, "channel": t.Channel}); err != nil {
			log.Warnf("cannot persist card selection: %v", err)
		}
	}

	d := daemon.NewDaemon(cfg)

	var index *repo.Index
	root := s.Repo
	if root == "" && !s.SDImage {
		root = s.SDRoot
	}
	if s.Index != "" && root != "" {
		if index, err = repo.NewIndex(s.Index, root); err != nil {
			return err
		}
		defer index.Stop()
		go func() {
			if err := index.Start(); err != nil {
				log.Errorf("error starting search index: %v", err)
			}
		}()
	}

	api := control.NewAPIServer(s.Address, s.Repo, index, d)
	go func() {
		if err := api.Serve(); err != nil {
			log.Errorf("API server failed: %v", err)
		}
	}()
	defer api.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	return d.Serve(ctx)
}

//
func (s *Serve) daemonConfig() (daemon.Config, error) {

	var cfg daemon.Config
	var err error

	if cfg.Kind, err = card.ParseKind(s.Mode); err != nil {
		return cfg, err
	}

	if s.CardSize != "" {
		if cfg.NewCardSize, err = parseSize(s.CardSize); err != nil {
			return cfg, err
		}
		if err = cfg.Kind.ValidSize(cfg.NewCardSize); err != nil {
			return cfg, err
		}
	}

	ram, err := parseSize(s.RAMSize)
	if err != nil {
		return cfg, err
	}
	cfg.RAMSize = int(ram)
	cfg.PreferRAM = s.RAMMirror && ram > 0

	if cfg.Variant, err = ps2.ParseVariant(s.Variant); err != nil {
		return cfg, err
	}
	cfg.Keys = ps2.DefaultKeys()
	if s.KeysFile != "" {
		if cfg.Keys, err = ps2.LoadKeys(s.KeysFile); err != nil {
			return cfg, err
		}
	} else if cfg.Kind == card.PS2 {
		log.Warn("no keys file given, consoles will not accept the card")
	}

	cfg.Initial = card.Target{
		Mode: card.ModeNormal, Card: s.Card, Channel: s.Channel}
	if err = cfg.Initial.Valid(); err != nil {
		return cfg, err
	}

	cfg.BootCard = s.BootCard
	cfg.GameIDCards = s.GameIDCards
	cfg.FlushInterval = s.FlushInterval
	cfg.Device = s.Device
	cfg.BaudRate = s.BaudRate

	return cfg, nil
}

//
func (s *Serve) openStorage() (storage.Driver, error) {

	if s.SDImage {
		d, err := storage.NewImageDriver(s.SDRoot)
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	if err := os.MkdirAll(s.SDRoot, 0755); err != nil {
		return nil, fmt.Errorf("cannot create SD root: %v", err)
	}
	d, err := storage.NewDirDriver(s.SDRoot)
	if err != nil {
		return nil, err
	}
	return d, nil
}
