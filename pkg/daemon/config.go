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
	"strconv"

	log "github.com/sirupsen/logrus"
)

// runtime configuration items
const (
	ConfigRAMMirror   = "ram-mirror"
	ConfigGameIDCards = "gameid-cards"
)

// ConfigItems lists the items that can be changed at runtime.
var ConfigItems = []string{ConfigRAMMirror, ConfigGameIDCards}

// GetConfig returns the value of a runtime configuration item.
func (d *Daemon) GetConfig(ctx context.Context, item string) (interface{}, error) {

	var ret interface{}

	err := d.exec(ctx, func(ctx context.Context) error {
		ram, gameID := d.manager.Settings()
		switch item {
		case ConfigRAMMirror:
			ret = ram
		case ConfigGameIDCards:
			ret = gameID
		default:
			return fmt.Errorf("unknown config item: %s", item)
		}
		return nil
	})

	return ret, err
}

/*
	SetConfig changes a runtime configuration item. Changes to the card
	settings take effect with the next card switch.
*/
func (d *Daemon) SetConfig(ctx context.Context, item, value string) error {

	on, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %s", item, value)
	}

	return d.exec(ctx, func(ctx context.Context) error {

		ram, gameID := d.manager.Settings()

		switch item {
		case ConfigRAMMirror:
			ram = on
		case ConfigGameIDCards:
			gameID = on
		default:
			return fmt.Errorf("unknown config item: %s", item)
		}

		d.manager.Configure(ram, gameID)
		log.WithFields(log.Fields{
			ConfigRAMMirror:   ram,
			ConfigGameIDCards: gameID,
		}).Info("configuration changed")

		return nil
	})
}

// AdapterVersion returns the conduit protocol version, and the firmware
// version of the adapter. Both are 0 when not connected through a serial
// adapter.
func (d *Daemon) AdapterVersion() (protocol, firmware int) {
	if d.conduit == nil || !d.running.Load() {
		return 0, 0
	}
	return ProtocolVersion, d.conduit.Firmware()
}
