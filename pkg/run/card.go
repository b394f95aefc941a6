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
	"fmt"
)

//
func NewCard() *Card {

	c := &Card{}
	c.Runner = *NewRunner(
		"card [-n|--number {card}] [-c|--channel {channel}] [-b|--boot-off] [-a|--address {address}]",
		"show or switch card and channel",
		`
Use the card command to show the card currently served by the daemon, or to
switch to another card or channel. Switching to a card selects its first
channel, unless a channel is given as well.`,
		"", runnerHelpEpilogue, c.Run)

	c.AddBaseSettings()
	c.AddSetting(&c.Number, "number", "n", "", 0, "card to switch to", false)
	c.AddSetting(&c.Channel, "channel", "c", "", 0, "channel to switch to (1-8)", false)
	c.AddSetting(&c.BootOff, "boot-off", "b", "", false,
		"leave the boot card, back to the last regular card", false)

	return c
}

//
type Card struct {
	Runner
	//
	Number  int
	Channel int
	BootOff bool
}

//
func (c *Card) Run() error {

	if err := c.ParseSettings(); err != nil {
		return err
	}

	if c.BootOff {
		if err := c.apiPrint("DELETE", "/bootcard", nil); err != nil {
			return err
		}
	}

	if c.Number > 0 {
		if err := c.apiPrint("PUT", fmt.Sprintf("/card?card=%d", c.Number),
			nil); err != nil {
			return err
		}
	}

	if c.Channel > 0 {
		if err := c.apiPrint("PUT", fmt.Sprintf("/channel?channel=%d",
			c.Channel), nil); err != nil {
			return err
		}
	}

	return c.apiPrint("GET", "/card", nil)
}
