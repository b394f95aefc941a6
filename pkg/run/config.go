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
	"net/url"
	"strings"

	"github.com/xelalexv/oqtacard/pkg/daemon"
)

//
func NewConfig() *Config {

	c := &Config{}
	c.Runner = *NewRunner(
		"config -i|--item {item} [-v|--value {value}] [-a|--address {address}]",
		"get or change daemon settings at runtime",
		`
Use the config command to get or change settings of the running daemon. Without
a value, the current setting is shown. Changes take effect with the next card
switch.`,
		"", fmt.Sprintf(`- Available items: %s

`, strings.Join(daemon.ConfigItems, ", "))+runnerHelpEpilogue, c.Run)

	c.AddBaseSettings()
	c.AddSetting(&c.Item, "item", "i", "", nil, "setting to get or change", true)
	c.AddSetting(&c.Value, "value", "v", "", nil, "new value", false)

	return c
}

//
type Config struct {
	Runner
	//
	Item  string
	Value string
}

//
func (c *Config) Run() error {

	if err := c.ParseSettings(); err != nil {
		return err
	}

	path := "/config/" + url.PathEscape(c.Item)
	if c.Value == "" {
		return c.apiPrint("GET", path, nil)
	}
	return c.apiPrint("PUT", path+"?value="+url.QueryEscape(c.Value), nil)
}
