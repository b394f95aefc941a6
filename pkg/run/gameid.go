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
	"net/url"
)

//
func NewGameID() *GameID {

	g := &GameID{}
	g.Runner = *NewRunner(
		"gameid -i|--id {game id} [-a|--address {address}]",
		"announce a game id to the daemon",
		`
Use the gameid command to set the game id, as if the running game had announced
it. If per game cards are enabled, the daemon switches to the game's card.`,
		"", runnerHelpEpilogue, g.Run)

	g.AddBaseSettings()
	g.AddSetting(&g.ID, "id", "i", "", nil, "game id, e.g. SLUS-20002", true)

	return g
}

//
type GameID struct {
	Runner
	//
	ID string
}

//
func (g *GameID) Run() error {
	if err := g.ParseSettings(); err != nil {
		return err
	}
	return g.apiPrint("PUT", "/gameid?id="+url.QueryEscape(g.ID), nil)
}
