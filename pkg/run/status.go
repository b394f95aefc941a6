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

//
func NewStatus() *Status {

	s := &Status{}
	s.Runner = *NewRunner(
		"status [-a|--address {address}]",
		"get daemon status",
		`
Use the status command to see which card is served, whether the daemon is busy
writing, and how healthy the link to the bus adapter is.`,
		"", runnerHelpEpilogue, s.Run)

	s.AddBaseSettings()
	return s
}

//
type Status struct {
	Runner
}

//
func (s *Status) Run() error {
	if err := s.ParseSettings(); err != nil {
		return err
	}
	return s.apiPrint("GET", "/status", nil)
}
