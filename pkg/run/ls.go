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
func NewList() *List {

	l := &List{}
	l.Runner = *NewRunner(
		"ls [-a|--address {address}]",
		"list cards on the SD root",
		`
Use the ls command to list the card folders on the daemon's SD root, together
with their channel images.`,
		"", runnerHelpEpilogue, l.Run)

	l.AddBaseSettings()
	return l
}

//
type List struct {
	Runner
}

//
func (l *List) Run() error {
	if err := l.ParseSettings(); err != nil {
		return err
	}
	return l.apiPrint("GET", "/ls", nil)
}
