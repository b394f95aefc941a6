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

package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xelalexv/oqtacard/pkg/run"
)

//
func main() {

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "oqtacard",
		Short: "PlayStation memory card emulator",
		Long: `
OqtaCard emulates PlayStation and PlayStation 2 memory cards. The serve command
runs the daemon that answers the console via the bus adapter, all other
commands talk to a running daemon, or work on card image files.`,
		SilenceErrors: true,
	}

	root.AddCommand(
		&run.NewServe().Command,
		&run.NewStatus().Command,
		&run.NewCard().Command,
		&run.NewGameID().Command,
		&run.NewList().Command,
		&run.NewLoad().Command,
		&run.NewDump().Command,
		&run.NewFormat().Command,
		&run.NewSearch().Command,
		&run.NewConfig().Command,
		&run.NewVersion().Command,
	)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
