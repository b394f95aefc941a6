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

package control

import (
	"fmt"
	"net/http"

	"github.com/xelalexv/oqtacard/pkg/util"
)

//
type Version struct {
	Daemon          string `json:"daemon"`
	Kind            string `json:"kind"`
	AdapterProtocol int    `json:"adapterProtocol"`
	AdapterFirmware int    `json:"adapterFirmware"`
}

//
func (v *Version) String() string {
	ret := fmt.Sprintf("daemon:     %s (%s)\n", v.Daemon, v.Kind)
	if v.AdapterProtocol > 0 {
		ret += fmt.Sprintf("adapter:    protocol %d, firmware %d\n",
			v.AdapterProtocol, v.AdapterFirmware)
	} else {
		ret += "adapter:    not connected\n"
	}
	return ret
}

//
func (a *api) version(w http.ResponseWriter, req *http.Request) {

	ver := &Version{Daemon: util.OqtaCardVersion, Kind: a.daemon.Kind().String()}
	ver.AdapterProtocol, ver.AdapterFirmware = a.daemon.AdapterVersion()

	if wantsJSON(req) {
		sendJSONReply(ver, http.StatusOK, w)
	} else {
		sendReply([]byte(ver.String()), http.StatusOK, w)
	}
}
