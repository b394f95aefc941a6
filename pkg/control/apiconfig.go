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
)

//
func (a *api) getConfig(w http.ResponseWriter, req *http.Request) {

	item := getArg(req, "item")
	conf, err := a.daemon.GetConfig(req.Context(), item)
	if handleError(err, http.StatusUnprocessableEntity, w) {
		return
	}

	if wantsJSON(req) {
		sendJSONReply(map[string]interface{}{item: conf}, http.StatusOK, w)
		return
	}

	sendReply([]byte(fmt.Sprintf("%v\n", conf)), http.StatusOK, w)
}

//
func (a *api) setConfig(w http.ResponseWriter, req *http.Request) {

	item := getArg(req, "item")
	value := getArg(req, "value")
	if value == "" {
		handleError(fmt.Errorf("no value for %s", item),
			http.StatusUnprocessableEntity, w)
		return
	}

	if handleError(a.daemon.SetConfig(req.Context(), item, value),
		http.StatusUnprocessableEntity, w) {
		return
	}

	sendReply([]byte(fmt.Sprintf("%s set to %s\n", item, value)),
		http.StatusOK, w)
}
