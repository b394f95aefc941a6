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
	"io"
	"net/http"
	"strings"
)

//
func (a *api) status(w http.ResponseWriter, req *http.Request) {
	s := a.daemon.Status()
	if wantsJSON(req) {
		sendJSONReply(s, http.StatusOK, w)
	} else {
		sendReply([]byte(s.String()), http.StatusOK, w)
	}
}

//
func (a *api) getCard(w http.ResponseWriter, req *http.Request) {

	info, err := a.daemon.Info()
	if handleError(err, http.StatusServiceUnavailable, w) {
		return
	}

	if wantsJSON(req) {
		sendJSONReply(info, http.StatusOK, w)
	} else {
		sendReply([]byte(fmt.Sprintf("%s\n", info)), http.StatusOK, w)
	}
}

//
func (a *api) setCard(w http.ResponseWriter, req *http.Request) {

	n, err := getIntArg(req, "card", -1)
	if handleError(err, http.StatusUnprocessableEntity, w) {
		return
	}

	if handleError(a.daemon.SetCard(req.Context(), n),
		http.StatusUnprocessableEntity, w) {
		return
	}

	sendReply([]byte(fmt.Sprintf("switched to card %d\n", n)), http.StatusOK, w)
}

//
func (a *api) getChannel(w http.ResponseWriter, req *http.Request) {

	info, err := a.daemon.Info()
	if handleError(err, http.StatusServiceUnavailable, w) {
		return
	}

	if wantsJSON(req) {
		sendJSONReply(map[string]int{"channel": info.Channel}, http.StatusOK, w)
	} else {
		sendReply([]byte(fmt.Sprintf("%d\n", info.Channel)), http.StatusOK, w)
	}
}

//
func (a *api) setChannel(w http.ResponseWriter, req *http.Request) {

	ch, err := getIntArg(req, "channel", -1)
	if handleError(err, http.StatusUnprocessableEntity, w) {
		return
	}

	if handleError(a.daemon.SetChannel(req.Context(), ch),
		http.StatusUnprocessableEntity, w) {
		return
	}

	sendReply([]byte(fmt.Sprintf("switched to channel %d\n", ch)),
		http.StatusOK, w)
}

// setGameID takes the game id from the id parameter, or the request body.
func (a *api) setGameID(w http.ResponseWriter, req *http.Request) {

	id := getArg(req, "id")
	if id == "" {
		b, err := io.ReadAll(io.LimitReader(req.Body, 256))
		if handleError(err, http.StatusBadRequest, w) {
			return
		}
		id = strings.TrimSpace(string(b))
	}

	if id == "" {
		handleError(fmt.Errorf("no game id"), http.StatusUnprocessableEntity, w)
		return
	}

	if handleError(a.daemon.SetGameID(req.Context(), id),
		http.StatusUnprocessableEntity, w) {
		return
	}

	sendReply([]byte(fmt.Sprintf("game id set to %s\n", id)), http.StatusOK, w)
}

//
func (a *api) unmountBootCard(w http.ResponseWriter, req *http.Request) {
	if handleError(a.daemon.UnmountBootCard(req.Context()),
		http.StatusUnprocessableEntity, w) {
		return
	}
	sendReply([]byte("boot card unmounted\n"), http.StatusOK, w)
}
