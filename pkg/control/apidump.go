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
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/xelalexv/oqtacard/pkg/card"
)

// dump sends the current card image, or a hex dump of it if hex is set.
func (a *api) dump(w http.ResponseWriter, req *http.Request) {

	var buf bytes.Buffer
	if handleError(a.daemon.Dump(req.Context(), &buf),
		http.StatusUnprocessableEntity, w) {
		return
	}

	if !isFlagSet(req, "hex") {
		sendStreamReply(&buf, http.StatusOK, w)
		return
	}

	sendReply([]byte(hex.Dump(buf.Bytes())), http.StatusOK, w)
}

// list sends the card folders with their channel images.
func (a *api) list(w http.ResponseWriter, req *http.Request) {

	list, err := a.daemon.List(req.Context())
	if handleError(err, http.StatusUnprocessableEntity, w) {
		return
	}

	if wantsJSON(req) {
		sendJSONReply(list, http.StatusOK, w)
		return
	}

	var buf bytes.Buffer
	WriteCardList(&buf, a.daemon.Kind(), list)
	sendReply(buf.Bytes(), http.StatusOK, w)
}

//
func WriteCardList(w io.Writer, k card.Kind, list []card.Listing) {

	fmt.Fprintf(w, "\n%s cards\n\n", k)

	for _, l := range list {
		fmt.Fprintf(w, "%-24s%d channel(s)\n", l.Folder, len(l.Channels))
		for _, c := range l.Channels {
			fmt.Fprintf(w, "    %s\n", c)
		}
	}

	fmt.Fprintf(w, "\n%d folder(s)\n\n", len(list))
}
