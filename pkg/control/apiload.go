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

	"github.com/xelalexv/oqtacard/pkg/format"
	"github.com/xelalexv/oqtacard/pkg/repo"
)

/*
	load replaces the content of the current card with an image. The image
	is either referenced by the ref parameter, or sent as request body.
	Parameters type and compressor override what is derived from the image
	name.
*/
func (a *api) load(w http.ResponseWriter, req *http.Request) {

	var in io.ReadCloser
	name := getArg(req, "name")

	if ref, err := getRef(req); ref != "" {
		var src repo.Source
		if err == nil {
			src, err = repo.Resolve(ref, a.repository)
		}
		if err != nil {
			handleError(err, http.StatusNotAcceptable, w)
			return
		}
		in = src
		if name == "" {
			name = src.Name()
		}
	} else {
		in = http.MaxBytesReader(w, req.Body, repo.MaxSourceSize)
	}

	compressor := getArg(req, "compressor")
	typ := getArg(req, "type")
	if name != "" {
		_, t, c := format.SplitNameTypeCompressor(name)
		if compressor == "" {
			compressor = c
		}
		if typ == "" {
			typ = t
		}
	}

	cr, err := format.NewCardReader(in, compressor)
	if handleError(err, http.StatusUnprocessableEntity, w) {
		in.Close()
		return
	}
	defer cr.Close()

	if typ == "" {
		typ = cr.Type()
	}

	img, err := format.Import(cr, typ)
	if err != nil {
		handleError(fmt.Errorf("card image corrupted: %v", err),
			http.StatusUnprocessableEntity, w)
		return
	}

	if handleError(a.daemon.Load(req.Context(), img),
		http.StatusUnprocessableEntity, w) {
		return
	}

	info, _ := a.daemon.Info()
	sendReply([]byte(fmt.Sprintf("loaded image into %s\n", info)),
		http.StatusOK, w)
}
