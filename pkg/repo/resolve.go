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

package repo

import (
	"fmt"
	"io"
	"strings"
)

// MaxSourceSize caps how much is read from any source. It covers the largest
// PS2 card with ECC data, plus some room for archive overhead.
const MaxSourceSize = 72 * 1024 * 1024

// Source is a named stream of card image data.
type Source interface {
	io.ReadCloser
	Name() string
}

//
const (
	SchemeRepo  = "repo://"
	SchemeHTTP  = "http://"
	SchemeHTTPS = "https://"
)

// Resolve opens the source referenced by ref. References starting with
// repo:// are looked up in the repo folder, http(s) references are fetched.
func Resolve(ref, repo string) (Source, error) {

	switch {

	case strings.HasPrefix(ref, SchemeRepo):
		return NewFileSource(repo, strings.TrimPrefix(ref, SchemeRepo))

	case strings.HasPrefix(ref, SchemeHTTP), strings.HasPrefix(ref, SchemeHTTPS):
		return NewHTTPSource(ref)
	}

	return nil, fmt.Errorf("unsupported reference: %s", ref)
}
