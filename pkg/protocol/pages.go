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

package protocol

import (
	"context"

	"github.com/xelalexv/oqtacard/pkg/cache"
)

// Pages is what the engines need from the page cache.
type Pages interface {
	Stage(ctx context.Context, sector int, readAhead bool)
	Get(ctx context.Context, sector int) *cache.Page
	MarkWritten(ctx context.Context, sector int, data []byte)
	MarkErased(ctx context.Context, sector int)
	Invalidate(sector int)
	InvalidateReadAhead()
	Mounted() bool
	Sectors() int
	Busy() bool
}

var _ Pages = (*cache.Cache)(nil)
