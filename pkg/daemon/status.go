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

package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/xelalexv/oqtacard/pkg/card"
	"github.com/xelalexv/oqtacard/pkg/util"
)

// Status is a snapshot of the daemon state.
type Status struct {
	Running   bool           `json:"running"`
	Uptime    string         `json:"uptime,omitempty"`
	Card      card.Info      `json:"card"`
	Switching bool           `json:"switching"`
	BootCard  bool           `json:"bootCard"`
	Busy      bool           `json:"busy"`
	Written   bool           `json:"written"`
	Free      uint64         `json:"free,omitempty"`
	Adapter   int            `json:"adapter,omitempty"`
	Health    map[string]int `json:"health,omitempty"`
}

// Status returns the current state. Written reports whether the host wrote
// to the card since the last write-back tick.
func (d *Daemon) Status() *Status {

	ret := &Status{Running: d.running.Load()}
	if !ret.Running {
		return ret
	}

	d.mu.Lock()
	ret.Uptime = time.Since(d.started).Truncate(time.Second).String()
	d.mu.Unlock()

	ret.Card = d.manager.Info()
	ret.Switching = d.manager.Switching()
	ret.BootCard = d.manager.BootCard()
	ret.Busy = d.cache.Busy()
	ret.Written = d.cache.WriteOccurred()

	if free, err := d.cfg.Driver.Free(); err == nil {
		ret.Free = free
	}

	if d.conduit != nil {
		ret.Adapter = d.conduit.Firmware()
		ret.Health = d.conduit.Health()
	}

	return ret
}

//
func (s *Status) String() string {

	if !s.Running {
		return "daemon not running\n"
	}

	var sb strings.Builder
	state := "ready"
	if s.Switching {
		state = "switching"
	}
	if s.Busy {
		state += ", busy"
	}

	fmt.Fprintf(&sb, "state:    %s (up %s)\n", state, s.Uptime)
	fmt.Fprintf(&sb, "card:     %s\n", s.Card)
	if s.Free > 0 {
		fmt.Fprintf(&sb, "free:     %s\n", size(s.Free))
	}

	if len(s.Health) > 0 {
		fmt.Fprintf(&sb, "adapter:  firmware %d\n", s.Adapter)
		var health util.Annotations
		for k, v := range s.Health {
			health.Annotate(k, v)
		}
		sb.WriteString("\n")
		sb.WriteString(health.AnnotationsString())
	}

	return sb.String()
}

//
func size(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	}
	return fmt.Sprintf("%dkB", b/1024)
}
