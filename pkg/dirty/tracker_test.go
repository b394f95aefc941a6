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

package dirty

import (
	"context"
	"testing"
	"time"
)

func countBits(t *Tracker) int {
	n := 0
	for p := 0; p < t.Pages(); p++ {
		if t.IsDirty(p) {
			n++
		}
	}
	return n
}

func TestMarkAndNext(t *testing.T) {

	tr := New(300)
	g, ok := tr.TryAcquire()
	if !ok {
		t.Fatal("could not acquire free tracker")
	}
	defer g.Release()

	for _, p := range []int{5, 299, 64, 5, 0, 128} {
		g.Mark(p)
	}

	if got, want := tr.Activity(), 5; got != want {
		t.Fatalf("activity = %d, want %d", got, want)
	}
	if got := countBits(tr); got != tr.Activity() {
		t.Fatalf("bits = %d, activity = %d", got, tr.Activity())
	}

	var order []int
	for {
		p, ok := g.Next()
		if !ok {
			break
		}
		order = append(order, p)
		if got := countBits(tr); got != tr.Activity() {
			t.Fatalf("bits = %d, activity = %d", got, tr.Activity())
		}
	}

	want := []int{0, 5, 64, 128, 299}
	if len(order) != len(want) {
		t.Fatalf("got pages %v, want %v", order, want)
	}
	for ix := range want {
		if order[ix] != want[ix] {
			t.Fatalf("got pages %v, want %v", order, want)
		}
	}

	if tr.Activity() != 0 {
		t.Errorf("activity = %d after draining, want 0", tr.Activity())
	}
}

func TestNextWrapsAround(t *testing.T) {

	tr := New(200)
	g, _ := tr.TryAcquire()
	defer g.Release()

	g.Mark(10)
	g.Mark(150)
	if p, _ := g.Next(); p != 10 {
		t.Fatalf("first page = %d, want 10", p)
	}
	g.Mark(3)
	if p, _ := g.Next(); p != 150 {
		t.Fatalf("second page = %d, want 150", p)
	}
	if p, ok := g.Next(); !ok || p != 3 {
		t.Fatalf("third page = %d (%v), want 3", p, ok)
	}
	if _, ok := g.Next(); ok {
		t.Fatal("expected no more dirty pages")
	}
}

func TestOutOfRangeIgnored(t *testing.T) {
	tr := New(64)
	g, _ := tr.TryAcquire()
	defer g.Release()
	g.Mark(-1)
	g.Mark(64)
	if tr.Activity() != 0 {
		t.Errorf("activity = %d, want 0", tr.Activity())
	}
}

func TestLockIsExclusive(t *testing.T) {

	tr := New(8)
	g, err := tr.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := tr.TryAcquire(); ok {
		t.Fatal("acquired lock twice")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := tr.Acquire(ctx); err == nil {
		t.Fatal("acquire should time out while lock is held")
	}

	g.Release()
	g.Release()

	if g2, ok := tr.TryAcquire(); !ok {
		t.Fatal("could not acquire after release")
	} else {
		g2.Release()
	}
}

func TestLockoutRenewal(t *testing.T) {

	tr := New(8)
	tr.SetLockout(20 * time.Millisecond)

	if tr.LockedOut() {
		t.Fatal("fresh tracker is locked out")
	}

	g, _ := tr.TryAcquire()
	g.Renew()
	g.Release()

	if !tr.LockedOut() {
		t.Fatal("lockout not in effect after renewal")
	}
	time.Sleep(30 * time.Millisecond)
	if tr.LockedOut() {
		t.Fatal("lockout still in effect after expiry")
	}
}

func TestReset(t *testing.T) {
	tr := New(128)
	g, _ := tr.TryAcquire()
	defer g.Release()
	for p := 0; p < 128; p += 3 {
		g.Mark(p)
	}
	g.Reset()
	if tr.Activity() != 0 || countBits(tr) != 0 {
		t.Errorf("activity = %d, bits = %d after reset", tr.Activity(), countBits(tr))
	}
}
