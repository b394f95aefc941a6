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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestScriptTransport(t *testing.T) {

	ctx := context.Background()
	tr := NewScriptTransport([]byte{0x01, 0x02, 0x03}, []byte{0x04})

	var hooked []int
	tr.OnPacket(func(pkt int) { hooked = append(hooked, pkt) })

	if b, err := Exchange(ctx, tr, 0x10); err != nil || b != 0x01 {
		t.Fatalf("first exchange: %02x, %v", b, err)
	}
	// nothing sent for the second exchange
	if b, err := tr.Receive(ctx); err != nil || b != 0x02 {
		t.Fatalf("second exchange: %02x, %v", b, err)
	}
	tr.Prime(0x77)
	if b, err := Exchange(ctx, tr, 0x30); err != nil || b != 0x03 {
		t.Fatalf("third exchange: %02x, %v", b, err)
	}
	if _, err := tr.Receive(ctx); !errors.Is(err, ErrReset) {
		t.Fatalf("expected reset, got %v", err)
	}

	tr.Send(0x55) // primed byte takes precedence
	if b, err := tr.Receive(ctx); err != nil || b != 0x04 {
		t.Fatalf("second packet: %02x, %v", b, err)
	}
	if _, err := tr.Receive(ctx); !errors.Is(err, ErrReset) {
		t.Fatalf("expected reset, got %v", err)
	}
	if _, err := tr.Receive(ctx); !errors.Is(err, ErrExit) {
		t.Fatalf("expected exit, got %v", err)
	}

	if r := tr.Response(0); !bytes.Equal(r, []byte{0x10, 0xff, 0x30}) {
		t.Fatalf("responses packet 0: % x", r)
	}
	if r := tr.Response(1); !bytes.Equal(r, []byte{0x77}) {
		t.Fatalf("responses packet 1: % x", r)
	}
	if tr.Response(2) != nil {
		t.Fatal("response for packet beyond script")
	}
	if len(hooked) != 2 || hooked[0] != 0 || hooked[1] != 1 {
		t.Fatalf("hook calls: %v", hooked)
	}
	if d := tr.Dump(); !strings.Contains(d, "packet 1") {
		t.Fatalf("dump: %s", d)
	}
}

func TestScriptTransportCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := NewScriptTransport([]byte{0x01})
	if _, err := tr.Receive(ctx); !errors.Is(err, ErrExit) {
		t.Fatalf("expected exit, got %v", err)
	}
}

func TestSkip(t *testing.T) {

	ctx := context.Background()
	tr := NewScriptTransport([]byte{1, 2, 3, 4}, []byte{5})

	if _, err := tr.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	if err := Skip(ctx, tr); err != nil {
		t.Fatalf("skip within packet: %v", err)
	}
	if b, err := tr.Receive(ctx); err != nil || b != 5 {
		t.Fatalf("after skip: %02x, %v", b, err)
	}
	if err := Skip(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if err := Skip(ctx, tr); !errors.Is(err, ErrExit) {
		t.Fatalf("skip at end: %v", err)
	}
}

func TestControl(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{ErrReset, true},
		{ErrExit, true},
		{errors.Join(errors.New("read"), ErrReset), true},
		{errors.New("other"), false},
		{nil, false},
	} {
		if got := Control(tc.err); got != tc.want {
			t.Errorf("Control(%v) = %v", tc.err, got)
		}
	}
}

func TestXOR(t *testing.T) {
	if got := XOR(0); got != 0 {
		t.Fatalf("empty = %02x", got)
	}
	if got := XOR(0, 0x01, 0x02, 0x04); got != 0x07 {
		t.Fatalf("got %02x", got)
	}
	if got := XOR(0x81, 0x81); got != 0 {
		t.Fatalf("seed not included: %02x", got)
	}
}

func TestMemSession(t *testing.T) {

	s := NewMemSession(1, 1)

	s.Post(Request{Action: ActionNextChannel})
	s.Post(Request{Action: ActionNextChannel})
	if s.Channel() != 3 {
		t.Fatalf("channel = %d", s.Channel())
	}

	s.Post(Request{Action: ActionSetChannel, Value: MaxChannels + 1})
	if s.Channel() != 3 {
		t.Fatalf("channel beyond range accepted: %d", s.Channel())
	}

	s.Post(Request{Action: ActionNextCard})
	if s.Card() != 2 || s.Channel() != 1 {
		t.Fatalf("card %d channel %d", s.Card(), s.Channel())
	}

	s.Post(Request{Action: ActionPrevCard})
	s.Post(Request{Action: ActionPrevCard})
	if s.Card() != 1 {
		t.Fatalf("card = %d", s.Card())
	}

	s.SetBootCard(true)
	s.Post(Request{Action: ActionUnmountBootCard})
	if s.BootCard() {
		t.Fatal("boot card still mounted")
	}

	s.Post(Request{Action: ActionSetGameID, Text: "SCES-50000"})
	if s.GameID() != "SCES-50000" {
		t.Fatalf("game id = %q", s.GameID())
	}

	if n := len(s.Requests()); n != 8 {
		t.Fatalf("%d requests recorded", n)
	}
	if s.Last().Action != ActionSetGameID {
		t.Fatalf("last = %s", s.Last().Action)
	}
}

func TestStatus(t *testing.T) {
	s := NewMemSession(1, 1)
	if got := Status(s, false); got != StatusReady {
		t.Fatalf("status = %02x", got)
	}
	s.SetBootCard(true)
	if got := Status(s, true); got != StatusReady|StatusBootCard|StatusBusy {
		t.Fatalf("status = %02x", got)
	}
}
