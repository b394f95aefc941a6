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

package run

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xelalexv/oqtacard/pkg/card"
)

//
func TestParseSize(t *testing.T) {

	for _, c := range []struct {
		in   string
		want int64
		fail bool
	}{
		{in: "128K", want: 128 * 1024},
		{in: "8m", want: 8 * 1024 * 1024},
		{in: "8MB", want: 8 * 1024 * 1024},
		{in: "1G", want: 1024 * 1024 * 1024},
		{in: "131072", want: 131072},
		{in: " 16M ", want: 16 * 1024 * 1024},
		{in: "", fail: true},
		{in: "M", fail: true},
		{in: "-1K", fail: true},
		{in: "twelve", fail: true},
	} {
		got, err := parseSize(c.in)
		if c.fail {
			if err == nil {
				t.Errorf("%q: expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
		} else if got != c.want {
			t.Errorf("%q: want %d, got %d", c.in, c.want, got)
		}
	}
}

//
type testRunner struct {
	Runner
	Item    string
	Count   int
	Force   bool
	Backoff time.Duration
}

//
func newTestRunner() *testRunner {
	r := &testRunner{}
	r.Runner = *NewRunner("test", "", "", "", "", func() error { return nil })
	r.AddBaseSettings()
	r.AddSetting(&r.Item, "item", "i", "", nil, "", true)
	r.AddSetting(&r.Count, "count", "n", "", 3, "", false)
	r.AddSetting(&r.Force, "force", "f", "", false, "", false)
	r.AddSetting(&r.Backoff, "backoff", "", "", 2*time.Second, "", false)
	return r
}

//
func TestSettingsRequired(t *testing.T) {
	r := newTestRunner()
	if err := r.ParseSettings(); err == nil {
		t.Fatal("missing required setting not detected")
	}
}

//
func TestSettingsFlags(t *testing.T) {

	r := newTestRunner()
	if err := r.Flags().Parse([]string{
		"-i", "ram-mirror", "--force", "--log_level", "warn"}); err != nil {
		t.Fatal(err)
	}
	if err := r.ParseSettings(); err != nil {
		t.Fatal(err)
	}

	if r.Item != "ram-mirror" {
		t.Errorf("wrong item: %s", r.Item)
	}
	if !r.Force {
		t.Error("force not set")
	}
	if r.Count != 3 || r.Backoff != 2*time.Second {
		t.Errorf("wrong defaults: %d, %v", r.Count, r.Backoff)
	}
	if r.LogLevel != "warn" {
		t.Errorf("wrong log level: %s", r.LogLevel)
	}
	if r.Address != "localhost:8888" {
		t.Errorf("wrong address: %s", r.Address)
	}
}

//
func TestSettingsEnv(t *testing.T) {

	t.Setenv("OQTACARD_ITEM", "gameid-cards")
	t.Setenv("OQTACARD_COUNT", "7")
	t.Setenv("LOG_LEVEL", "error")

	r := newTestRunner()
	if err := r.ParseSettings(); err != nil {
		t.Fatal(err)
	}

	if r.Item != "gameid-cards" || r.Count != 7 {
		t.Errorf("env not applied: %s, %d", r.Item, r.Count)
	}
	if r.LogLevel != "error" {
		t.Errorf("wrong log level: %s", r.LogLevel)
	}
	if err := r.Persist(map[string]interface{}{"count": 8}); err != nil {
		t.Errorf("persist without config file: %v", err)
	}
}

//
func TestAPICall(t *testing.T) {

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path == "/status" {
				w.Write([]byte("serving card 1/1"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("daemon not running\n"))
		}))
	defer srv.Close()

	r := newTestRunner()
	r.Address = strings.TrimPrefix(srv.URL, "http://")

	resp, err := r.apiCall("GET", "/status", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp)
	resp.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "serving card 1/1" {
		t.Errorf("wrong reply: %s", body)
	}

	_, err = r.apiCall("PUT", "/card?card=2", false, nil)
	if err == nil || !strings.Contains(err.Error(), "daemon not running") {
		t.Errorf("wrong error: %v", err)
	}
}

//
func TestFormatCard(t *testing.T) {

	dir := t.TempDir()

	p := filepath.Join(dir, "Card1-1.mcd")
	if err := FormatCard(p, card.PS1, card.PS1.DefaultSize()); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(b)) != card.PS1.DefaultSize() || string(b[:2]) != "MC" {
		t.Errorf("unexpected card image, size %d, header % x", len(b), b[:2])
	}

	img, err := readImage(p, "")
	if err != nil {
		t.Fatal(err)
	}
	if img.Kind != card.PS1 || len(img.Data) != len(b) {
		t.Errorf("image read back as %s with %d bytes", img.Kind, len(img.Data))
	}

	p = filepath.Join(dir, "odd.mcd")
	if err := FormatCard(p, card.PS1, 100000); err == nil {
		t.Error("invalid size accepted")
	}
	if _, err := os.Stat(p); err == nil {
		t.Error("file created for invalid size")
	}
}
