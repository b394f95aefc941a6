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

package card

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xelalexv/oqtacard/pkg/cache"
	"github.com/xelalexv/oqtacard/pkg/dirty"
	"github.com/xelalexv/oqtacard/pkg/fileop"
	"github.com/xelalexv/oqtacard/pkg/protocol"
	"github.com/xelalexv/oqtacard/pkg/storage"
)

func TestPaths(t *testing.T) {

	tests := map[string]struct {
		kind Kind
		t    Target
		want string
	}{
		"normal": {PS2, Target{Card: 3, Channel: 2},
			"Cards/PS2/Card3/Card3-2.mc2"},
		"legacy": {PS1, Target{Card: 12, Channel: 8},
			"Cards/PS1/Card12/Card12-8.mcd"},
		"boot": {PS2, Target{Mode: ModeBoot, Channel: 1},
			"Cards/PS2/BOOT/BootCard-1.mc2"},
		"game id": {PS2, Target{Mode: ModeGameID, Folder: "SLUS-20002",
			Channel: 1}, "Cards/PS2/SLUS-20002/SLUS-20002-1.mc2"},
		"named": {PS1, Target{Mode: ModeNamed, Folder: "My/Card*",
			Channel: 4}, "Cards/PS1/My_Card_/My_Card_-4.mcd"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Path(tc.kind, tc.t); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}

	if got := LegacyBootPath(PS1); got != "Cards/PS1/BOOT/BootCard.mcd" {
		t.Fatalf("legacy boot path: %s", got)
	}
}

func TestTargetValid(t *testing.T) {
	for _, tc := range []struct {
		t  Target
		ok bool
	}{
		{Target{Card: 1, Channel: 1}, true},
		{Target{Card: 1, Channel: 0}, false},
		{Target{Card: 1, Channel: MaxChannels + 1}, false},
		{Target{Mode: ModeGameID, Channel: 1, Folder: " "}, false},
		{Target{Mode: ModeBoot, Channel: 2}, true},
	} {
		if err := tc.t.Valid(); (err == nil) != tc.ok {
			t.Errorf("%v: got %v", tc.t, err)
		}
	}
}

func TestValidSize(t *testing.T) {
	if err := PS1.ValidSize(128 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := PS1.ValidSize(256 * 1024); !errors.Is(err, ErrCardSize) {
		t.Fatalf("got %v, want %v", err, ErrCardSize)
	}
	for _, s := range []int64{1, 8, 64} {
		if err := PS2.ValidSize(s * mega); err != nil {
			t.Fatalf("%dMB: %v", s, err)
		}
	}
	for _, s := range []int64{0, 3 * mega, 128 * mega, 8*mega + 512} {
		if err := PS2.ValidSize(s); !errors.Is(err, ErrCardSize) {
			t.Fatalf("size %d: got %v", s, err)
		}
	}
}

func TestSuperblock8MB(t *testing.T) {

	sb, err := NewSuperblock(8 * mega)
	if err != nil {
		t.Fatal(err)
	}

	for name, c := range map[string]struct{ got, want uint32 }{
		"clusters per card": {sb.ClustersPerCard, 8192},
		"alloc offset":      {sb.AllocOffset, 41},
		"alloc end":         {sb.AllocEnd, 8135},
		"backup block 1":    {sb.BackupBlock1, 1023},
		"backup block 2":    {sb.BackupBlock2, 1022},
		"first IFC":         {sb.IFCList[0], 8},
		"second IFC":        {sb.IFCList[1], 0},
		"root cluster":      {sb.RootDirCluster, 0},
		"bad blocks":        {sb.BadBlockList[0], 0xffffffff},
	} {
		if c.got != c.want {
			t.Errorf("%s: got %d, want %d", name, c.got, c.want)
		}
	}

	if sb.FATClusters() != 32 {
		t.Errorf("FAT clusters: got %d, want 32", sb.FATClusters())
	}

	b := sb.Encode()
	if string(b[:28]) != "Sony PS2 Memory Card Format " {
		t.Fatalf("magic: %q", b[:28])
	}
	if string(b[0x1c:0x23]) != "1.2.0.0" {
		t.Fatalf("version: %q", b[0x1c:0x23])
	}
	if got := binary.LittleEndian.Uint16(b[0x28:]); got != 512 {
		t.Fatalf("page size: %d", got)
	}
	if b[0x150] != 2 || b[0x151] != 0x52 {
		t.Fatalf("type/flags: %02x %02x", b[0x150], b[0x151])
	}
}

func TestFormatPS2(t *testing.T) {

	p := filepath.Join(t.TempDir(), "card.mc2")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := Format(f, PS2, mega); err != nil {
		t.Fatal(err)
	}

	fi, _ := f.Stat()
	if fi.Size() != mega {
		t.Fatalf("image size %d", fi.Size())
	}

	sb, err := ReadSuperblock(f)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := NewSuperblock(mega)
	if *sb != *want {
		t.Fatalf("superblock read back differs: %+v", sb)
	}

	le := binary.LittleEndian
	buf := make([]byte, ClusterSize)

	// indirect FAT points to the first FAT cluster
	f.ReadAt(buf, int64(sb.IFCList[0])*ClusterSize)
	if got := le.Uint32(buf); got != sb.IFCList[0]+1 {
		t.Fatalf("IFC entry 0: %d", got)
	}

	// root directory is allocated, the next cluster free
	f.ReadAt(buf, int64(sb.IFCList[0]+1)*ClusterSize)
	if got := le.Uint32(buf[0:]); got != fatChainEnd {
		t.Fatalf("FAT entry 0: %08x", got)
	}
	if got := le.Uint32(buf[4:]); got != fatFree {
		t.Fatalf("FAT entry 1: %08x", got)
	}

	f.ReadAt(buf, int64(sb.AllocOffset)*ClusterSize)
	if got := le.Uint16(buf); got != dirModeRoot {
		t.Fatalf("root mode %04x", got)
	}
	if string(buf[0x40:0x41]) != "." || string(buf[dirEntrySize+0x40:dirEntrySize+0x42]) != ".." {
		t.Fatal("root directory entries missing")
	}
}

func TestFormatPS1(t *testing.T) {

	p := filepath.Join(t.TempDir(), "card.mcd")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := Format(f, PS1, ps1CardSize); err != nil {
		t.Fatal(err)
	}

	img, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(img) != ps1CardSize {
		t.Fatalf("size %d", len(img))
	}

	if string(img[:2]) != "MC" || img[127] != 'M'^'C' {
		t.Fatalf("header frame % x", img[:4])
	}

	dir := img[frameSize : 2*frameSize]
	if dir[0] != dirStateFree || dir[127] != dirStateFree {
		t.Fatalf("directory frame % x ... %02x", dir[:4], dir[127])
	}

	broken := img[16*frameSize : 17*frameSize]
	if binary.LittleEndian.Uint32(broken) != 0xffffffff || broken[127] != 0 {
		t.Fatalf("broken sector frame % x ... %02x", broken[:4], broken[127])
	}

	test := img[writeTestFrame*frameSize : (writeTestFrame+1)*frameSize]
	if string(test[:2]) != "MC" {
		t.Fatal("write test frame missing")
	}
}

type fixture struct {
	drv     *storage.DirDriver
	root    string
	manager *Manager
	cache   *cache.Cache
	changes []Target
}

func newFixture(t *testing.T, cfg Config) *fixture {

	root := t.TempDir()
	drv, err := storage.NewDirDriver(root)
	if err != nil {
		t.Fatal(err)
	}

	ram := storage.NewRAM(256 * 1024)
	c := cache.New(dirty.New(2*mega/cfg.Kind.PageSize()), ram)

	f := &fixture{drv: drv, root: root, cache: c}
	cfg.OnChange = func(t Target) { f.changes = append(f.changes, t) }
	f.manager = NewManager(drv, c, fileop.New(drv), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e := <-c.Requests():
				c.Service(e)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.Cleanup(func() {
		f.manager.Stop(context.Background())
		cancel()
		<-done
		ram.Close()
	})
	return f
}

func (f *fixture) exists(p string) bool {
	_, err := os.Stat(filepath.Join(f.root, filepath.FromSlash(p)))
	return err == nil
}

func TestManagerCreatesCard(t *testing.T) {

	f := newFixture(t, Config{Kind: PS2, NewCardSize: mega})
	ctx := context.Background()

	if err := f.manager.Start(ctx, Target{Card: 2, Channel: 1}); err != nil {
		t.Fatal(err)
	}

	if !f.exists("Cards/PS2/Card2/Card2-1.mc2") {
		t.Fatal("card image not created")
	}
	if !f.cache.Mounted() || f.cache.Sectors() != mega/512 {
		t.Fatalf("mounted %v, sectors %d", f.cache.Mounted(), f.cache.Sectors())
	}

	info := f.manager.Info()
	if info.Card != 2 || info.Channel != 1 || !info.Mounted || info.Size != mega {
		t.Fatalf("info: %+v", info)
	}
	if len(f.changes) != 1 {
		t.Fatalf("%d change notifications", len(f.changes))
	}

	// superblock is served through the cache
	buf := make([]byte, 512)
	if err := f.cache.ReadSector(0, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf[:8]) != "Sony PS2" {
		t.Fatalf("sector 0: %q", buf[:8])
	}
}

func TestManagerRAMMode(t *testing.T) {

	f := newFixture(t, Config{Kind: PS1, PreferRAM: true})
	if err := f.manager.Start(context.Background(),
		Target{Card: 1, Channel: 1}); err != nil {
		t.Fatal(err)
	}
	if f.cache.Mode() != cache.ModeRAM {
		t.Fatalf("mode %s", f.cache.Mode())
	}

	f2 := newFixture(t, Config{Kind: PS2, PreferRAM: true, NewCardSize: mega})
	if err := f2.manager.Start(context.Background(),
		Target{Card: 1, Channel: 1}); err != nil {
		t.Fatal(err)
	}
	if f2.cache.Mode() != cache.ModeSD {
		t.Fatalf("card larger than RAM mounted in mode %s", f2.cache.Mode())
	}
}

func TestManagerSwitchRequests(t *testing.T) {

	f := newFixture(t, Config{Kind: PS1})
	ctx := context.Background()
	m := f.manager

	if err := m.Start(ctx, Target{Card: 1, Channel: 1}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		r             protocol.Request
		card, channel int
	}{
		{protocol.Request{Action: protocol.ActionNextChannel}, 1, 2},
		{protocol.Request{Action: protocol.ActionSetChannel, Value: 8}, 1, 8},
		{protocol.Request{Action: protocol.ActionNextChannel}, 1, 8},
		{protocol.Request{Action: protocol.ActionNextCard}, 2, 1},
		{protocol.Request{Action: protocol.ActionPrevCard}, 1, 1},
		{protocol.Request{Action: protocol.ActionPrevCard}, 1, 1},
		{protocol.Request{Action: protocol.ActionSetCard, Value: 5}, 5, 1},
		{protocol.Request{Action: protocol.ActionPrevChannel}, 5, 1},
	}

	for ix, s := range steps {
		m.Post(s.r)
		if !m.Switching() && changesCard(s.r.Action) {
			t.Fatalf("step %d: not switching after post", ix)
		}
		r := <-m.Requests()
		if err := m.Handle(ctx, r); err != nil {
			t.Fatalf("step %d: %v", ix, err)
		}
		if m.Switching() {
			t.Fatalf("step %d: still switching", ix)
		}
		if m.Card() != s.card || m.Channel() != s.channel {
			t.Fatalf("step %d: card %d channel %d, want %d %d", ix,
				m.Card(), m.Channel(), s.card, s.channel)
		}
	}

	for _, p := range []string{"Cards/PS1/Card1/Card1-2.mcd",
		"Cards/PS1/Card1/Card1-8.mcd", "Cards/PS1/Card5/Card5-1.mcd"} {
		if !f.exists(p) {
			t.Errorf("%s not created", p)
		}
	}

	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Folder != "Card1" || len(list[0].Channels) != 3 {
		t.Fatalf("listing: %+v", list)
	}
}

func TestBootCardFallback(t *testing.T) {

	f := newFixture(t, Config{Kind: PS1, BootCard: true})

	legacy := LegacyBootPath(PS1)
	if err := f.drv.Mkdir(filepath.Dir(legacy)); err != nil {
		t.Fatal(err)
	}
	img, err := f.drv.Open(legacy, os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}
	if err := Format(img, PS1, ps1CardSize); err != nil {
		t.Fatal(err)
	}
	img.Close()

	ctx := context.Background()
	if err := f.manager.Start(ctx, Target{Card: 3, Channel: 1}); err != nil {
		t.Fatal(err)
	}

	if f.exists("Cards/PS1/BOOT/BootCard-1.mcd") {
		t.Fatal("channel boot card created despite legacy boot card")
	}
	info := f.manager.Info()
	if info.Path != legacy || !f.manager.BootCard() {
		t.Fatalf("info: %+v", info)
	}

	// leaving the boot card returns to the configured card
	f.manager.Post(protocol.Request{Action: protocol.ActionUnmountBootCard})
	if err := f.manager.Handle(ctx, <-f.manager.Requests()); err != nil {
		t.Fatal(err)
	}
	if f.manager.BootCard() || f.manager.Card() != 3 {
		t.Fatalf("info after unmount: %+v", f.manager.Info())
	}
}

func TestGameIDCards(t *testing.T) {

	f := newFixture(t, Config{Kind: PS2, GameIDCards: true,
		NewCardSize: mega})
	ctx := context.Background()
	if err := f.manager.Start(ctx, Target{Card: 1, Channel: 1}); err != nil {
		t.Fatal(err)
	}

	f.manager.Post(protocol.Request{Action: protocol.ActionSetGameID,
		Text: "SLUS-20002"})
	if err := f.manager.Handle(ctx, <-f.manager.Requests()); err != nil {
		t.Fatal(err)
	}

	info := f.manager.Info()
	if info.Mode != ModeGameID.String() || info.GameID != "SLUS-20002" {
		t.Fatalf("info: %+v", info)
	}
	if !f.exists("Cards/PS2/SLUS-20002/SLUS-20002-1.mc2") {
		t.Fatal("game card not created")
	}
}

func TestCardSizeRejected(t *testing.T) {

	f := newFixture(t, Config{Kind: PS1})

	p := Path(PS1, Target{Card: 1, Channel: 1})
	if err := f.drv.Mkdir(filepath.Dir(p)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.root, p), make([]byte, 1000),
		0644); err != nil {
		t.Fatal(err)
	}

	err := f.manager.Start(context.Background(), Target{Card: 1, Channel: 1})
	if !errors.Is(err, ErrCardSize) {
		t.Fatalf("got %v, want %v", err, ErrCardSize)
	}
	if f.cache.Mounted() || f.manager.Switching() {
		t.Fatal("card mounted or left switching")
	}
}

func TestRequestQueueOverflow(t *testing.T) {

	f := newFixture(t, Config{Kind: PS1})
	for ix := 0; ix < requestQueueSize; ix++ {
		f.manager.Post(protocol.Request{Action: protocol.ActionAuthenticated})
	}
	f.manager.Post(protocol.Request{Action: protocol.ActionNextCard})

	if f.manager.Switching() {
		t.Fatal("dropped switch request left manager switching")
	}

	deadline := time.After(time.Second)
	for ix := 0; ix < requestQueueSize; ix++ {
		select {
		case r := <-f.manager.Requests():
			if r.Action != protocol.ActionAuthenticated {
				t.Fatalf("unexpected request %s", r.Action)
			}
		case <-deadline:
			t.Fatal("requests missing")
		}
	}
}

func TestManagerReplace(t *testing.T) {

	f := newFixture(t, Config{Kind: PS1})
	ctx := context.Background()

	if err := f.manager.Replace(ctx, make([]byte, ps1CardSize)); err == nil {
		t.Fatal("replaced without mounted card")
	}

	if err := f.manager.Start(ctx, Target{Card: 1, Channel: 3}); err != nil {
		t.Fatal(err)
	}

	if err := f.manager.Replace(ctx, make([]byte, 1000)); err == nil {
		t.Fatal("accepted image of wrong size")
	}

	data := make([]byte, ps1CardSize)
	for ix := range data {
		data[ix] = byte(ix / 128)
	}
	if err := f.manager.Replace(ctx, data); err != nil {
		t.Fatal(err)
	}

	info := f.manager.Info()
	if !info.Mounted || info.Channel != 3 {
		t.Fatalf("card not mounted again: %+v", info)
	}

	buf := make([]byte, 128)
	if err := f.cache.ReadSector(5, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 5 || buf[127] != 5 {
		t.Errorf("got sector content %02x, want 05", buf[0])
	}

	b, err := os.ReadFile(filepath.Join(f.root, "Cards/PS1/Card1/Card1-3.mcd"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ps1CardSize || b[128*7] != 7 {
		t.Error("image file not replaced")
	}
}
