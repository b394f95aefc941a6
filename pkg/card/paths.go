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
	"fmt"
	"path"
	"strings"
)

// CardsRoot is the folder on the SD card holding all card images.
const CardsRoot = "Cards"

// MaxChannels is the number of channels each card has.
const MaxChannels = 8

const bootFolder = "BOOT"
const bootName = "BootCard"

// Mode is how the mounted card was selected.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBoot
	ModeGameID
	ModeNamed
)

var modeNames = []string{"normal", "boot", "game id", "named"}

//
func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// Target identifies a card image to mount.
type Target struct {
	Mode    Mode
	Card    int
	Channel int
	// Folder is the game id or folder name for ModeGameID and ModeNamed.
	Folder string
}

//
func (t Target) String() string {
	switch t.Mode {
	case ModeBoot:
		return fmt.Sprintf("boot card, channel %d", t.Channel)
	case ModeGameID, ModeNamed:
		return fmt.Sprintf("%s %s, channel %d", t.Mode, t.Folder, t.Channel)
	}
	return fmt.Sprintf("card %d, channel %d", t.Card, t.Channel)
}

// Valid checks card number, channel, and folder of t.
func (t Target) Valid() error {
	if t.Channel < 1 || t.Channel > MaxChannels {
		return fmt.Errorf("invalid channel: %d", t.Channel)
	}
	switch t.Mode {
	case ModeNormal:
		if t.Card < 0 {
			return fmt.Errorf("invalid card number: %d", t.Card)
		}
	case ModeGameID, ModeNamed:
		if SanitizeFolder(t.Folder) == "" {
			return fmt.Errorf("invalid card folder: '%s'", t.Folder)
		}
	}
	return nil
}

/*
	Path returns the image path for t:

		Cards/PS2/Card<N>/Card<N>-<ch>.mc2
		Cards/PS2/BOOT/BootCard-<ch>.mc2
		Cards/PS2/<folder>/<folder>-<ch>.mc2

	and likewise below Cards/PS1 with .mcd for legacy cards.
*/
func Path(k Kind, t Target) string {

	var folder, name string

	switch t.Mode {
	case ModeBoot:
		folder, name = bootFolder, bootName
	case ModeGameID, ModeNamed:
		folder = SanitizeFolder(t.Folder)
		name = folder
	default:
		folder = fmt.Sprintf("Card%d", t.Card)
		name = folder
	}

	return path.Join(CardsRoot, k.Dir(), folder,
		fmt.Sprintf("%s-%d%s", name, t.Channel, k.Ext()))
}

// LegacyBootPath is the boot card image used by older setups, without
// channels.
func LegacyBootPath(k Kind) string {
	return path.Join(CardsRoot, k.Dir(), bootFolder, bootName+k.Ext())
}

// SanitizeFolder turns a game id or name into a folder name, keeping only
// letters, digits, and a few separators.
func SanitizeFolder(s string) string {
	var sb strings.Builder
	for _, c := range strings.TrimSpace(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			sb.WriteRune(c)
		case c == '-' || c == '_' || c == '.' || c == ' ':
			sb.WriteRune(c)
		default:
			sb.WriteRune('_')
		}
	}
	ret := strings.Trim(sb.String(), ". ")
	if len(ret) > 64 {
		ret = ret[:64]
	}
	return ret
}
