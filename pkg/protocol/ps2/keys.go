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

package ps2

import (
	"encoding/hex"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Variant is the kind of card that is emulated, which determines the key
// used for authentication.
type Variant int

const (
	Retail Variant = iota
	Prototype
	Developer
	Arcade
)

var variantNames = []string{"retail", "prototype", "developer", "arcade"}

//
func (v Variant) String() string {
	if v >= 0 && int(v) < len(variantNames) {
		return variantNames[v]
	}
	return "unknown"
}

//
func ParseVariant(s string) (Variant, error) {
	for ix, n := range variantNames {
		if strings.EqualFold(s, n) {
			return Variant(ix), nil
		}
	}
	return Retail, fmt.Errorf("unknown card variant: %s", s)
}

// KeySize is the size of an authentication key, two DES keys.
const KeySize = 16

// Keys holds the authentication key of each variant.
type Keys [4][KeySize]byte

/*
	DefaultKeys returns placeholder keys. They let the authentication exchange
	run, but a console will only accept the card with the proper keys loaded
	from a keys file.
*/
func DefaultKeys() Keys {
	var k Keys
	for v := range k {
		for ix := range k[v] {
			k[v][ix] = byte(0x10*(v+1) + ix)
		}
	}
	return k
}

/*
	LoadKeys reads keys from a YAML, JSON, or TOML file, with one hex encoded
	key per variant:

		retail: 00112233445566778899aabbccddeeff
		prototype: ...

	Variants missing from the file keep their placeholder keys.
*/
func LoadKeys(path string) (Keys, error) {

	keys := DefaultKeys()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return keys, fmt.Errorf("cannot read keys file: %v", err)
	}

	for ix, name := range variantNames {
		s := v.GetString(name)
		if s == "" {
			continue
		}
		b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return keys, fmt.Errorf("invalid %s key: %v", name, err)
		}
		if len(b) != KeySize {
			return keys, fmt.Errorf("invalid %s key: want %d bytes, got %d",
				name, KeySize, len(b))
		}
		copy(keys[ix][:], b)
		log.WithField("variant", name).Debug("loaded authentication key")
	}

	return keys, nil
}
