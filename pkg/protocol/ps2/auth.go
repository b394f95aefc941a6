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
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// AuthState is the state of the authentication exchange.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthWaitingConfirm
)

//
func (s AuthState) String() string {
	if s == AuthWaitingConfirm {
		return "waiting for confirmation"
	}
	return "idle"
}

// authentication sub-commands
const (
	AuthStart      = 0x00
	AuthGetIV      = 0x01
	AuthGetSeed    = 0x02
	AuthGetNonce   = 0x04
	AuthChallenge1 = 0x06
	AuthChallenge2 = 0x07
	AuthChallenge3 = 0x0b
	AuthCompute    = 0x0c
	AuthResponse1  = 0x0f
	AuthResponse2  = 0x11
	AuthResponse3  = 0x13
	AuthConfirm    = 0x14
)

// BlockSize is the size of every value exchanged during authentication.
const BlockSize = 8

type block [BlockSize]byte

/*
	Auth holds the card side of the challenge/response exchange. The card
	hands out an IV, a seed, and a nonce, receives three challenges, and
	answers with three responses computed as a triple DES CBC chain under
	the variant's key:

		r1 = E(iv ^ c1)
		r2 = E(r1 ^ c2 ^ nonce)
		r3 = E(r2 ^ c3 ^ seed)
*/
type Auth struct {
	keys    Keys
	variant Variant
	cipher  cipher.Block
	random  io.Reader
	state   AuthState

	iv, seed, nonce block
	challenge       [3]block
	response        [3]block
	proven          bool
}

// NewAuth creates the authentication state for variant.
func NewAuth(keys Keys, variant Variant) *Auth {
	a := &Auth{keys: keys, random: rand.Reader}
	a.Select(variant)
	return a
}

// SetRandom replaces the source of IV, seed, and nonce.
func (a *Auth) SetRandom(r io.Reader) {
	a.random = r
}

// Select switches to the key of variant.
func (a *Auth) Select(v Variant) error {

	if v < Retail || v > Arcade {
		return fmt.Errorf("invalid card variant %d", v)
	}

	k := a.keys[v]
	var k3 [24]byte
	copy(k3[0:], k[:8])
	copy(k3[8:], k[8:])
	copy(k3[16:], k[:8])

	c, err := des.NewTripleDESCipher(k3[:])
	if err != nil {
		return err
	}

	a.variant = v
	a.cipher = c
	return nil
}

//
func (a *Auth) Variant() Variant {
	return a.variant
}

//
func (a *Auth) State() AuthState {
	return a.state
}

// Proven reports whether the last exchange was confirmed by the host.
func (a *Auth) Proven() bool {
	return a.proven
}

// Start begins a new exchange with fresh IV, seed, and nonce.
func (a *Auth) Start() error {
	a.state = AuthIdle
	a.proven = false
	for _, b := range []*block{&a.iv, &a.seed, &a.nonce} {
		if _, err := io.ReadFull(a.random, b[:]); err != nil {
			return fmt.Errorf("cannot generate authentication values: %v", err)
		}
	}
	return nil
}

// Value returns the block the host fetches with sub-command sub.
func (a *Auth) Value(sub byte) ([]byte, bool) {
	switch sub {
	case AuthGetIV:
		return a.iv[:], true
	case AuthGetSeed:
		return a.seed[:], true
	case AuthGetNonce:
		return a.nonce[:], true
	case AuthResponse1:
		return a.response[0][:], true
	case AuthResponse2:
		return a.response[1][:], true
	case AuthResponse3:
		return a.response[2][:], true
	}
	return nil, false
}

// Challenge stores a challenge the host sent with sub-command sub.
func (a *Auth) Challenge(sub byte, data []byte) bool {
	var ix int
	switch sub {
	case AuthChallenge1:
		ix = 0
	case AuthChallenge2:
		ix = 1
	case AuthChallenge3:
		ix = 2
	default:
		return false
	}
	copy(a.challenge[ix][:], data)
	return true
}

// Compute calculates the three responses.
func (a *Auth) Compute() {

	var in block

	xor(&in, &a.iv, &a.challenge[0])
	a.cipher.Encrypt(a.response[0][:], in[:])

	xor(&in, &a.response[0], &a.challenge[1])
	xor(&in, &in, &a.nonce)
	a.cipher.Encrypt(a.response[1][:], in[:])

	xor(&in, &a.response[1], &a.challenge[2])
	xor(&in, &in, &a.seed)
	a.cipher.Encrypt(a.response[2][:], in[:])
}

// Sent notes that the host fetched a value. After the last response, the
// card waits for the host's confirmation.
func (a *Auth) Sent(sub byte) {
	if sub == AuthResponse3 {
		a.state = AuthWaitingConfirm
		log.Debug("authentication waiting for confirmation")
	}
}

// Confirm finishes the exchange successfully.
func (a *Auth) Confirm() bool {
	if a.state != AuthWaitingConfirm {
		return false
	}
	a.state = AuthIdle
	a.proven = true
	return true
}

// Fail abandons an exchange waiting for confirmation. It reports whether
// there was one.
func (a *Auth) Fail() bool {
	if a.state != AuthWaitingConfirm {
		return false
	}
	a.state = AuthIdle
	a.proven = false
	return true
}

// Reset returns to idle without a verdict.
func (a *Auth) Reset() {
	a.state = AuthIdle
}

//
func xor(dst, a, b *block) {
	for ix := range dst {
		dst[ix] = a[ix] ^ b[ix]
	}
}
