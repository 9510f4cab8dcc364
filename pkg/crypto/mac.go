// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/poly1305"
)

const (
	// Poly1305KeySize is the one-time MAC's key length.
	Poly1305KeySize = 32

	// Poly1305TagSize is the full authenticator length; packet headers carry
	// only its first eight bytes.
	Poly1305TagSize = 16

	// SHA384Size is the digest length of SHA-384 and thus of session keys and
	// HMAC authenticators.
	SHA384Size = 48
)

// Poly1305 is an incremental one-time authenticator over a 32-byte key.
type Poly1305 struct {
	mac *poly1305.MAC
}

// NewPoly1305 creates an authenticator. The key must never be reused across
// messages; packet handling derives a fresh one per packet.
func NewPoly1305(key []byte) *Poly1305 {
	var k [Poly1305KeySize]byte
	copy(k[:], key)
	return &Poly1305{mac: poly1305.New(&k)}
}

// Write absorbs msg. It never fails.
func (p *Poly1305) Write(msg []byte) {
	_, _ = p.mac.Write(msg)
}

// Sum returns the 16-byte authenticator.
func (p *Poly1305) Sum() (tag [Poly1305TagSize]byte) {
	p.mac.Sum(tag[:0])
	return
}

// Poly1305Tag computes the authenticator of msg in one shot.
func Poly1305Tag(msg, key []byte) [Poly1305TagSize]byte {
	p := NewPoly1305(key)
	p.Write(msg)
	return p.Sum()
}

// HMACSHA384 computes the HMAC-SHA-384 of msg under key.
func HMACSHA384(key, msg []byte) (out [SHA384Size]byte) {
	h := hmac.New(sha512.New384, key)
	h.Write(msg)
	h.Sum(out[:0])
	return
}

// KBKDFHMACSHA384 derives a 48-byte subkey from key in SP 800-108 counter
// mode with HMAC-SHA-384 as the PRF. The label names the subkey's purpose and
// iter separates multiple keys under the same label; both sides of the
// protocol must agree on them.
func KBKDFHMACSHA384(key []byte, label byte, iter uint32) (out [SHA384Size]byte) {
	var msg [11]byte
	msg[0] = 0x01
	msg[1] = label
	msg[2] = 0x00
	binary.BigEndian.PutUint32(msg[3:], iter)
	binary.BigEndian.PutUint32(msg[7:], SHA384Size*8)
	return HMACSHA384(key, msg[:])
}

// SecureEqual compares two byte slices in constant time.
func SecureEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
