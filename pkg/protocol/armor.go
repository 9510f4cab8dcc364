// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/vlmesh/vlmesh-go/pkg/crypto"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

var packetIDCounter uint64

func init() {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	packetIDCounter = binary.BigEndian.Uint64(seed[:])
}

// NewPacketID returns the next outbound packet ID. IDs are unique per process
// lifetime and start at a random offset; they double as stream cipher nonces
// so reuse under the same session key must be avoided.
func NewPacketID() uint64 {
	return atomic.AddUint64(&packetIDCounter, 1)
}

// SalsaDeriveKey derives the per-packet cipher key from a 48-byte session key
// and the packet: the key is XORed with the first 18 header bytes (packet ID
// and both addresses), the flags byte with the hop count masked off, and the
// packet's total length. Hops mutate in flight, everything else is bound into
// the key so a tampered header fails authentication.
func SalsaDeriveKey(sessionKey []byte, hdr Header, packetSize int) (out [identity.SecretLength]byte) {
	copy(out[:], sessionKey)
	for i := 0; i < 18; i++ {
		out[i] ^= hdr[i]
	}
	out[18] ^= hdr[headerFlags] &^ flagsHopsMask
	out[19] ^= byte(packetSize)
	out[20] ^= byte(packetSize >> 8)
	return
}

// PacketKeys prepares the packet's stream cipher and one-time MAC key. The
// returned cipher is positioned after the MAC key block, exactly where the
// encrypted section's keystream begins.
func PacketKeys(sessionKey []byte, hdr Header, packetSize int) (*crypto.Salsa2012, [crypto.Poly1305KeySize]byte) {
	perPacketKey := SalsaDeriveKey(sessionKey, hdr, packetSize)
	s20 := crypto.NewSalsa2012(perPacketKey[:32], hdr.PacketIDBytes())

	var macKey [crypto.Poly1305KeySize]byte
	s20.Crypt(macKey[:], macKey[:])
	return s20, macKey
}

// Armor authenticates and, depending on the suite, encrypts an assembled
// outbound packet in place. pkt holds the complete packet of the given size;
// the MAC field and the cipher suite bits are overwritten.
func Armor(pkt []byte, packetSize int, sessionKey []byte, suite byte) error {
	if packetSize < MinPacketLength || packetSize > MaxPacketLength {
		return fmt.Errorf("protocol: cannot armor %d byte packet", packetSize)
	}

	hdr := Header(pkt)
	hdr.SetCipher(suite)

	s20, macKey := PacketKeys(sessionKey, hdr, packetSize)

	switch suite {
	case CipherPoly1305None:
		// MAC only, payload stays in the clear.

	case CipherPoly1305Salsa2012:
		s20.Crypt(pkt[EncryptedSectionStart:packetSize], pkt[EncryptedSectionStart:packetSize])

	default:
		return fmt.Errorf("protocol: cannot armor with cipher suite %d", suite)
	}

	tag := crypto.Poly1305Tag(pkt[EncryptedSectionStart:packetSize], macKey[:])
	copy(hdr.MAC(), tag[:8])
	return nil
}
