// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package crypto

import (
	"encoding/binary"
	"math/bits"
)

// BlockSize is the keystream granularity of Salsa20. The packet pipeline
// relies on every Crypt call consuming whole blocks, see below.
const BlockSize = 64

const (
	sigma0 = 0x61707865 // "expa"
	sigma1 = 0x3320646e // "nd 3"
	sigma2 = 0x79622d32 // "2-by"
	sigma3 = 0x6b206574 // "te k"
)

// Salsa2012 is the 12-round Salsa20 variant used to armor packets. It is a
// seekable stream cipher with 64-byte block granularity: each call to Crypt
// starts on a block boundary and consumes whole keystream blocks, discarding
// any unused tail of the final block. Both directions of the protocol depend
// on this call-sequence behavior, so short writes must be sliced identically
// by sender and receiver.
//
// golang.org/x/crypto/salsa20 is fixed at 20 rounds; this core is the same
// reference construction with the round count as a parameter. The 20-round
// configuration is checked against x/crypto in the tests.
type Salsa2012 struct {
	key     [8]uint32
	nonce   [2]uint32
	counter uint64
	rounds  int
}

// NewSalsa2012 returns a stream cipher instance keyed with the first 32 bytes
// of key and the given 8-byte nonce, positioned at the start of the stream.
func NewSalsa2012(key []byte, nonce []byte) *Salsa2012 {
	return newSalsa(key, nonce, 12)
}

func newSalsa(key []byte, nonce []byte, rounds int) *Salsa2012 {
	s := &Salsa2012{rounds: rounds}
	for i := 0; i < 8; i++ {
		s.key[i] = binary.LittleEndian.Uint32(key[i*4:])
	}
	s.nonce[0] = binary.LittleEndian.Uint32(nonce[0:])
	s.nonce[1] = binary.LittleEndian.Uint32(nonce[4:])
	return s
}

// Crypt XORs src with the keystream into dst, which may alias src. The call
// consumes ceil(len(src)/64) keystream blocks; a partial final block's unused
// keystream is discarded so that the next call starts block-aligned.
func (s *Salsa2012) Crypt(dst, src []byte) {
	var block [BlockSize]byte
	for len(src) > 0 {
		s.block(&block)
		n := len(src)
		if n > BlockSize {
			n = BlockSize
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ block[i]
		}
		src = src[n:]
		dst = dst[n:]
	}
}

// block writes the keystream block at the current counter and advances it.
func (s *Salsa2012) block(out *[BlockSize]byte) {
	j := [16]uint32{
		sigma0, s.key[0], s.key[1], s.key[2],
		s.key[3], sigma1, s.nonce[0], s.nonce[1],
		uint32(s.counter), uint32(s.counter >> 32), sigma2, s.key[4],
		s.key[5], s.key[6], s.key[7], sigma3,
	}
	s.counter++

	x0, x1, x2, x3 := j[0], j[1], j[2], j[3]
	x4, x5, x6, x7 := j[4], j[5], j[6], j[7]
	x8, x9, x10, x11 := j[8], j[9], j[10], j[11]
	x12, x13, x14, x15 := j[12], j[13], j[14], j[15]

	for i := 0; i < s.rounds; i += 2 {
		u := x0 + x12
		x4 ^= bits.RotateLeft32(u, 7)
		u = x4 + x0
		x8 ^= bits.RotateLeft32(u, 9)
		u = x8 + x4
		x12 ^= bits.RotateLeft32(u, 13)
		u = x12 + x8
		x0 ^= bits.RotateLeft32(u, 18)

		u = x5 + x1
		x9 ^= bits.RotateLeft32(u, 7)
		u = x9 + x5
		x13 ^= bits.RotateLeft32(u, 9)
		u = x13 + x9
		x1 ^= bits.RotateLeft32(u, 13)
		u = x1 + x13
		x5 ^= bits.RotateLeft32(u, 18)

		u = x10 + x6
		x14 ^= bits.RotateLeft32(u, 7)
		u = x14 + x10
		x2 ^= bits.RotateLeft32(u, 9)
		u = x2 + x14
		x6 ^= bits.RotateLeft32(u, 13)
		u = x6 + x2
		x10 ^= bits.RotateLeft32(u, 18)

		u = x15 + x11
		x3 ^= bits.RotateLeft32(u, 7)
		u = x3 + x15
		x7 ^= bits.RotateLeft32(u, 9)
		u = x7 + x3
		x11 ^= bits.RotateLeft32(u, 13)
		u = x11 + x7
		x15 ^= bits.RotateLeft32(u, 18)

		u = x0 + x3
		x1 ^= bits.RotateLeft32(u, 7)
		u = x1 + x0
		x2 ^= bits.RotateLeft32(u, 9)
		u = x2 + x1
		x3 ^= bits.RotateLeft32(u, 13)
		u = x3 + x2
		x0 ^= bits.RotateLeft32(u, 18)

		u = x5 + x4
		x6 ^= bits.RotateLeft32(u, 7)
		u = x6 + x5
		x7 ^= bits.RotateLeft32(u, 9)
		u = x7 + x6
		x4 ^= bits.RotateLeft32(u, 13)
		u = x4 + x7
		x5 ^= bits.RotateLeft32(u, 18)

		u = x10 + x9
		x11 ^= bits.RotateLeft32(u, 7)
		u = x11 + x10
		x8 ^= bits.RotateLeft32(u, 9)
		u = x8 + x11
		x9 ^= bits.RotateLeft32(u, 13)
		u = x9 + x8
		x10 ^= bits.RotateLeft32(u, 18)

		u = x15 + x14
		x12 ^= bits.RotateLeft32(u, 7)
		u = x12 + x15
		x13 ^= bits.RotateLeft32(u, 9)
		u = x13 + x12
		x14 ^= bits.RotateLeft32(u, 13)
		u = x14 + x13
		x15 ^= bits.RotateLeft32(u, 18)
	}

	binary.LittleEndian.PutUint32(out[0:], x0+j[0])
	binary.LittleEndian.PutUint32(out[4:], x1+j[1])
	binary.LittleEndian.PutUint32(out[8:], x2+j[2])
	binary.LittleEndian.PutUint32(out[12:], x3+j[3])
	binary.LittleEndian.PutUint32(out[16:], x4+j[4])
	binary.LittleEndian.PutUint32(out[20:], x5+j[5])
	binary.LittleEndian.PutUint32(out[24:], x6+j[6])
	binary.LittleEndian.PutUint32(out[28:], x7+j[7])
	binary.LittleEndian.PutUint32(out[32:], x8+j[8])
	binary.LittleEndian.PutUint32(out[36:], x9+j[9])
	binary.LittleEndian.PutUint32(out[40:], x10+j[10])
	binary.LittleEndian.PutUint32(out[44:], x11+j[11])
	binary.LittleEndian.PutUint32(out[48:], x12+j[12])
	binary.LittleEndian.PutUint32(out[52:], x13+j[13])
	binary.LittleEndian.PutUint32(out[56:], x14+j[14])
	binary.LittleEndian.PutUint32(out[60:], x15+j[15])
}
