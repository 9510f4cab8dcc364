// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package crypto

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/salsa20"
)

func testKeyNonce() ([]byte, []byte) {
	key := make([]byte, 32)
	nonce := make([]byte, 8)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range nonce {
		nonce[i] = byte(0xa0 + i)
	}
	return key, nonce
}

// The 20-round configuration of our core must produce the exact stream of
// golang.org/x/crypto/salsa20. This pins the state layout and round function;
// the 12-round variant only shortens the loop.
func TestSalsaCoreMatchesXCrypto(t *testing.T) {
	key, nonce := testKeyNonce()

	msg := make([]byte, 300)
	for i := range msg {
		msg[i] = byte(i)
	}

	ours := make([]byte, len(msg))
	newSalsa(key, nonce, 20).Crypt(ours, msg)

	theirs := make([]byte, len(msg))
	var k [32]byte
	copy(k[:], key)
	salsa20.XORKeyStream(theirs, msg, nonce, &k)

	if !bytes.Equal(ours, theirs) {
		t.Fatal("20-round keystream disagrees with x/crypto/salsa20")
	}
}

func TestSalsa2012RoundTrip(t *testing.T) {
	key, nonce := testKeyNonce()

	plain := make([]byte, 1000)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	enc := make([]byte, len(plain))
	NewSalsa2012(key, nonce).Crypt(enc, plain)

	if bytes.Equal(enc, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec := make([]byte, len(enc))
	NewSalsa2012(key, nonce).Crypt(dec, enc)

	if !bytes.Equal(dec, plain) {
		t.Fatal("round trip failed")
	}
}

// Crypt consumes whole 64-byte blocks per call. Splitting a message at block
// boundaries must yield the same stream as one call, and a short first call
// must skip the rest of its block.
func TestSalsa2012BlockGranularity(t *testing.T) {
	key, nonce := testKeyNonce()

	msg := make([]byte, 256)
	for i := range msg {
		msg[i] = byte(i ^ 0x5a)
	}

	oneShot := make([]byte, len(msg))
	NewSalsa2012(key, nonce).Crypt(oneShot, msg)

	split := make([]byte, len(msg))
	s := NewSalsa2012(key, nonce)
	s.Crypt(split[:64], msg[:64])
	s.Crypt(split[64:192], msg[64:192])
	s.Crypt(split[192:], msg[192:])

	if !bytes.Equal(oneShot, split) {
		t.Fatal("block-aligned split disagrees with one-shot stream")
	}

	// A 32-byte call burns its whole block: the next call starts at block 1.
	short := NewSalsa2012(key, nonce)
	var macKey [32]byte
	short.Crypt(macKey[:], make([]byte, 32))

	tail := make([]byte, 64)
	short.Crypt(tail, msg[:64])

	fromBlock1 := make([]byte, 128)
	NewSalsa2012(key, nonce).Crypt(fromBlock1, append(make([]byte, 64), msg[:64]...))

	if !bytes.Equal(tail, fromBlock1[64:]) {
		t.Fatal("short call did not advance to the next block boundary")
	}
}

func TestKBKDFHMACSHA384(t *testing.T) {
	key := make([]byte, 48)
	for i := range key {
		key[i] = byte(i)
	}

	a := KBKDFHMACSHA384(key, 'H', 0)
	b := KBKDFHMACSHA384(key, 'H', 0)
	if !bytes.Equal(a[:], b[:]) {
		t.Fatal("KBKDF is not deterministic")
	}

	c := KBKDFHMACSHA384(key, 'H', 1)
	if bytes.Equal(a[:], c[:]) {
		t.Fatal("different iterations produced the same subkey")
	}

	d := KBKDFHMACSHA384(key, 'X', 0)
	if bytes.Equal(a[:], d[:]) {
		t.Fatal("different labels produced the same subkey")
	}
}

func TestPoly1305Incremental(t *testing.T) {
	key := make([]byte, Poly1305KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}

	msg := make([]byte, 500)
	for i := range msg {
		msg[i] = byte(i)
	}

	whole := Poly1305Tag(msg, key)

	p := NewPoly1305(key)
	p.Write(msg[:123])
	p.Write(msg[123:321])
	p.Write(msg[321:])
	split := p.Sum()

	if whole != split {
		t.Fatal("incremental tag disagrees with one-shot tag")
	}
}

func TestSecureEqual(t *testing.T) {
	if !SecureEqual([]byte{1, 2, 3}, []byte{1, 2, 3}) {
		t.Fatal("equal slices not equal")
	}
	if SecureEqual([]byte{1, 2, 3}, []byte{1, 2, 4}) {
		t.Fatal("unequal slices equal")
	}
}
