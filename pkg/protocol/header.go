// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"encoding/binary"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

// Header is a view over the common packet header:
//
//	offset 0   packet ID, 8 bytes
//	offset 8   destination address, 5 bytes
//	offset 13  source address, 5 bytes
//	offset 18  flags: bits 0-2 hops, bits 3-5 cipher suite, 0x40 fragmented
//	offset 19  MAC or trusted path ID, 8 bytes
//	offset 27  verb: low 5 bits verb, 0x80 compressed
//
// The view does no bounds checking beyond what slicing provides; callers
// validate lengths before constructing one.
type Header []byte

// PacketID returns the packet's 64-bit ID.
func (h Header) PacketID() uint64 {
	return binary.BigEndian.Uint64(h[headerPacketID:])
}

// SetPacketID stamps the packet ID field.
func (h Header) SetPacketID(id uint64) {
	binary.BigEndian.PutUint64(h[headerPacketID:], id)
}

// PacketIDBytes returns the raw eight ID bytes, used verbatim as the stream
// cipher nonce.
func (h Header) PacketIDBytes() []byte {
	return h[headerPacketID : headerPacketID+8]
}

// Destination returns the destination address.
func (h Header) Destination() identity.Address {
	return identity.NewAddress(h[headerDestination:])
}

// SetDestination stamps the destination address.
func (h Header) SetDestination(a identity.Address) {
	a.CopyTo(h[headerDestination:])
}

// Source returns the source address.
func (h Header) Source() identity.Address {
	return identity.NewAddress(h[headerSource:])
}

// SetSource stamps the source address.
func (h Header) SetSource(a identity.Address) {
	a.CopyTo(h[headerSource:])
}

// Flags returns the raw flags byte.
func (h Header) Flags() byte {
	return h[headerFlags]
}

// SetFlags overwrites the flags byte.
func (h Header) SetFlags(f byte) {
	h[headerFlags] = f
}

// Hops returns the hop count from the flags byte.
func (h Header) Hops() byte {
	return h[headerFlags] & flagsHopsMask
}

// Cipher returns the cipher suite from the flags byte.
func (h Header) Cipher() byte {
	return (h[headerFlags] >> flagsCipherShift) & flagsCipherMask
}

// SetCipher stamps the cipher suite bits, leaving hops and the fragmented
// flag untouched.
func (h Header) SetCipher(c byte) {
	h[headerFlags] = (h[headerFlags] &^ (flagsCipherMask << flagsCipherShift)) | (c << flagsCipherShift)
}

// Fragmented reports whether this head packet announces fragments.
func (h Header) Fragmented() bool {
	return h[headerFlags]&FlagFragmented != 0
}

// MAC returns the 8-byte MAC field.
func (h Header) MAC() []byte {
	return h[headerMAC : headerMAC+8]
}

// TrustedPathID reinterprets the MAC field as a big-endian trusted path ID,
// used by the NONE cipher suite.
func (h Header) TrustedPathID() uint64 {
	return binary.BigEndian.Uint64(h[headerMAC:])
}

// RawVerb returns the verb byte including its flag bits.
func (h Header) RawVerb() byte {
	return h[headerVerb]
}

// Verb returns the verb with flag bits masked off.
func (h Header) Verb() Verb {
	return Verb(h[headerVerb] & VerbMask)
}

// SetVerb stamps the verb byte, clearing any flag bits.
func (h Header) SetVerb(v Verb) {
	h[headerVerb] = byte(v)
}

// Compressed reports whether the payload is LZ4 compressed.
func (h Header) Compressed() bool {
	return h[headerVerb]&VerbFlagCompressed != 0
}

// SetCompressed toggles the compression flag.
func (h Header) SetCompressed(c bool) {
	if c {
		h[headerVerb] |= VerbFlagCompressed
	} else {
		h[headerVerb] &^= VerbFlagCompressed
	}
}

// FragmentHeader is a view over a fragment continuation frame:
//
//	offset 0   packet ID of the packet being continued, 8 bytes
//	offset 8   destination address, 5 bytes
//	offset 13  fragment indicator, always 0xff
//	offset 14  counts: low nibble fragment index, high nibble total fragments
//	offset 15  hops
type FragmentHeader []byte

// PacketID returns the continued packet's ID.
func (h FragmentHeader) PacketID() uint64 {
	return binary.BigEndian.Uint64(h[headerPacketID:])
}

// SetPacketID stamps the packet ID field.
func (h FragmentHeader) SetPacketID(id uint64) {
	binary.BigEndian.PutUint64(h[headerPacketID:], id)
}

// Destination returns the destination address.
func (h FragmentHeader) Destination() identity.Address {
	return identity.NewAddress(h[headerDestination:])
}

// SetDestination stamps the destination address.
func (h FragmentHeader) SetDestination(a identity.Address) {
	a.CopyTo(h[headerDestination:])
}

// FragmentNumber returns this fragment's index within the packet.
func (h FragmentHeader) FragmentNumber() int {
	return int(h[fragmentCounts] & 0x0f)
}

// TotalFragments returns the total fragment count announced by this frame.
func (h FragmentHeader) TotalFragments() int {
	return int(h[fragmentCounts] >> 4)
}

// SetCounts stamps the indicator and counts bytes.
func (h FragmentHeader) SetCounts(number, total int) {
	h[FragmentIndicatorIndex] = FragmentIndicator
	h[fragmentCounts] = byte(number&0x0f) | byte(total<<4)
}

// Hops returns the fragment's hop count.
func (h FragmentHeader) Hops() byte {
	return h[fragmentHops] & flagsHopsMask
}

// IsFragment reports whether the datagram in b is a fragment continuation
// frame rather than a head or whole packet.
func IsFragment(b []byte) bool {
	return b[FragmentIndicatorIndex] == FragmentIndicator
}
