// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package protocol defines the VL1 wire format: the common packet header, the
// fragment continuation header, verbs, cipher suites, and the pure readers
// and writers over them. Nothing in this package performs I/O; cryptographic
// armoring is limited to what the wire format itself prescribes.
package protocol

const (
	// MinFragmentLength is the smallest datagram that carries protocol state.
	// Anything shorter is a keepalive and is dropped after stamping the path.
	MinFragmentLength = 8

	// MinPacketLength is the size of the common header and thus the smallest
	// valid head or whole packet.
	MinPacketLength = HeaderSize

	// MaxPacketLength bounds a fully assembled packet.
	MaxPacketLength = 16384

	// MaxPacketFragments bounds the number of fragments per packet.
	MaxPacketFragments = 16

	// HeaderSize is the size of the common packet header.
	HeaderSize = 28

	// FragmentHeaderSize is the size of a fragment continuation header.
	FragmentHeaderSize = 16

	// FragmentIndicatorIndex is the byte offset distinguishing fragment
	// continuations from head packets. In a head packet this offset holds the
	// first byte of the source address, which reserved addressing guarantees
	// is never 0xff.
	FragmentIndicatorIndex = 13

	// FragmentIndicator is the sentinel value at FragmentIndicatorIndex.
	FragmentIndicator = 0xff

	// FragmentPayloadStart is the offset of a continuation frame's payload.
	FragmentPayloadStart = 16

	// EncryptedSectionStart is the offset where MAC coverage and, for
	// encrypting suites, the keystream begin: the verb byte onward.
	EncryptedSectionStart = 27

	// PayloadStart is the offset of the verb-specific payload.
	PayloadStart = 28
)

// Header field offsets.
const (
	headerPacketID    = 0  // 8 bytes
	headerDestination = 8  // 5 bytes
	headerSource      = 13 // 5 bytes
	headerFlags       = 18 // 1 byte
	headerMAC         = 19 // 8 bytes
	headerVerb        = 27 // 1 byte

	fragmentCounts = 14 // 1 byte: low nibble index, high nibble total
	fragmentHops   = 15 // 1 byte
)

// Flags byte layout: bits 0-2 hop count, bits 3-5 cipher suite, 0x40 marks a
// fragmented packet head.
const (
	FlagFragmented = 0x40

	flagsHopsMask    = 0x07
	flagsCipherShift = 3
	flagsCipherMask  = 0x07
)

// Verb byte layout: low five bits name the verb, the top bit marks a
// compressed payload.
const (
	VerbMask           = 0x1f
	VerbFlagCompressed = 0x80
)

// Cipher suites.
const (
	// CipherPoly1305None authenticates with Poly1305 but does not encrypt.
	CipherPoly1305None = 0

	// CipherPoly1305Salsa2012 authenticates with Poly1305 and encrypts the
	// packet's encrypted section with Salsa20/12.
	CipherPoly1305Salsa2012 = 1

	// CipherNone carries no cryptography; authenticity derives from an
	// operator-configured trusted path whose ID rides in the MAC field.
	CipherNone = 2

	// CipherAESGCM is reserved for a future AES-GCM based suite.
	CipherAESGCM = 3
)

// Verb is the type code of a packet.
type Verb byte

// VL1 and VL2 transport verbs.
const (
	VerbNop                  Verb = 0x00
	VerbHello                Verb = 0x01
	VerbError                Verb = 0x02
	VerbOK                   Verb = 0x03
	VerbWhois                Verb = 0x04
	VerbRendezvous           Verb = 0x05
	VerbFrame                Verb = 0x06
	VerbExtFrame             Verb = 0x07
	VerbEcho                 Verb = 0x08
	VerbMulticastLike        Verb = 0x09
	VerbNetworkCredentials   Verb = 0x0a
	VerbNetworkConfigRequest Verb = 0x0b
	VerbNetworkConfig        Verb = 0x0c
	VerbMulticastGather      Verb = 0x0d
	VerbMulticastFrameDep    Verb = 0x0e
	VerbPushDirectPaths      Verb = 0x10
	VerbUserMessage          Verb = 0x14
	VerbMulticast            Verb = 0x16
	VerbEncap                Verb = 0x17
)

func (v Verb) String() string {
	switch v {
	case VerbNop:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbError:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWhois:
		return "WHOIS"
	case VerbRendezvous:
		return "RENDEZVOUS"
	case VerbFrame:
		return "FRAME"
	case VerbExtFrame:
		return "EXT_FRAME"
	case VerbEcho:
		return "ECHO"
	case VerbMulticastLike:
		return "MULTICAST_LIKE"
	case VerbNetworkCredentials:
		return "NETWORK_CREDENTIALS"
	case VerbNetworkConfigRequest:
		return "NETWORK_CONFIG_REQUEST"
	case VerbNetworkConfig:
		return "NETWORK_CONFIG"
	case VerbMulticastGather:
		return "MULTICAST_GATHER"
	case VerbMulticastFrameDep:
		return "MULTICAST_FRAME_deprecated"
	case VerbPushDirectPaths:
		return "PUSH_DIRECT_PATHS"
	case VerbUserMessage:
		return "USER_MESSAGE"
	case VerbMulticast:
		return "MULTICAST"
	case VerbEncap:
		return "ENCAP"
	default:
		return "UNKNOWN"
	}
}

// Protocol versions.
const (
	// Version is the protocol version this node speaks.
	Version = 11

	// VersionMin is the oldest protocol version accepted from peers.
	VersionMin = 6

	// VersionHMAC is the protocol version from which the HMAC-SHA-384 layer
	// in HELLO exchanges is mandatory.
	VersionHMAC = 11
)

// KDF labels for KBKDF-derived subkeys.
const (
	// KDFLabelHelloHMAC derives the HMAC-SHA-384 subkey of HELLO exchanges:
	// iteration 0 authenticates the HELLO, iteration 1 its OK reply.
	KDFLabelHelloHMAC byte = 'H'
)

// Node software version triple reported in HELLO exchanges.
const (
	VersionMajor    = 0
	VersionMinor    = 4
	VersionRevision = 2
)
