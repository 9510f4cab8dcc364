// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import "encoding/binary"

// HELLO body layout, directly after the common header:
//
//	offset 28  protocol version, 1 byte
//	offset 29  software major, 1 byte
//	offset 30  software minor, 1 byte
//	offset 31  software revision, 2 bytes
//	offset 33  sender timestamp (ms), 8 bytes
//	offset 41  sender identity, then optional extensions
const (
	helloVersionProtocol = 28
	helloVersionMajor    = 29
	helloVersionMinor    = 30
	helloVersionRev      = 31
	helloTimestamp       = 33

	// HelloFixedSize is the smallest possible HELLO: header plus the fixed
	// body fields, before the identity.
	HelloFixedSize = 41
)

// Hello is a view over a HELLO packet's fixed body.
type Hello []byte

// VersionProtocol returns the sender's protocol version.
func (h Hello) VersionProtocol() byte { return h[helloVersionProtocol] }

// VersionMajor returns the sender's software major version.
func (h Hello) VersionMajor() byte { return h[helloVersionMajor] }

// VersionMinor returns the sender's software minor version.
func (h Hello) VersionMinor() byte { return h[helloVersionMinor] }

// VersionRevision returns the sender's software revision.
func (h Hello) VersionRevision() uint16 {
	return binary.BigEndian.Uint16(h[helloVersionRev:])
}

// Timestamp returns the sender's clock at send time, echoed in the OK reply
// for round-trip measurement.
func (h Hello) Timestamp() uint64 {
	return binary.BigEndian.Uint64(h[helloTimestamp:])
}

// SetVersions stamps the version fields.
func (h Hello) SetVersions(proto, major, minor byte, rev uint16) {
	h[helloVersionProtocol] = proto
	h[helloVersionMajor] = major
	h[helloVersionMinor] = minor
	binary.BigEndian.PutUint16(h[helloVersionRev:], rev)
}

// SetTimestamp stamps the sender timestamp.
func (h Hello) SetTimestamp(ts uint64) {
	binary.BigEndian.PutUint64(h[helloTimestamp:], ts)
}

// OK body layout, directly after the common header:
//
//	offset 28  in-re verb, 1 byte
//	offset 29  in-re packet ID, 8 bytes
//
// followed by verb-specific reply fields. For OK(HELLO):
//
//	offset 37  echoed HELLO timestamp, 8 bytes
//	offset 45  protocol version, 1 byte
//	offset 46  software major, 1 byte
//	offset 47  software minor, 1 byte
//	offset 48  software revision, 2 bytes
//	offset 50  the path-facing InetAddress of the replier, then extensions
const (
	okInReVerb     = 28
	okInRePacketID = 29

	okHelloTimestampEcho   = 37
	okHelloVersionProtocol = 45
	okHelloVersionMajor    = 46
	okHelloVersionMinor    = 47
	okHelloVersionRev      = 48

	// OKFixedSize is an OK with no reply body.
	OKFixedSize = 37

	// OKHelloFixedSize is an OK(HELLO) up to and excluding the InetAddress.
	OKHelloFixedSize = 50
)

// OK is a view over an OK packet's body.
type OK []byte

// InReVerb returns the verb this OK replies to.
func (o OK) InReVerb() Verb { return Verb(o[okInReVerb] & VerbMask) }

// InRePacketID returns the packet ID this OK replies to.
func (o OK) InRePacketID() uint64 {
	return binary.BigEndian.Uint64(o[okInRePacketID:])
}

// SetInRe stamps the replied-to verb and packet ID.
func (o OK) SetInRe(v Verb, packetID uint64) {
	o[okInReVerb] = byte(v)
	binary.BigEndian.PutUint64(o[okInRePacketID:], packetID)
}

// TimestampEcho returns the echoed HELLO timestamp of an OK(HELLO).
func (o OK) TimestampEcho() uint64 {
	return binary.BigEndian.Uint64(o[okHelloTimestampEcho:])
}

// HelloVersions returns the version fields of an OK(HELLO).
func (o OK) HelloVersions() (proto, major, minor byte, rev uint16) {
	return o[okHelloVersionProtocol], o[okHelloVersionMajor], o[okHelloVersionMinor],
		binary.BigEndian.Uint16(o[okHelloVersionRev:])
}

// SetHelloReply stamps the OK(HELLO) fixed reply fields.
func (o OK) SetHelloReply(timestampEcho uint64, proto, major, minor byte, rev uint16) {
	binary.BigEndian.PutUint64(o[okHelloTimestampEcho:], timestampEcho)
	o[okHelloVersionProtocol] = proto
	o[okHelloVersionMajor] = major
	o[okHelloVersionMinor] = minor
	binary.BigEndian.PutUint16(o[okHelloVersionRev:], rev)
}
