// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces this node on the local network and learns LAN
// neighbors, so nearby nodes can exchange HELLOs without a root lookup.
package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

var crc16table = crc16.MakeTable(crc16.CCITT)

// Announcement is one node's beacon: its overlay address, the UDP port it
// listens on, and its full public identity so receivers can HELLO it
// directly.
type Announcement struct {
	Address  identity.Address
	Port     uint
	Identity *identity.Identity
}

// MarshalCbor writes the announcement as a CBOR array.
func (a *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(a.Address), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(a.Port), w); err != nil {
		return err
	}
	return cboring.WriteByteString(a.Identity.Marshal(nil), w)
}

// UnmarshalCbor reads an announcement written by MarshalCbor.
func (a *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("discovery: announcement has %d fields", l)
	}

	addr, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	a.Address = identity.Address(addr)

	port, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	a.Port = uint(port)

	idBytes, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	id, _, err := identity.UnmarshalIdentity(idBytes)
	if err != nil {
		return err
	}
	a.Identity = id

	if a.Address != id.Address() {
		return fmt.Errorf("discovery: announcement address %v does not match identity %v", a.Address, id.Address())
	}
	return nil
}

// MarshalAnnouncements packs announcements into a beacon payload with a
// trailing CRC-16 so that foreign multicast traffic on the same group is
// rejected cheaply.
func MarshalAnnouncements(announcements []Announcement) ([]byte, error) {
	var buff bytes.Buffer
	if err := cboring.WriteArrayLength(uint64(len(announcements)), &buff); err != nil {
		return nil, err
	}
	for i := range announcements {
		if err := announcements[i].MarshalCbor(&buff); err != nil {
			return nil, err
		}
	}

	var sum [2]byte
	binary.BigEndian.PutUint16(sum[:], crc16.Checksum(buff.Bytes(), crc16table))
	return append(buff.Bytes(), sum[:]...), nil
}

// UnmarshalAnnouncements parses a beacon payload, verifying its checksum.
func UnmarshalAnnouncements(payload []byte) ([]Announcement, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("discovery: beacon of %d bytes", len(payload))
	}

	body := payload[:len(payload)-2]
	want := binary.BigEndian.Uint16(payload[len(payload)-2:])
	if crc16.Checksum(body, crc16table) != want {
		return nil, fmt.Errorf("discovery: beacon checksum mismatch")
	}

	buff := bytes.NewBuffer(body)
	l, err := cboring.ReadArrayLength(buff)
	if err != nil {
		return nil, err
	}
	if l > 64 {
		return nil, fmt.Errorf("discovery: beacon with %d announcements", l)
	}

	announcements := make([]Announcement, l)
	for i := uint64(0); i < l; i++ {
		if err := announcements[i].UnmarshalCbor(buff); err != nil {
			return nil, err
		}
	}
	return announcements, nil
}
