// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"encoding/binary"
	"fmt"
)

// AddressLength is the wire size of an overlay address: 40 bits, big-endian.
const AddressLength = 5

// Address identifies a node on the overlay. The all-zero address is the nil
// sentinel and addresses may never start with 0xff: on the wire that first
// byte sits at the fragment indicator index of a packet header, where 0xff
// marks a fragment continuation frame.
type Address uint64

// NewAddress reads a big-endian 40-bit address from b.
func NewAddress(b []byte) Address {
	return Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]))
}

// IsReserved reports whether this address may not be assigned to a node.
func (a Address) IsReserved() bool {
	return a == 0 || (a>>32) == 0xff
}

// CopyTo writes the address in wire order into b.
func (a Address) CopyTo(b []byte) {
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// Bytes returns the five wire bytes of the address.
func (a Address) Bytes() []byte {
	var b [AddressLength + 3]byte
	binary.BigEndian.PutUint64(b[:], uint64(a))
	return b[3:]
}

func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a))
}
