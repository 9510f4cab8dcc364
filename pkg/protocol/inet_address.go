// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"
	"net"
)

// InetAddress is an IP endpoint in HELLO bodies and surface address reports.
// Wire form: one type byte (0 none, 4 IPv4, 6 IPv6) followed by the address
// bytes and a big-endian port.
type InetAddress struct {
	IP   net.IP
	Port uint16
}

const (
	inetTypeNone = 0
	inetTypeV4   = 4
	inetTypeV6   = 6
)

// IsNil reports whether no endpoint is set.
func (a InetAddress) IsNil() bool {
	return len(a.IP) == 0
}

// Marshal appends the address's wire form to b.
func (a InetAddress) Marshal(b []byte) []byte {
	if v4 := a.IP.To4(); v4 != nil {
		b = append(b, inetTypeV4)
		b = append(b, v4...)
		return append(b, byte(a.Port>>8), byte(a.Port))
	}
	if v6 := a.IP.To16(); v6 != nil {
		b = append(b, inetTypeV6)
		b = append(b, v6...)
		return append(b, byte(a.Port>>8), byte(a.Port))
	}
	return append(b, inetTypeNone)
}

// UnmarshalInetAddress parses an InetAddress from the front of b, returning
// it and the number of bytes consumed.
func UnmarshalInetAddress(b []byte) (InetAddress, int, error) {
	if len(b) < 1 {
		return InetAddress{}, 0, fmt.Errorf("protocol: truncated inet address")
	}

	switch b[0] {
	case inetTypeNone:
		return InetAddress{}, 1, nil

	case inetTypeV4:
		if len(b) < 1+4+2 {
			return InetAddress{}, 0, fmt.Errorf("protocol: truncated IPv4 address")
		}
		ip := make(net.IP, 4)
		copy(ip, b[1:5])
		return InetAddress{IP: ip, Port: uint16(b[5])<<8 | uint16(b[6])}, 7, nil

	case inetTypeV6:
		if len(b) < 1+16+2 {
			return InetAddress{}, 0, fmt.Errorf("protocol: truncated IPv6 address")
		}
		ip := make(net.IP, 16)
		copy(ip, b[1:17])
		return InetAddress{IP: ip, Port: uint16(b[17])<<8 | uint16(b[18])}, 19, nil

	default:
		return InetAddress{}, 0, fmt.Errorf("protocol: unknown inet address type %d", b[0])
	}
}

// UDPAddr converts to a net.UDPAddr, or nil for the nil address.
func (a InetAddress) UDPAddr() *net.UDPAddr {
	if a.IsNil() {
		return nil
	}
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// FromUDPAddr builds an InetAddress from a UDP endpoint.
func FromUDPAddr(addr *net.UDPAddr) InetAddress {
	if addr == nil {
		return InetAddress{}
	}
	return InetAddress{IP: addr.IP, Port: uint16(addr.Port)}
}

func (a InetAddress) String() string {
	if a.IsNil() {
		return "(none)"
	}
	return a.UDPAddr().String()
}
