// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package topology tracks the node's view of the overlay: interned network
// paths, peers with agreed session keys, the root, and the operator's trusted
// path table. Learned identities are additionally cached on disk.
package topology

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
)

// SocketWriter sends a raw datagram out of one of the node's sockets. The
// node's socket layer implements this; writes are non-blocking best-effort
// datagram sends.
type SocketWriter interface {
	WriteTo(localSocket int64, addr *net.UDPAddr, b []byte) error
}

// Path is one (local socket, remote endpoint) tuple. Paths are interned by
// the Topology: there is exactly one Path value per tuple, so its statistics
// aggregate across all packets on that link.
type Path struct {
	localSocket int64
	addr        *net.UDPAddr
	writer      SocketWriter

	lastReceived int64 // atomic, ms
	lastSent     int64 // atomic, ms
}

// LocalSocket returns the identifier of the socket this path runs over.
func (p *Path) LocalSocket() int64 {
	return p.localSocket
}

// Address returns the remote endpoint.
func (p *Path) Address() *net.UDPAddr {
	return p.addr
}

// Received stamps the path on any inbound datagram, keepalives included.
func (p *Path) Received(now int64) {
	atomic.StoreInt64(&p.lastReceived, now)
}

// LastReceived returns the last inbound stamp in milliseconds.
func (p *Path) LastReceived() int64 {
	return atomic.LoadInt64(&p.lastReceived)
}

// Send writes b out of this path's socket.
func (p *Path) Send(_ context.Context, b []byte, now int64) error {
	if p.writer == nil {
		return fmt.Errorf("topology: path %v has no socket writer", p.addr)
	}
	atomic.StoreInt64(&p.lastSent, now)
	return p.writer.WriteTo(p.localSocket, p.addr, b)
}

// pathKey uniquely names a path tuple.
func pathKey(localSocket int64, addr *net.UDPAddr) string {
	return fmt.Sprintf("%d|%s", localSocket, addr.String())
}
