// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package topology

import (
	"sync"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

// Peer is a node we have completed a HELLO exchange with: its identity, the
// session key agreed from both identities, and the paths it was seen on. A
// Peer only ever exists if the key agreement succeeded.
type Peer struct {
	id  *identity.Identity
	key []byte

	mtx          sync.RWMutex
	paths        []*Path
	lastReceived int64

	versionProtocol byte
	versionMajor    byte
	versionMinor    byte
	versionRev      uint16
}

// NewPeer agrees a session key between the local identity and the remote one
// and wraps it in a Peer. Fails iff the agreement fails.
func NewPeer(local, remote *identity.Identity) (*Peer, error) {
	key, err := local.Agree(remote)
	if err != nil {
		return nil, err
	}
	return &Peer{id: remote, key: key}, nil
}

// Identity returns the peer's identity.
func (p *Peer) Identity() *identity.Identity {
	return p.id
}

// Address returns the peer's overlay address.
func (p *Peer) Address() identity.Address {
	return p.id.Address()
}

// Key returns the 48-byte session key. Callers must not modify it.
func (p *Peer) Key() []byte {
	return p.key
}

// Received records an authenticated packet from this peer, remembering the
// path it arrived on.
func (p *Peer) Received(path *Path, hops byte, packetID uint64, verb byte, now int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.lastReceived = now

	if hops == 0 && path != nil {
		for _, known := range p.paths {
			if known == path {
				return
			}
		}
		p.paths = append(p.paths, path)
	}
}

// LastReceived returns the time of the last authenticated packet.
func (p *Peer) LastReceived() int64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.lastReceived
}

// SetRemoteVersion records the peer's announced version tuple.
func (p *Peer) SetRemoteVersion(proto, major, minor byte, rev uint16) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.versionProtocol = proto
	p.versionMajor = major
	p.versionMinor = minor
	p.versionRev = rev
}

// RemoteVersion returns the peer's announced version tuple.
func (p *Peer) RemoteVersion() (proto, major, minor byte, rev uint16) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.versionProtocol, p.versionMajor, p.versionMinor, p.versionRev
}

// Path returns the most recently active direct path to this peer, or nil if
// none is known.
func (p *Peer) Path(now int64) *Path {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	var best *Path
	for _, path := range p.paths {
		if best == nil || path.LastReceived() > best.LastReceived() {
			best = path
		}
	}
	return best
}

// AddPath associates a known-good path with this peer.
func (p *Peer) AddPath(path *Path) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, known := range p.paths {
		if known == path {
			return
		}
	}
	p.paths = append(p.paths, path)
}
