// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package topology

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

// TrustedPath is an operator-configured link whose packets bypass
// cryptographic authentication: any packet arriving from within Network whose
// header names ID is taken as authentic.
type TrustedPath struct {
	ID      uint64
	Network *net.IPNet
}

// Topology is the node's thread-safe view of paths and peers.
type Topology struct {
	localID *identity.Identity
	writer  SocketWriter

	mtx     sync.RWMutex
	paths   map[string]*Path
	peers   map[identity.Address]*Peer
	roots   map[identity.Address]bool
	trusted []TrustedPath

	cache *IdentityCache
}

// New creates a Topology for the given local identity. The writer is handed
// to every interned Path; cache may be nil to disable identity persistence.
func New(localID *identity.Identity, writer SocketWriter, cache *IdentityCache) *Topology {
	return &Topology{
		localID: localID,
		writer:  writer,
		paths:   make(map[string]*Path),
		peers:   make(map[identity.Address]*Peer),
		roots:   make(map[identity.Address]bool),
		cache:   cache,
	}
}

// GetPath interns and returns the Path for a (socket, endpoint) tuple.
func (t *Topology) GetPath(localSocket int64, addr *net.UDPAddr) *Path {
	key := pathKey(localSocket, addr)

	t.mtx.RLock()
	p := t.paths[key]
	t.mtx.RUnlock()
	if p != nil {
		return p
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if p = t.paths[key]; p != nil {
		return p
	}

	p = &Path{localSocket: localSocket, addr: addr, writer: t.writer}
	t.paths[key] = p

	log.WithFields(log.Fields{
		"socket": localSocket,
		"remote": addr,
	}).Debug("Interned new path")

	return p
}

// Get returns the peer with the given address, or nil if unknown.
func (t *Topology) Get(addr identity.Address) *Peer {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.peers[addr]
}

// Add inserts a peer, returning the already-present peer if another thread
// learned the same address first. The learned identity is also written to the
// on-disk cache.
func (t *Topology) Add(peer *Peer) *Peer {
	t.mtx.Lock()
	if existing := t.peers[peer.Address()]; existing != nil {
		t.mtx.Unlock()
		return existing
	}
	t.peers[peer.Address()] = peer
	t.mtx.Unlock()

	log.WithFields(log.Fields{
		"peer": peer.Address(),
	}).Info("Learned new peer")

	if t.cache != nil {
		if err := t.cache.Put(peer.Identity()); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"peer": peer.Address(),
			}).Warn("Failed to cache peer identity")
		}
	}
	return peer
}

// Peers returns a snapshot of all live peers.
func (t *Topology) Peers() []*Peer {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}

// SetRoots configures the addresses acting as identity directory.
func (t *Topology) SetRoots(addrs []identity.Address) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.roots = make(map[identity.Address]bool, len(addrs))
	for _, a := range addrs {
		t.roots[a] = true
	}
}

// Root returns a live root peer, or nil if no root has been learned yet.
func (t *Topology) Root() *Peer {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	for addr := range t.roots {
		if p := t.peers[addr]; p != nil {
			return p
		}
	}
	return nil
}

// IsRoot reports whether the identity belongs to a configured root.
func (t *Topology) IsRoot(id *identity.Identity) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.roots[id.Address()]
}

// SetTrustedPaths replaces the trusted path table. Safe for hot reload.
func (t *Topology) SetTrustedPaths(paths []TrustedPath) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.trusted = paths
}

// ShouldInboundPathBeTrusted reports whether packets from addr naming the
// given trusted path ID may skip cryptographic authentication.
func (t *Topology) ShouldInboundPathBeTrusted(addr *net.UDPAddr, trustedPathID uint64) bool {
	if addr == nil || trustedPathID == 0 {
		return false
	}

	t.mtx.RLock()
	defer t.mtx.RUnlock()

	for _, tp := range t.trusted {
		if tp.ID == trustedPathID && tp.Network.Contains(addr.IP) {
			return true
		}
	}
	return false
}

// LookupIdentity returns a cached or live identity for addr, used to answer
// WHOIS queries when this node acts as a root.
func (t *Topology) LookupIdentity(addr identity.Address) *identity.Identity {
	if p := t.Get(addr); p != nil {
		return p.Identity()
	}
	if t.cache != nil {
		if id, err := t.cache.Get(addr); err == nil {
			return id
		}
	}
	return nil
}
