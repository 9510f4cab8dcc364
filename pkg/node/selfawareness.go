// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
)

// SelfAwareness aggregates the surface addresses peers report for this node.
// NATs can present a different surface per destination, so reports are kept
// per local socket and remote address family.
type SelfAwareness struct {
	mtx      sync.RWMutex
	surfaces map[surfaceScope]protocol.InetAddress
}

type surfaceScope struct {
	localSocket int64
	ipv6        bool
}

// NewSelfAwareness creates an empty SelfAwareness.
func NewSelfAwareness() *SelfAwareness {
	return &SelfAwareness{surfaces: make(map[surfaceScope]protocol.InetAddress)}
}

// Iam implements vl1.SelfAwareness: a directly connected peer reported how it
// sees us.
func (sa *SelfAwareness) Iam(_ context.Context, reporter *identity.Identity, localSocket int64,
	pathAddr *net.UDPAddr, surface protocol.InetAddress, reporterIsRoot bool, _ int64) {

	scope := surfaceScope{localSocket: localSocket, ipv6: surface.IP.To4() == nil}

	sa.mtx.Lock()
	prev, known := sa.surfaces[scope]
	sa.surfaces[scope] = surface
	sa.mtx.Unlock()

	if !known || prev.String() != surface.String() {
		log.WithFields(log.Fields{
			"reporter": reporter.Address(),
			"root":     reporterIsRoot,
			"via":      pathAddr,
			"surface":  surface,
		}).Info("Learned external surface address")
	}
}

// Surfaces returns all currently known surface addresses.
func (sa *SelfAwareness) Surfaces() []protocol.InetAddress {
	sa.mtx.RLock()
	defer sa.mtx.RUnlock()

	out := make([]protocol.InetAddress, 0, len(sa.surfaces))
	for _, s := range sa.surfaces {
		out = append(out, s)
	}
	return out
}
