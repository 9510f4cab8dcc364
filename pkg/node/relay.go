// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// maxRelayHops bounds forwarding: the hop count lives in three header bits.
const maxRelayHops = 7

// commonFlagsIndex and fragmentHopsIndex are the offsets of the hop-carrying
// byte in the common and the fragment header layouts; its low three bits carry
// the hop count, which is the one field a relay may touch without breaking
// authentication.
const (
	commonFlagsIndex   = 18
	fragmentHopsIndex  = 15
	fragmentIndicator  = 0xff
	fragmentIndicatorI = 13
)

// relay forwards packets addressed to other nodes: directly when the
// destination is a known peer with a live path, via the root otherwise.
// Hop-count increments are rate-unlimited here; abuse control is delegated
// to the destination's own ingress.
type relay struct {
	topo *topology.Topology
	node *Node
}

// Relay implements vl1.Relay. Takes over the buffer reference.
func (r *relay) Relay(ctx context.Context, _ *topology.Path, dest identity.Address, data *buf.Buf, length int) {
	defer data.Done()

	now := r.node.Now()

	var next *topology.Path
	if peer := r.topo.Get(dest); peer != nil {
		next = peer.Path(now)
	}
	if next == nil {
		if root := r.topo.Root(); root != nil {
			next = root.Path(now)
		}
	}
	if next == nil {
		log.WithFields(log.Fields{
			"destination": dest,
		}).Debug("No next hop for relayed packet")
		return
	}

	hopsAt := commonFlagsIndex
	if data.B[fragmentIndicatorI] == fragmentIndicator {
		hopsAt = fragmentHopsIndex
	}

	hops := data.B[hopsAt] & 0x07
	if hops >= maxRelayHops {
		return
	}
	data.B[hopsAt] = (data.B[hopsAt] &^ 0x07) | (hops + 1)

	if err := next.Send(ctx, data.B[:length], now); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"destination": dest,
		}).Debug("Relay send failed")
	}
}
