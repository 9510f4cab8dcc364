// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vl1

import (
	"context"
	"net"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// DropReason is the closed enumeration of causes for discarding an inbound
// packet. A dropped packet is reported to the Tracer at most once; rejected
// fragments, self-addressed packets and vectors failing the headroom check
// are dropped without a report. Drop reasons never propagate to callers.
type DropReason int

const (
	DropMalformedPacket DropReason = iota + 1
	DropInvalidObject
	DropMACFailed
	DropInvalidCompressedData
	DropPeerTooOld
	DropNotTrustedPath
	DropRateLimitExceeded
	DropUnrecognizedVerb
)

func (r DropReason) String() string {
	switch r {
	case DropMalformedPacket:
		return "MALFORMED_PACKET"
	case DropInvalidObject:
		return "INVALID_OBJECT"
	case DropMACFailed:
		return "MAC_FAILED"
	case DropInvalidCompressedData:
		return "INVALID_COMPRESSED_DATA"
	case DropPeerTooOld:
		return "PEER_TOO_OLD"
	case DropNotTrustedPath:
		return "NOT_TRUSTED_PATH"
	case DropRateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case DropUnrecognizedVerb:
		return "UNRECOGNIZED_VERB"
	default:
		return "UNKNOWN"
	}
}

// Tracer receives diagnostics about discarded packets and internal failures.
// Implementations must be safe for concurrent use and must not block.
type Tracer interface {
	// IncomingPacketDropped reports one discarded packet. code is a stable
	// 32-bit identifier of the exact drop site; peerID is nil when the sender
	// is unknown.
	IncomingPacketDropped(code uint32, packetID uint64, peerID *identity.Identity,
		pathAddr *net.UDPAddr, hops byte, verb protocol.Verb, reason DropReason)

	// UnexpectedError reports an internal failure that is not attributable to
	// a malformed or hostile packet.
	UnexpectedError(code uint32, msg string)
}

// Node provides the ambient services of the running node.
type Node interface {
	// Now returns the node's wall clock in milliseconds.
	Now() int64

	// RateGateIdentityVerification limits how often expensive identity
	// validation may be triggered from one endpoint.
	RateGateIdentityVerification(now int64, from *net.UDPAddr) bool
}

// SelfAwareness learns how the outside world sees this node. Iam is called
// with the surface address a directly-connected peer reported for us.
type SelfAwareness interface {
	Iam(ctx context.Context, reporter *identity.Identity, localSocket int64,
		pathAddr *net.UDPAddr, surface protocol.InetAddress, reporterIsRoot bool, now int64)
}

// Relay forwards packets whose destination is not the local node. The relay
// owns rate limiting, hop accounting and next-hop selection; it also takes
// over the buffer reference.
type Relay interface {
	Relay(ctx context.Context, path *topology.Path, dest identity.Address, data *buf.Buf, length int)
}

// VL2 handles the virtual-Ethernet verbs. Packets handed over are fully
// assembled, decrypted and decompressed; the buffer stays owned by VL1.
type VL2 interface {
	HandleFrame(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleExtFrame(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleMulticastLike(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleNetworkCredentials(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleNetworkConfigRequest(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleNetworkConfig(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleMulticastGather(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleMulticastFrameDeprecated(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
	HandleMulticast(ctx context.Context, path *topology.Path, peer *topology.Peer, pkt []byte, packetSize int, authenticated bool)
}
