// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vl1

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// handleOK routes replies by the verb they answer.
func (v *VL1) handleOK(ctx context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, packetSize int, hops byte, authenticated bool, now int64) {

	if peer == nil || !authenticated || packetSize < protocol.OKFixedSize {
		return
	}

	ok := protocol.OK(b)
	switch ok.InReVerb() {
	case protocol.VerbHello:
		v.handleOKHello(path, peer, b, packetSize, hops, now)

	case protocol.VerbWhois:
		v.handleOKWhois(ctx, peer, b, packetSize, now)

	case protocol.VerbEcho:
		peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbOK), now)

	default:
		log.WithFields(log.Fields{
			"peer":  peer.Address(),
			"in-re": ok.InReVerb(),
		}).Debug("OK for unhandled verb")
	}
}

// handleOKHello completes our side of a HELLO exchange: the peer echoed our
// timestamp and reported its version and how it sees us.
func (v *VL1) handleOKHello(path *topology.Path, peer *topology.Peer,
	b []byte, packetSize int, hops byte, now int64) {

	if packetSize < protocol.OKHelloFixedSize {
		return
	}

	ok := protocol.OK(b)
	proto, major, minor, rev := ok.HelloVersions()
	peer.SetRemoteVersion(proto, major, minor, rev)

	latency := now - int64(ok.TimestampEcho())
	log.WithFields(log.Fields{
		"peer":    peer.Address(),
		"latency": latency,
	}).Debug("HELLO exchange completed")

	peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbOK), now)
}

// handleOKWhois learns the identities the root resolved for us and replays
// any packets parked for them.
func (v *VL1) handleOKWhois(ctx context.Context, peer *topology.Peer, b []byte, packetSize int, now int64) {
	if !v.topo.IsRoot(peer.Identity()) {
		// Only the root we asked may teach us identities.
		return
	}

	ptr := protocol.OKFixedSize
	for ptr < packetSize {
		id, n, err := identity.UnmarshalIdentity(b[ptr:packetSize])
		if err != nil {
			return
		}
		ptr += n

		if !id.LocallyValidate() || id.Address() == v.localID.Address() {
			continue
		}
		if v.topo.Get(id.Address()) != nil {
			v.reinjectPending(ctx, id.Address())
			continue
		}

		p, pErr := topology.NewPeer(v.localID, id)
		if pErr != nil {
			continue
		}
		v.topo.Add(p)
		v.reinjectPending(ctx, id.Address())
	}
}

// handleWhois answers identity lookups when this node is a directory for the
// asking peer.
func (v *VL1) handleWhois(ctx context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, packetSize int, hops byte, authenticated bool, now int64) {

	if peer == nil || !authenticated {
		return
	}

	out := buf.Get()
	defer out.Done()

	hdr := protocol.Header(out.B[:])
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(peer.Address())
	hdr.SetSource(v.localID.Address())
	hdr.SetFlags(0)
	hdr.SetVerb(protocol.VerbOK)

	ok := protocol.OK(out.B[:])
	ok.SetInRe(protocol.VerbWhois, protocol.Header(b).PacketID())

	outl := protocol.OKFixedSize
	resolved := 0

	for ptr := protocol.PayloadStart; ptr+identity.AddressLength <= packetSize; ptr += identity.AddressLength {
		addr := identity.NewAddress(b[ptr:])
		id := v.topo.LookupIdentity(addr)
		if id == nil {
			log.WithFields(log.Fields{
				"peer":    peer.Address(),
				"address": addr,
			}).Debug("WHOIS for unknown address")
			continue
		}

		wire := id.Marshal(nil)
		if outl+len(wire) > protocol.MaxPacketLength {
			break
		}
		outl += copy(out.B[outl:], wire)
		resolved++
	}

	if resolved == 0 {
		return
	}
	if err := protocol.Armor(out.B[:], outl, peer.Key(), protocol.CipherPoly1305Salsa2012); err != nil {
		v.t.UnexpectedError(0x7a5e2c10, "failed to armor OK(WHOIS): "+err.Error())
		return
	}
	if err := path.Send(ctx, out.B[:outl], now); err != nil {
		log.WithError(err).Debug("Failed to send OK(WHOIS)")
	}

	peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbWhois), now)
}

// handleEcho answers with an OK(ECHO) carrying the request payload back.
// ECHO is self-contained and is never forwarded anywhere else.
func (v *VL1) handleEcho(ctx context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, packetSize int, hops byte, authenticated bool, now int64) {

	if peer == nil || !authenticated {
		return
	}

	out := buf.Get()
	defer out.Done()

	hdr := protocol.Header(out.B[:])
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(peer.Address())
	hdr.SetSource(v.localID.Address())
	hdr.SetFlags(0)
	hdr.SetVerb(protocol.VerbOK)

	ok := protocol.OK(out.B[:])
	ok.SetInRe(protocol.VerbEcho, protocol.Header(b).PacketID())

	outl := protocol.OKFixedSize
	echo := b[protocol.PayloadStart:packetSize]
	if outl+len(echo) > protocol.MaxPacketLength {
		echo = echo[:protocol.MaxPacketLength-outl]
	}
	outl += copy(out.B[outl:], echo)

	if err := protocol.Armor(out.B[:], outl, peer.Key(), protocol.CipherPoly1305Salsa2012); err != nil {
		v.t.UnexpectedError(0x7a5e2c11, "failed to armor OK(ECHO): "+err.Error())
		return
	}
	if err := path.Send(ctx, out.B[:outl], now); err != nil {
		log.WithError(err).Debug("Failed to send OK(ECHO)")
	}

	peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbEcho), now)
}

// The remaining VL1 verbs currently only record liveness; their bodies are
// dispatch slots for future use.

func (v *VL1) handleError(_ context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, _ int, hops byte, authenticated bool, now int64) {
	if peer != nil && authenticated {
		peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbError), now)
	}
}

func (v *VL1) handleRendezvous(_ context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, _ int, hops byte, authenticated bool, now int64) {
	if peer != nil && authenticated {
		peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbRendezvous), now)
	}
}

func (v *VL1) handlePushDirectPaths(_ context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, _ int, hops byte, authenticated bool, now int64) {
	if peer != nil && authenticated {
		peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbPushDirectPaths), now)
	}
}

func (v *VL1) handleUserMessage(_ context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, _ int, hops byte, authenticated bool, now int64) {
	if peer != nil && authenticated {
		peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbUserMessage), now)
	}
}

func (v *VL1) handleEncap(_ context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, _ int, hops byte, authenticated bool, now int64) {
	if peer != nil && authenticated {
		peer.Received(path, hops, protocol.Header(b).PacketID(), byte(protocol.VerbEncap), now)
	}
}
