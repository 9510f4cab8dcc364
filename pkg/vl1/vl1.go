// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vl1 implements the wire-level transport layer of the overlay: the
// receive pipeline that defragments, authenticates, decrypts, decompresses
// and dispatches every inbound datagram, the WHOIS queue for packets from
// unknown senders, and the HELLO exchange that introduces peers.
package vl1

import (
	"context"
	"net"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/crypto"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// DefaultMaxFragmentsPerPath bounds concurrent fragment assemblies per path.
const DefaultMaxFragmentsPerPath = 32

// Config wires a VL1 instance to its collaborators. LocalIdentity, Topology,
// Node and Tracer are mandatory; VL2 and Relay may be nil, in which case the
// respective packets are discarded; SelfAwareness may be nil, in which case
// surface address reports are skipped.
type Config struct {
	LocalIdentity *identity.Identity
	Topology      *topology.Topology
	Node          Node
	Tracer        Tracer

	VL2           VL2
	Relay         Relay
	SelfAwareness SelfAwareness

	// Metadata is included in outbound HELLO and OK(HELLO) extensions.
	Metadata protocol.Dictionary

	MaxFragmentsPerPath int
}

// VL1 is the packet ingress core. All methods are safe for concurrent use;
// OnRemotePacket runs entirely on the caller's thread.
type VL1 struct {
	localID *identity.Identity
	topo    *topology.Topology
	node    Node
	t       Tracer
	vl2     VL2
	relay   Relay
	sa      SelfAwareness

	defrag *Defragmenter
	whois  *whoisQueue

	metadata        protocol.Dictionary
	maxFragsPerPath int
}

// New creates a VL1 core from its configuration.
func New(cfg Config) *VL1 {
	maxFrags := cfg.MaxFragmentsPerPath
	if maxFrags <= 0 {
		maxFrags = DefaultMaxFragmentsPerPath
	}

	return &VL1{
		localID:         cfg.LocalIdentity,
		topo:            cfg.Topology,
		node:            cfg.Node,
		t:               cfg.Tracer,
		vl2:             cfg.VL2,
		relay:           cfg.Relay,
		sa:              cfg.SelfAwareness,
		defrag:          NewDefragmenter(),
		whois:           newWhoisQueue(),
		metadata:        cfg.Metadata,
		maxFragsPerPath: maxFrags,
	}
}

// OnRemotePacket is the single entry point for every datagram read from a
// socket. It takes over the caller's reference on data; by the time it
// returns, the reference was released or handed to a collaborator. Failures
// never propagate: a bad packet is dropped and traced at most once. Rejected
// fragments, self-addressed packets and vectors failing the headroom check
// are dropped without a trace.
func (v *VL1) OnRemotePacket(ctx context.Context, localSocket int64, fromAddr *net.UDPAddr, data *buf.Buf, length int) {
	now := v.node.Now()
	path := v.topo.GetPath(localSocket, fromAddr)
	path.Received(now)

	// Really short datagrams are keepalives and other junk.
	if length < protocol.MinFragmentLength {
		data.Done()
		return
	}

	var pktv buf.SliceVector

	if protocol.IsFragment(data.B[:length]) {
		fh := protocol.FragmentHeader(data.B[:])

		if fh.Destination() != v.localID.Address() {
			v.handoffRelay(ctx, path, fh.Destination(), data, length)
			return
		}

		switch v.defrag.Assemble(fh.PacketID(), &pktv,
			buf.Slice{B: data, Start: protocol.FragmentPayloadStart, End: length},
			fh.FragmentNumber(), fh.TotalFragments(), now, path, v.maxFragsPerPath) {
		case AssembleComplete:
			// fall through to processing
		case AssembleOK, ErrTooManyFragmentsForPath:
			// Stored; the assembly owns the buffer now.
			return
		default:
			data.Done()
			return
		}
	} else {
		if length < protocol.MinPacketLength {
			v.t.IncomingPacketDropped(0xbf8af342, 0, nil, path.Address(), 0, protocol.VerbNop, DropMalformedPacket)
			data.Done()
			return
		}

		ph := protocol.Header(data.B[:])
		if ph.Destination() != v.localID.Address() {
			v.handoffRelay(ctx, path, ph.Destination(), data, length)
			return
		}

		if ph.Fragmented() {
			switch v.defrag.Assemble(ph.PacketID(), &pktv,
				buf.Slice{B: data, Start: 0, End: length},
				0, 0, now, path, v.maxFragsPerPath) {
			case AssembleComplete:
			case AssembleOK, ErrTooManyFragmentsForPath:
				return
			default:
				data.Done()
				return
			}
		} else {
			pktv.Push(buf.Slice{B: data, Start: 0, End: length})
		}
	}

	// Defragmented and addressed to this node. Sanity-check the vector: the
	// first slice must hold a whole header and every slice needs 64 bytes of
	// tail headroom for the in-place rebalance of the decrypt path.
	if pktv.Len() == 0 || pktv.At(0).Len() < protocol.HeaderSize {
		v.t.UnexpectedError(0x3df19990, "empty or undersized packet vector")
		pktv.Clear()
		return
	}
	for i := 0; i < pktv.Len(); i++ {
		s := pktv.At(i)
		if s.End > buf.Size-crypto.BlockSize || s.Start > s.End {
			pktv.Clear()
			return
		}
	}

	ph := protocol.Header(pktv.At(0).Bytes())
	source := ph.Source()

	if source == v.localID.Address() {
		pktv.Clear()
		return
	}
	peer := v.topo.Get(source)

	hops := ph.Hops()
	cipher := ph.Cipher()
	packetID := ph.PacketID()

	packetSize := pktv.TotalLen()
	if packetSize > protocol.MaxPacketLength {
		v.drop(0x010348da, packetID, peer, path, hops, protocol.VerbNop, DropMalformedPacket)
		pktv.Clear()
		return
	}

	// Unknown sender: unless this is a HELLO under one of the suites an
	// unauthenticated sender may use, park the packet and ask the root.
	if peer == nil && !((cipher == protocol.CipherPoly1305None || cipher == protocol.CipherNone) && ph.Verb() == protocol.VerbHello) {
		pkt := buf.AssembleSliceVector(&pktv)
		pktv.Clear()

		if pkt.Len() < protocol.MinPacketLength {
			v.drop(0xbada9366, packetID, nil, path, hops, protocol.VerbNop, DropMalformedPacket)
			pkt.B.Done()
			return
		}

		v.whois.enqueue(source, pkt, path)
		v.sendPendingWhois(ctx, now)
		return
	}

	var pkt buf.Slice
	authenticated := false

	switch cipher {
	case protocol.CipherPoly1305None:
		pkt = buf.AssembleSliceVector(&pktv)
		pktv.Clear()
		if pkt.Len() < protocol.MinPacketLength {
			v.drop(0x432aa9da, packetID, peer, path, hops, protocol.VerbNop, DropMalformedPacket)
			pkt.B.Done()
			return
		}

		if peer != nil {
			hdr := protocol.Header(pkt.Bytes())
			_, macKey := protocol.PacketKeys(peer.Key(), hdr, packetSize)
			tag := crypto.Poly1305Tag(pkt.Bytes()[protocol.EncryptedSectionStart:], macKey[:])
			if !crypto.SecureEqual(hdr.MAC(), tag[:8]) {
				v.drop(0xcc89c812, packetID, peer, path, hops, protocol.VerbNop, DropMACFailed)
				pkt.B.Done()
				return
			}
			authenticated = true
		}
		// peer == nil here means an unauthenticated HELLO; the HELLO handler
		// performs its own verification against the unmarshaled identity.

	case protocol.CipherPoly1305Salsa2012:
		if peer == nil {
			// Without a session key there is nothing to verify against.
			v.drop(0xb0b01999, packetID, nil, path, hops, protocol.VerbNop, DropMACFailed)
			pktv.Clear()
			return
		}

		var ok bool
		pkt, ok = v.decryptSalsa(&pktv, packetSize, peer.Key())
		pktv.Clear()
		if !ok {
			v.drop(0xbc881231, packetID, peer, path, hops, protocol.VerbNop, DropMACFailed)
			return
		}
		authenticated = true

	case protocol.CipherNone:
		// Only used with trusted paths: authenticity derives from the
		// operator's table, keyed by the path ID riding in the MAC field.
		pkt = buf.AssembleSliceVector(&pktv)
		pktv.Clear()
		if pkt.Len() < protocol.MinPacketLength {
			v.drop(0x3d3337df, packetID, peer, path, hops, protocol.VerbNop, DropMalformedPacket)
			pkt.B.Done()
			return
		}

		if !v.topo.ShouldInboundPathBeTrusted(path.Address(), protocol.Header(pkt.Bytes()).TrustedPathID()) {
			v.drop(0x2dfa910b, packetID, peer, path, hops, protocol.VerbNop, DropNotTrustedPath)
			pkt.B.Done()
			return
		}
		authenticated = true

	default:
		v.drop(0x5b001099, packetID, peer, path, hops, protocol.VerbNop, DropInvalidObject)
		pktv.Clear()
		return
	}

	hdr := protocol.Header(pkt.Bytes())
	verb := hdr.Verb()

	// Compressed payloads are only accepted once authenticated: running the
	// decompressor on attacker-controlled bytes is not worth the risk.
	if hdr.Compressed() {
		if !authenticated {
			v.drop(0x390bcd0a, packetID, peer, path, hops, verb, DropMalformedPacket)
			pkt.B.Done()
			return
		}

		nb := buf.Get()
		copy(nb.B[:protocol.PayloadStart], pkt.Bytes()[:protocol.PayloadStart])
		n, err := protocol.DecompressPayload(pkt.Bytes()[protocol.PayloadStart:packetSize], nb.B[protocol.PayloadStart:protocol.MaxPacketLength])
		if err != nil {
			nb.Done()
			v.drop(0xee9e4392, packetID, peer, path, hops, verb, DropInvalidCompressedData)
			pkt.B.Done()
			return
		}

		pkt.B.Done()
		pkt = buf.Slice{B: nb, Start: 0, End: protocol.PayloadStart + n}
		packetSize = pkt.End
		protocol.Header(pkt.Bytes()).SetCompressed(false)
	}

	v.dispatch(ctx, path, peer, pkt, packetSize, hops, authenticated, now)
	pkt.B.Done()
}

// dispatch routes one assembled, authenticated and decompressed packet by
// verb. VL1 transport verbs are handled here, virtual-Ethernet verbs are
// delegated to VL2.
func (v *VL1) dispatch(ctx context.Context, path *topology.Path, peer *topology.Peer,
	pkt buf.Slice, packetSize int, hops byte, authenticated bool, now int64) {

	hdr := protocol.Header(pkt.Bytes())
	verb := hdr.Verb()
	b := pkt.Bytes()

	switch verb {
	case protocol.VerbNop:
		if peer != nil {
			peer.Received(path, hops, hdr.PacketID(), byte(verb), now)
		}

	case protocol.VerbHello:
		v.handleHello(ctx, path, peer, b, packetSize, hops, now)

	case protocol.VerbError:
		v.handleError(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbOK:
		v.handleOK(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbWhois:
		v.handleWhois(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbRendezvous:
		v.handleRendezvous(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbEcho:
		// Self-contained: answer and stop, never forwarded to multicast.
		v.handleEcho(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbPushDirectPaths:
		v.handlePushDirectPaths(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbUserMessage:
		v.handleUserMessage(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbEncap:
		v.handleEncap(ctx, path, peer, b, packetSize, hops, authenticated, now)

	case protocol.VerbFrame:
		if v.vl2 != nil {
			v.vl2.HandleFrame(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbExtFrame:
		if v.vl2 != nil {
			v.vl2.HandleExtFrame(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbMulticastLike:
		if v.vl2 != nil {
			v.vl2.HandleMulticastLike(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbNetworkCredentials:
		if v.vl2 != nil {
			v.vl2.HandleNetworkCredentials(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbNetworkConfigRequest:
		if v.vl2 != nil {
			v.vl2.HandleNetworkConfigRequest(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbNetworkConfig:
		if v.vl2 != nil {
			v.vl2.HandleNetworkConfig(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbMulticastGather:
		if v.vl2 != nil {
			v.vl2.HandleMulticastGather(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbMulticastFrameDep:
		if v.vl2 != nil {
			v.vl2.HandleMulticastFrameDeprecated(ctx, path, peer, b, packetSize, authenticated)
		}
	case protocol.VerbMulticast:
		if v.vl2 != nil {
			v.vl2.HandleMulticast(ctx, path, peer, b, packetSize, authenticated)
		}

	default:
		v.drop(0xdeadeff0, hdr.PacketID(), peer, path, hops, verb, DropUnrecognizedVerb)
	}
}

// decryptSalsa authenticates and decrypts a POLY1305_SALSA2012 packet. The
// MAC is verified over the ciphertext, then the slices are rebalanced to
// 64-byte multiples and decrypted into a fresh contiguous buffer whose first
// 27 bytes are the cleartext header prefix.
func (v *VL1) decryptSalsa(pktv *buf.SliceVector, packetSize int, sessionKey []byte) (buf.Slice, bool) {
	first := pktv.At(0)
	hdr := protocol.Header(first.Bytes())

	s20, macKey := protocol.PacketKeys(sessionKey, hdr, packetSize)

	mac := crypto.NewPoly1305(macKey[:])
	mac.Write(first.Bytes()[protocol.EncryptedSectionStart:])
	for i := 1; i < pktv.Len(); i++ {
		mac.Write(pktv.At(i).Bytes())
	}
	tag := mac.Sum()
	if !crypto.SecureEqual(hdr.MAC(), tag[:8]) {
		return buf.Slice{}, false
	}

	out := buf.Get()
	copy(out.B[:protocol.EncryptedSectionStart], first.Bytes()[:protocol.EncryptedSectionStart])

	// The keystream is seekable only at 64-byte boundaries and each Crypt
	// call consumes whole blocks, so every slice but the last must be a
	// multiple of 64 before per-slice decryption.
	first.Start += protocol.EncryptedSectionStart
	rebalanceSlices(pktv)

	ptr := protocol.EncryptedSectionStart
	for i := 0; i < pktv.Len(); i++ {
		s := pktv.At(i)
		if s.Len() == 0 {
			continue
		}
		s20.Crypt(out.B[ptr:ptr+s.Len()], s.Bytes())
		ptr += s.Len()
	}

	return buf.Slice{B: out, Start: 0, End: ptr}, true
}

// rebalanceSlices moves bytes from the head of each slice to the tail of its
// predecessor until every slice before the last non-empty one is a 64-byte
// multiple; when the following slices run dry, the slice that absorbed them
// keeps an unaligned length and the rest are left empty. Order
// and content of the byte stream are preserved; only slice boundaries move.
func rebalanceSlices(v *buf.SliceVector) {
	for i := 0; i+1 < v.Len(); i++ {
		s := v.At(i)
		deficit := (crypto.BlockSize - s.Len()%crypto.BlockSize) % crypto.BlockSize

		for j := i + 1; deficit > 0 && j < v.Len(); j++ {
			next := v.At(j)
			n := next.Len()
			if n > deficit {
				n = deficit
			}
			copy(s.B.B[s.End:s.End+n], next.Bytes()[:n])
			s.End += n
			next.Start += n
			deficit -= n
		}
	}
}

// handoffRelay forwards a packet not addressed to this node, or discards it
// when no relay is wired.
func (v *VL1) handoffRelay(ctx context.Context, path *topology.Path, dest identity.Address, data *buf.Buf, length int) {
	if v.relay == nil {
		data.Done()
		return
	}
	v.relay.Relay(ctx, path, dest, data, length)
}

// drop reports one discarded packet to the tracer.
func (v *VL1) drop(code uint32, packetID uint64, peer *topology.Peer, path *topology.Path,
	hops byte, verb protocol.Verb, reason DropReason) {

	var peerID *identity.Identity
	if peer != nil {
		peerID = peer.Identity()
	}
	v.t.IncomingPacketDropped(code, packetID, peerID, path.Address(), hops, verb, reason)
}
