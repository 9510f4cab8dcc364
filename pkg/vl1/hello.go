// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vl1

import (
	"context"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/crypto"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// handleHello verifies a HELLO, learns or confirms the sender, reports our
// surface address and answers with OK(HELLO). HELLO is the one verb whose
// sender may be unknown: authentication establishes the identity and the
// session key in the same step.
func (v *VL1) handleHello(ctx context.Context, path *topology.Path, peer *topology.Peer,
	b []byte, packetSize int, hops byte, now int64) {

	if packetSize < protocol.HelloFixedSize {
		v.drop(0x2bdb0001, 0, peer, path, hops, protocol.VerbHello, DropMalformedPacket)
		return
	}

	ph := protocol.Header(b)
	hello := protocol.Hello(b)
	packetID := ph.PacketID()

	if hello.VersionProtocol() < protocol.VersionMin {
		v.drop(0xe8d12bad, packetID, peer, path, hops, protocol.VerbHello, DropPeerTooOld)
		return
	}

	ptr := protocol.HelloFixedSize
	id, n, err := identity.UnmarshalIdentity(b[ptr:packetSize])
	if err != nil {
		v.drop(0x707a9810, packetID, peer, path, hops, protocol.VerbHello, DropInvalidObject)
		return
	}
	ptr += n

	// An address that disagrees with the identity it rides with is
	// indistinguishable from a forgery.
	if ph.Source() != id.Address() {
		v.drop(0x06aa9ff1, packetID, nil, path, hops, protocol.VerbHello, DropMACFailed)
		return
	}

	var key []byte
	if peer != nil && id.Equal(peer.Identity()) {
		key = peer.Key()
	} else {
		peer = nil
		if key, err = v.localID.Agree(id); err != nil {
			v.drop(0x46db8010, packetID, nil, path, hops, protocol.VerbHello, DropMACFailed)
			return
		}
	}

	// First authentication layer: Poly1305 under the session key, same as
	// the POLY1305_NONE suite.
	_, macKey := protocol.PacketKeys(key, ph, packetSize)
	tag := crypto.Poly1305Tag(b[protocol.EncryptedSectionStart:packetSize], macKey[:])
	if !crypto.SecureEqual(ph.MAC(), tag[:8]) {
		v.drop(0x11bfff81, packetID, nil, path, hops, protocol.VerbHello, DropMACFailed)
		return
	}

	var surface protocol.InetAddress
	hmacAuthenticated := false

	if ptr < packetSize {
		if surface, n, err = protocol.UnmarshalInetAddress(b[ptr:packetSize]); err != nil {
			v.drop(0xf1000023, packetID, nil, path, hops, protocol.VerbHello, DropInvalidObject)
			return
		}
		ptr += n
	}

	if ptr < packetSize {
		// The remainder is veiled with Salsa20/12 under the session key; a
		// privacy measure, not a secrecy one. The nonce is the packet's
		// first eight bytes with the low bits of the last cleared.
		var iv [8]byte
		copy(iv[:], b[:8])
		iv[7] &= 0xf8
		crypto.NewSalsa2012(key[:32], iv[:]).Crypt(b[ptr:packetSize], b[ptr:packetSize])

		legacy, lErr := readUint16(b, &ptr, packetSize)
		if lErr != nil || ptr+int(legacy) > packetSize {
			v.drop(0x451f2341, packetID, nil, path, hops, protocol.VerbHello, DropMalformedPacket)
			return
		}
		ptr += int(legacy)

		if ptr < packetSize {
			dictSize, dErr := readUint16(b, &ptr, packetSize)
			if dErr != nil || ptr+int(dictSize) > packetSize {
				v.drop(0x0d0f0112, packetID, nil, path, hops, protocol.VerbHello, DropInvalidObject)
				return
			}
			dictStart := ptr
			ptr += int(dictSize)

			addl, aErr := readUint16(b, &ptr, packetSize)
			if aErr != nil || ptr+int(addl) > packetSize {
				v.drop(0x451f2342, packetID, nil, path, hops, protocol.VerbHello, DropMalformedPacket)
				return
			}
			ptr += int(addl)

			// Second authentication layer: HMAC-SHA-384 under a KBKDF
			// subkey, covering everything the legacy MAC covers up to the
			// authenticator itself.
			if ptr+crypto.SHA384Size <= packetSize {
				hmacKey := crypto.KBKDFHMACSHA384(key, protocol.KDFLabelHelloHMAC, 0)
				expect := crypto.HMACSHA384(hmacKey[:], b[protocol.EncryptedSectionStart:ptr])
				if !crypto.SecureEqual(b[ptr:ptr+crypto.SHA384Size], expect[:]) {
					v.drop(0x1000662a, packetID, nil, path, hops, protocol.VerbHello, DropMACFailed)
					return
				}
				hmacAuthenticated = true
			}

			if dictSize > 0 {
				meta, mErr := protocol.UnmarshalDictionary(b[dictStart : dictStart+int(dictSize)])
				if mErr != nil {
					v.drop(0x67192344, packetID, nil, path, hops, protocol.VerbHello, DropInvalidObject)
					return
				}
				log.WithFields(log.Fields{
					"peer":     id.Address(),
					"metadata": meta,
				}).Debug("Received HELLO metadata")
			}
		}
	}

	// Peers speaking a protocol version with the stronger layer must use it;
	// older peers are grandfathered.
	if !hmacAuthenticated && hello.VersionProtocol() >= protocol.VersionHMAC {
		v.drop(0x571feeea, packetID, nil, path, hops, protocol.VerbHello, DropMACFailed)
		return
	}

	newPeer := false
	if peer == nil {
		if !v.node.RateGateIdentityVerification(now, path.Address()) {
			v.drop(0xaffa9ff7, packetID, nil, path, hops, protocol.VerbHello, DropRateLimitExceeded)
			return
		}
		if !id.LocallyValidate() {
			v.drop(0x2ff7a909, packetID, nil, path, hops, protocol.VerbHello, DropInvalidObject)
			return
		}

		p, pErr := topology.NewPeer(v.localID, id)
		if pErr != nil {
			v.drop(0x46db8011, packetID, nil, path, hops, protocol.VerbHello, DropMACFailed)
			return
		}
		peer = v.topo.Add(p)
		newPeer = true
	}

	if hops == 0 && !surface.IsNil() && v.sa != nil {
		v.sa.Iam(ctx, id, path.LocalSocket(), path.Address(), surface, v.topo.IsRoot(id), now)
	}

	v.sendOKHello(ctx, path, peer, key, packetID, hello, now)

	peer.SetRemoteVersion(hello.VersionProtocol(), hello.VersionMajor(), hello.VersionMinor(), hello.VersionRevision())
	peer.Received(path, hops, packetID, byte(protocol.VerbHello), now)

	if newPeer {
		v.reinjectPending(ctx, peer.Address())
	}
}

// sendOKHello builds, armors and sends the OK(HELLO) reply.
func (v *VL1) sendOKHello(ctx context.Context, path *topology.Path, peer *topology.Peer,
	key []byte, inRePacketID uint64, hello protocol.Hello, now int64) {

	out := buf.Get()
	defer out.Done()

	hdr := protocol.Header(out.B[:])
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(peer.Address())
	hdr.SetSource(v.localID.Address())
	hdr.SetFlags(0)
	hdr.SetVerb(protocol.VerbOK)

	ok := protocol.OK(out.B[:])
	ok.SetInRe(protocol.VerbHello, inRePacketID)
	ok.SetHelloReply(hello.Timestamp(), protocol.Version,
		protocol.VersionMajor, protocol.VersionMinor, protocol.VersionRevision)

	ptr := protocol.OKHelloFixedSize
	wire := protocol.FromUDPAddr(path.Address()).Marshal(nil)
	ptr += copy(out.B[ptr:], wire)

	if hello.VersionProtocol() >= protocol.VersionHMAC {
		meta, err := v.metadata.MarshalBinary()
		if err != nil || ptr+2+2+len(meta)+2+crypto.SHA384Size > protocol.MaxPacketLength {
			v.t.UnexpectedError(0x4bd11da1, "cannot encode OK(HELLO) metadata")
			return
		}

		writeUint16(out.B[:], &ptr, 0) // legacy field, always 0
		writeUint16(out.B[:], &ptr, uint16(len(meta)))
		ptr += copy(out.B[ptr:], meta)
		writeUint16(out.B[:], &ptr, 0) // additional fields, currently 0

		hmacKey := crypto.KBKDFHMACSHA384(key, protocol.KDFLabelHelloHMAC, 1)
		hmac := crypto.HMACSHA384(hmacKey[:], out.B[protocol.OKFixedSize:ptr])
		ptr += copy(out.B[ptr:], hmac[:])
	}

	if err := protocol.Armor(out.B[:], ptr, key, protocol.CipherPoly1305Salsa2012); err != nil {
		v.t.UnexpectedError(0x4bd11da2, "failed to armor OK(HELLO): "+err.Error())
		return
	}
	if err := path.Send(ctx, out.B[:ptr], now); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": peer.Address(),
		}).Debug("Failed to send OK(HELLO)")
	}
}

// SendHello introduces this node to a peer whose identity is already known,
// e.g. from configuration or LAN discovery. The HELLO travels MAC-only so
// the receiver can verify it before any session state exists.
func (v *VL1) SendHello(ctx context.Context, toID *identity.Identity, path *topology.Path) error {
	key, err := v.localID.Agree(toID)
	if err != nil {
		return err
	}
	now := v.node.Now()

	// The agreement succeeded, so the contacted node may become a peer right
	// away; its OK(HELLO) then verifies under the session key.
	if v.topo.Get(toID.Address()) == nil {
		if p, pErr := topology.NewPeer(v.localID, toID); pErr == nil {
			peer := v.topo.Add(p)
			peer.AddPath(path)
			v.reinjectPending(ctx, toID.Address())
		}
	}

	out := buf.Get()
	defer out.Done()

	hdr := protocol.Header(out.B[:])
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(toID.Address())
	hdr.SetSource(v.localID.Address())
	hdr.SetFlags(0)
	hdr.SetVerb(protocol.VerbHello)

	hello := protocol.Hello(out.B[:])
	hello.SetVersions(protocol.Version, protocol.VersionMajor, protocol.VersionMinor, protocol.VersionRevision)
	hello.SetTimestamp(uint64(now))

	ptr := protocol.HelloFixedSize
	ptr += copy(out.B[ptr:], v.localID.Marshal(nil))

	wire := protocol.FromUDPAddr(path.Address()).Marshal(nil)
	ptr += copy(out.B[ptr:], wire)

	// Extension block: plaintext first, HMAC appended, then the whole block
	// veiled with Salsa20/12.
	extStart := ptr

	meta, err := v.metadata.MarshalBinary()
	if err != nil {
		return err
	}
	writeUint16(out.B[:], &ptr, 0)
	writeUint16(out.B[:], &ptr, uint16(len(meta)))
	ptr += copy(out.B[ptr:], meta)
	writeUint16(out.B[:], &ptr, 0)

	hmacKey := crypto.KBKDFHMACSHA384(key, protocol.KDFLabelHelloHMAC, 0)
	hmac := crypto.HMACSHA384(hmacKey[:], out.B[protocol.EncryptedSectionStart:ptr])
	ptr += copy(out.B[ptr:], hmac[:])

	var iv [8]byte
	copy(iv[:], out.B[:8])
	iv[7] &= 0xf8
	crypto.NewSalsa2012(key[:32], iv[:]).Crypt(out.B[extStart:ptr], out.B[extStart:ptr])

	if err := protocol.Armor(out.B[:], ptr, key, protocol.CipherPoly1305None); err != nil {
		return err
	}
	return path.Send(ctx, out.B[:ptr], now)
}

// reinjectPending replays packets that were parked for addr while its
// identity was unknown, feeding them through the ordinary ingress path.
func (v *VL1) reinjectPending(ctx context.Context, addr identity.Address) {
	for _, pending := range v.whois.drain(addr) {
		log.WithFields(log.Fields{
			"address": addr,
		}).Debug("Re-injecting packet parked for WHOIS")

		v.OnRemotePacket(ctx, pending.path.LocalSocket(), pending.path.Address(),
			pending.pkt.B, pending.pkt.End)
	}
}

func readUint16(b []byte, ptr *int, size int) (uint16, error) {
	if *ptr+2 > size {
		return 0, errTruncated
	}
	val := binary.BigEndian.Uint16(b[*ptr:])
	*ptr += 2
	return val, nil
}

func writeUint16(b []byte, ptr *int, val uint16) {
	binary.BigEndian.PutUint16(b[*ptr:], val)
	*ptr += 2
}

var errTruncated = &truncatedError{}

type truncatedError struct{}

func (*truncatedError) Error() string { return "truncated field" }
