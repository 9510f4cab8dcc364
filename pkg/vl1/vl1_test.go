// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vl1

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/crypto"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

type testNode struct {
	now      int64
	gateOpen bool
}

func (n *testNode) Now() int64 { return n.now }

func (n *testNode) RateGateIdentityVerification(int64, *net.UDPAddr) bool { return n.gateOpen }

type dropRecord struct {
	code     uint32
	packetID uint64
	verb     protocol.Verb
	reason   DropReason
}

type testTracer struct {
	mtx   sync.Mutex
	drops []dropRecord
	errs  []string
}

func (tr *testTracer) IncomingPacketDropped(code uint32, packetID uint64, _ *identity.Identity,
	_ *net.UDPAddr, _ byte, verb protocol.Verb, reason DropReason) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.drops = append(tr.drops, dropRecord{code: code, packetID: packetID, verb: verb, reason: reason})
}

func (tr *testTracer) UnexpectedError(_ uint32, msg string) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.errs = append(tr.errs, msg)
}

func (tr *testTracer) dropCount() int {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	return len(tr.drops)
}

func (tr *testTracer) lastDrop(t *testing.T) dropRecord {
	t.Helper()
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	if len(tr.drops) == 0 {
		t.Fatal("no drops recorded")
	}
	return tr.drops[len(tr.drops)-1]
}

type sentPacket struct {
	socket int64
	addr   *net.UDPAddr
	b      []byte
}

type testWriter struct {
	mtx     sync.Mutex
	sent    []sentPacket
	deliver func(localSocket int64, addr *net.UDPAddr, b []byte)
}

func (w *testWriter) WriteTo(localSocket int64, addr *net.UDPAddr, b []byte) error {
	cp := append([]byte(nil), b...)
	w.mtx.Lock()
	w.sent = append(w.sent, sentPacket{socket: localSocket, addr: addr, b: cp})
	deliver := w.deliver
	w.mtx.Unlock()

	if deliver != nil {
		deliver(localSocket, addr, cp)
	}
	return nil
}

func (w *testWriter) sentPackets() []sentPacket {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]sentPacket(nil), w.sent...)
}

type testVL2 struct {
	mtx    sync.Mutex
	frames [][]byte
}

func (l *testVL2) HandleFrame(_ context.Context, _ *topology.Path, _ *topology.Peer, pkt []byte, packetSize int, authenticated bool) {
	if !authenticated {
		return
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.frames = append(l.frames, append([]byte(nil), pkt[protocol.PayloadStart:packetSize]...))
}

func (l *testVL2) HandleExtFrame(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {}
func (l *testVL2) HandleMulticastLike(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}
func (l *testVL2) HandleNetworkCredentials(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}
func (l *testVL2) HandleNetworkConfigRequest(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}
func (l *testVL2) HandleNetworkConfig(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}
func (l *testVL2) HandleMulticastGather(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}
func (l *testVL2) HandleMulticastFrameDeprecated(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}
func (l *testVL2) HandleMulticast(context.Context, *topology.Path, *topology.Peer, []byte, int, bool) {
}

func (l *testVL2) frameCount() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.frames)
}

type testSelfAwareness struct {
	mtx     sync.Mutex
	reports []protocol.InetAddress
}

func (sa *testSelfAwareness) Iam(_ context.Context, _ *identity.Identity, _ int64,
	_ *net.UDPAddr, surface protocol.InetAddress, _ bool, _ int64) {
	sa.mtx.Lock()
	defer sa.mtx.Unlock()
	sa.reports = append(sa.reports, surface)
}

type testRelay struct {
	mtx   sync.Mutex
	dests []identity.Address
}

func (r *testRelay) Relay(_ context.Context, _ *topology.Path, dest identity.Address, data *buf.Buf, _ int) {
	r.mtx.Lock()
	r.dests = append(r.dests, dest)
	r.mtx.Unlock()
	data.Done()
}

type harness struct {
	id     *identity.Identity
	topo   *topology.Topology
	node   *testNode
	tracer *testTracer
	writer *testWriter
	vl2    *testVL2
	sa     *testSelfAwareness
	relay  *testRelay
	v      *VL1
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		id:     id,
		node:   &testNode{now: 1_000_000, gateOpen: true},
		tracer: &testTracer{},
		writer: &testWriter{},
		vl2:    &testVL2{},
		sa:     &testSelfAwareness{},
		relay:  &testRelay{},
	}
	h.topo = topology.New(id, h.writer, nil)
	h.v = New(Config{
		LocalIdentity: id,
		Topology:      h.topo,
		Node:          h.node,
		Tracer:        h.tracer,
		VL2:           h.vl2,
		Relay:         h.relay,
		SelfAwareness: h.sa,
		Metadata:      protocol.Dictionary{protocol.DictKeySoftwareVersion: "0.4.2"},
	})
	return h
}

func (h *harness) inject(from *net.UDPAddr, wire []byte) {
	b := buf.Get()
	copy(b.B[:], wire)
	h.v.OnRemotePacket(context.Background(), 0, from, b, len(wire))
}

// learn registers remote as a live peer of h, as if a HELLO exchange had
// happened, and returns the peer.
func (h *harness) learn(t *testing.T, remote *identity.Identity) *topology.Peer {
	t.Helper()
	p, err := topology.NewPeer(h.id, remote)
	if err != nil {
		t.Fatal(err)
	}
	return h.topo.Add(p)
}

// buildPacket assembles and armors a packet addressed to dest.
func buildPacket(t *testing.T, source *identity.Identity, dest identity.Address,
	verb protocol.Verb, payload, key []byte, suite byte) []byte {
	t.Helper()

	pkt := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(pkt)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(dest)
	hdr.SetSource(source.Address())
	hdr.SetFlags(0)
	hdr.SetVerb(verb)

	size := protocol.PayloadStart + copy(pkt[protocol.PayloadStart:], payload)
	if err := protocol.Armor(pkt, size, key, suite); err != nil {
		t.Fatal(err)
	}
	return pkt[:size]
}

// dearmor verifies and decrypts a captured outbound packet.
func dearmor(t *testing.T, wire, key []byte) []byte {
	t.Helper()

	cp := append([]byte(nil), wire...)
	hdr := protocol.Header(cp)
	s20, macKey := protocol.PacketKeys(key, hdr, len(cp))

	tag := crypto.Poly1305Tag(cp[protocol.EncryptedSectionStart:], macKey[:])
	if !bytes.Equal(hdr.MAC(), tag[:8]) {
		t.Fatal("outbound packet MAC verification failed")
	}
	if hdr.Cipher() == protocol.CipherPoly1305Salsa2012 {
		s20.Crypt(cp[protocol.EncryptedSectionStart:], cp[protocol.EncryptedSectionStart:])
	}
	return cp
}

var testAddr = &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 9993}

func TestKeepalive(t *testing.T) {
	h := newHarness(t)

	h.inject(testAddr, []byte{0, 0, 0, 0})

	if h.tracer.dropCount() != 0 {
		t.Fatal("keepalive produced a drop")
	}
	if len(h.writer.sentPackets()) != 0 {
		t.Fatal("keepalive produced a send")
	}
	if h.topo.GetPath(0, testAddr).LastReceived() != h.node.now {
		t.Fatal("keepalive did not stamp the path")
	}
}

func TestRelayForeignDestination(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()

	foreign := identity.Address(0x0102030405)
	key := make([]byte, 48)
	wire := buildPacket(t, sender, foreign, protocol.VerbFrame, []byte("x"), key, protocol.CipherPoly1305None)

	h.inject(testAddr, wire)

	if len(h.relay.dests) != 1 || h.relay.dests[0] != foreign {
		t.Fatalf("expected one relay to %v, got %v", foreign, h.relay.dests)
	}
	if h.tracer.dropCount() != 0 || h.vl2.frameCount() != 0 {
		t.Fatal("foreign packet was processed locally")
	}

	// Fragment continuations relay by their own header.
	frag := make([]byte, 64)
	fh := protocol.FragmentHeader(frag)
	fh.SetPacketID(7)
	fh.SetDestination(foreign)
	fh.SetCounts(1, 2)

	h.inject(testAddr, frag)
	if len(h.relay.dests) != 2 {
		t.Fatal("fragment for foreign destination was not relayed")
	}
}

func TestSelfLoopDropped(t *testing.T) {
	h := newHarness(t)

	wire := buildPacket(t, h.id, h.id.Address(), protocol.VerbFrame, []byte("x"),
		make([]byte, 48), protocol.CipherPoly1305None)
	h.inject(testAddr, wire)

	if h.vl2.frameCount() != 0 || len(h.writer.sentPackets()) != 0 {
		t.Fatal("self-addressed packet was processed")
	}
}

func TestUnknownSenderWhoisFlow(t *testing.T) {
	h := newHarness(t)

	// A learned root with a live path.
	rootID, _ := identity.Generate()
	rootAddr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 9993}
	h.topo.SetRoots([]identity.Address{rootID.Address()})
	root := h.learn(t, rootID)
	root.AddPath(h.topo.GetPath(0, rootAddr))

	// A FRAME from an unknown sender under the encrypting suite.
	stranger, _ := identity.Generate()
	strangerKey, err := stranger.Agree(h.id)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("parked until WHOIS resolves")
	wire := buildPacket(t, stranger, h.id.Address(), protocol.VerbFrame, payload,
		strangerKey, protocol.CipherPoly1305Salsa2012)

	strangerAddr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 99), Port: 31337}
	h.inject(strangerAddr, wire)

	if h.vl2.frameCount() != 0 {
		t.Fatal("packet from unknown sender was dispatched")
	}

	sent := h.writer.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one WHOIS request, got %d sends", len(sent))
	}
	if sent[0].addr.String() != rootAddr.String() {
		t.Fatalf("WHOIS sent to %v, not the root", sent[0].addr)
	}

	req := dearmor(t, sent[0].b, root.Key())
	reqHdr := protocol.Header(req)
	if reqHdr.Verb() != protocol.VerbWhois {
		t.Fatalf("expected WHOIS, got %v", reqHdr.Verb())
	}
	if !bytes.Contains(req[protocol.PayloadStart:], stranger.Address().Bytes()) {
		t.Fatal("WHOIS request does not name the unknown address")
	}

	// The root answers with the stranger's identity; the parked FRAME must
	// then flow through the ordinary ingress.
	reply := make([]byte, protocol.MaxPacketLength)
	rh := protocol.Header(reply)
	rh.SetPacketID(protocol.NewPacketID())
	rh.SetDestination(h.id.Address())
	rh.SetSource(rootID.Address())
	rh.SetFlags(0)
	rh.SetVerb(protocol.VerbOK)
	protocol.OK(reply).SetInRe(protocol.VerbWhois, reqHdr.PacketID())
	size := protocol.OKFixedSize + copy(reply[protocol.OKFixedSize:], stranger.Marshal(nil))
	if err := protocol.Armor(reply, size, root.Key(), protocol.CipherPoly1305Salsa2012); err != nil {
		t.Fatal(err)
	}
	h.inject(rootAddr, reply[:size])

	if h.topo.Get(stranger.Address()) == nil {
		t.Fatal("OK(WHOIS) did not teach the stranger's identity")
	}
	if h.vl2.frameCount() != 1 {
		t.Fatalf("expected the parked FRAME to be re-injected, got %d frames", h.vl2.frameCount())
	}
	if !bytes.Equal(h.vl2.frames[0], payload) {
		t.Fatal("re-injected payload differs")
	}
}

func TestHelloExchange(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)

	addrA := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9993}
	addrB := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 9993}

	a.writer.deliver = func(_ int64, addr *net.UDPAddr, wire []byte) {
		if addr.String() == addrB.String() {
			b.inject(addrA, wire)
		}
	}
	b.writer.deliver = func(_ int64, addr *net.UDPAddr, wire []byte) {
		if addr.String() == addrA.String() {
			a.inject(addrB, wire)
		}
	}

	// A only knows B's public identity.
	bPublic, _, err := identity.UnmarshalIdentity(b.id.Marshal(nil))
	if err != nil {
		t.Fatal(err)
	}

	if err := a.v.SendHello(context.Background(), bPublic, a.topo.GetPath(0, addrB)); err != nil {
		t.Fatal(err)
	}

	peerA := b.topo.Get(a.id.Address())
	if peerA == nil {
		t.Fatal("B did not learn A")
	}
	peerB := a.topo.Get(b.id.Address())
	if peerB == nil {
		t.Fatal("A did not create a peer for B")
	}

	// Round-trip law: both ends derived the bit-identical session key.
	if !bytes.Equal(peerA.Key(), peerB.Key()) {
		t.Fatal("session keys disagree")
	}

	// B saw the HELLO at zero hops carrying a surface address, so it must
	// have reported it.
	b.sa.mtx.Lock()
	reports := len(b.sa.reports)
	var surface protocol.InetAddress
	if reports > 0 {
		surface = b.sa.reports[0]
	}
	b.sa.mtx.Unlock()
	if reports != 1 {
		t.Fatalf("expected one surface report, got %d", reports)
	}
	if surface.String() != addrB.String() {
		t.Fatalf("surface address %v, expected %v", surface, addrB)
	}

	// The OK(HELLO) reached A and carried B's version triple.
	proto, _, _, _ := peerB.RemoteVersion()
	if proto != protocol.Version {
		t.Fatalf("A recorded protocol version %d from OK(HELLO)", proto)
	}

	if a.tracer.dropCount() != 0 || b.tracer.dropCount() != 0 {
		t.Fatalf("handshake produced drops: %v / %v", a.tracer.drops, b.tracer.drops)
	}
}

func TestHelloVersionFloor(t *testing.T) {
	// A HELLO without the HMAC layer: fine for a v10 peer, a MAC failure for
	// a v11 one.
	tests := []struct {
		name    string
		version byte
		learned bool
		reason  DropReason
	}{
		{"v10-grandfathered", 10, true, 0},
		{"v11-requires-hmac", 11, false, DropMACFailed},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			sender, _ := identity.Generate()
			key, err := sender.Agree(h.id)
			if err != nil {
				t.Fatal(err)
			}

			pkt := make([]byte, protocol.MaxPacketLength)
			hdr := protocol.Header(pkt)
			hdr.SetPacketID(protocol.NewPacketID())
			hdr.SetDestination(h.id.Address())
			hdr.SetSource(sender.Address())
			hdr.SetFlags(0)
			hdr.SetVerb(protocol.VerbHello)

			hello := protocol.Hello(pkt)
			hello.SetVersions(test.version, 0, 0, 0)
			hello.SetTimestamp(12345)

			size := protocol.HelloFixedSize + copy(pkt[protocol.HelloFixedSize:], sender.Marshal(nil))
			if err := protocol.Armor(pkt, size, key, protocol.CipherPoly1305None); err != nil {
				t.Fatal(err)
			}
			h.inject(testAddr, pkt[:size])

			if got := h.topo.Get(sender.Address()) != nil; got != test.learned {
				t.Fatalf("peer learned = %v, expected %v", got, test.learned)
			}
			if test.reason != 0 {
				if drop := h.tracer.lastDrop(t); drop.reason != test.reason {
					t.Fatalf("expected %v, got %v", test.reason, drop.reason)
				}
			} else if h.tracer.dropCount() != 0 {
				t.Fatalf("unexpected drops: %v", h.tracer.drops)
			}
		})
	}
}

func TestHelloTooOld(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	key, _ := sender.Agree(h.id)

	pkt := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(pkt)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(h.id.Address())
	hdr.SetSource(sender.Address())
	hdr.SetVerb(protocol.VerbHello)
	protocol.Hello(pkt).SetVersions(protocol.VersionMin-1, 0, 0, 0)

	size := protocol.HelloFixedSize + copy(pkt[protocol.HelloFixedSize:], sender.Marshal(nil))
	if err := protocol.Armor(pkt, size, key, protocol.CipherPoly1305None); err != nil {
		t.Fatal(err)
	}
	h.inject(testAddr, pkt[:size])

	if drop := h.tracer.lastDrop(t); drop.reason != DropPeerTooOld {
		t.Fatalf("expected PEER_TOO_OLD, got %v", drop.reason)
	}
}

func TestHelloRateLimited(t *testing.T) {
	h := newHarness(t)
	h.node.gateOpen = false

	sender, _ := identity.Generate()
	key, _ := sender.Agree(h.id)

	pkt := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(pkt)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(h.id.Address())
	hdr.SetSource(sender.Address())
	hdr.SetVerb(protocol.VerbHello)
	protocol.Hello(pkt).SetVersions(10, 0, 0, 0)

	size := protocol.HelloFixedSize + copy(pkt[protocol.HelloFixedSize:], sender.Marshal(nil))
	if err := protocol.Armor(pkt, size, key, protocol.CipherPoly1305None); err != nil {
		t.Fatal(err)
	}
	h.inject(testAddr, pkt[:size])

	if drop := h.tracer.lastDrop(t); drop.reason != DropRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", drop.reason)
	}
	if h.topo.Get(sender.Address()) != nil {
		t.Fatal("rate-limited sender was learned")
	}
}

func TestMACFailureDropsOnce(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	peer := h.learn(t, sender)

	wire := buildPacket(t, sender, h.id.Address(), protocol.VerbFrame, []byte("payload"),
		peer.Key(), protocol.CipherPoly1305Salsa2012)
	wire[len(wire)-1] ^= 0x01

	h.inject(testAddr, wire)

	if h.vl2.frameCount() != 0 {
		t.Fatal("corrupted packet was dispatched")
	}
	if h.tracer.dropCount() != 1 {
		t.Fatalf("expected exactly one drop, got %d", h.tracer.dropCount())
	}
	if drop := h.tracer.lastDrop(t); drop.reason != DropMACFailed {
		t.Fatalf("expected MAC_FAILED, got %v", drop.reason)
	}
}

func TestTrustedPathNone(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	h.learn(t, sender)

	_, lan, _ := net.ParseCIDR("10.0.0.0/8")
	h.topo.SetTrustedPaths([]topology.TrustedPath{{ID: 77, Network: lan}})

	pkt := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(pkt)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(h.id.Address())
	hdr.SetSource(sender.Address())
	hdr.SetCipher(protocol.CipherNone)
	hdr.SetVerb(protocol.VerbFrame)
	binary.BigEndian.PutUint64(hdr.MAC(), 77)
	size := protocol.PayloadStart + copy(pkt[protocol.PayloadStart:], "over the trusted wire")

	h.inject(&net.UDPAddr{IP: net.IPv4(10, 1, 1, 1), Port: 9993}, pkt[:size])

	if h.vl2.frameCount() != 1 {
		t.Fatal("trusted-path packet was not dispatched")
	}
	if !bytes.Equal(h.vl2.frames[0], []byte("over the trusted wire")) {
		t.Fatal("trusted-path payload differs")
	}

	// Same packet from outside the trusted network is refused.
	h.inject(&net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 9993}, pkt[:size])
	if drop := h.tracer.lastDrop(t); drop.reason != DropNotTrustedPath {
		t.Fatalf("expected NOT_TRUSTED_PATH, got %v", drop.reason)
	}
	if h.vl2.frameCount() != 1 {
		t.Fatal("untrusted packet was dispatched")
	}
}

func TestCompressedRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	key, _ := sender.Agree(h.id)

	// A HELLO from an unknown sender is processed unauthenticated; with the
	// compression bit set it must be rejected before decompression.
	pkt := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(pkt)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(h.id.Address())
	hdr.SetSource(sender.Address())
	hdr.SetVerb(protocol.VerbHello)
	protocol.Hello(pkt).SetVersions(10, 0, 0, 0)
	size := protocol.HelloFixedSize + copy(pkt[protocol.HelloFixedSize:], sender.Marshal(nil))
	if err := protocol.Armor(pkt, size, key, protocol.CipherPoly1305None); err != nil {
		t.Fatal(err)
	}
	hdr.SetCompressed(true)

	h.inject(testAddr, pkt[:size])

	if drop := h.tracer.lastDrop(t); drop.reason != DropMalformedPacket {
		t.Fatalf("expected MALFORMED_PACKET, got %v", drop.reason)
	}
	if h.topo.Get(sender.Address()) != nil {
		t.Fatal("sender was learned from rejected packet")
	}
}

func TestCompressedFrameRoundTrip(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	peer := h.learn(t, sender)

	payload := bytes.Repeat([]byte("virtual ethernet frame "), 100)

	pkt := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(pkt)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(h.id.Address())
	hdr.SetSource(sender.Address())
	hdr.SetVerb(protocol.VerbFrame)
	size := protocol.PayloadStart + copy(pkt[protocol.PayloadStart:], payload)

	size = protocol.CompressPayload(pkt, size)
	if !hdr.Compressed() {
		t.Fatal("test payload did not compress")
	}
	if err := protocol.Armor(pkt, size, peer.Key(), protocol.CipherPoly1305Salsa2012); err != nil {
		t.Fatal(err)
	}

	h.inject(testAddr, pkt[:size])

	if h.vl2.frameCount() != 1 {
		t.Fatalf("expected one frame, got %d (drops: %v)", h.vl2.frameCount(), h.tracer.drops)
	}
	if !bytes.Equal(h.vl2.frames[0], payload) {
		t.Fatal("decompressed payload differs")
	}
}

func TestUnrecognizedVerb(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	peer := h.learn(t, sender)

	wire := buildPacket(t, sender, h.id.Address(), protocol.Verb(0x1f), nil,
		peer.Key(), protocol.CipherPoly1305Salsa2012)
	h.inject(testAddr, wire)

	if drop := h.tracer.lastDrop(t); drop.reason != DropUnrecognizedVerb {
		t.Fatalf("expected UNRECOGNIZED_VERB, got %v", drop.reason)
	}
}

func TestEchoAnswered(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	peer := h.learn(t, sender)

	wire := buildPacket(t, sender, h.id.Address(), protocol.VerbEcho, []byte("ping"),
		peer.Key(), protocol.CipherPoly1305Salsa2012)
	reqID := protocol.Header(wire).PacketID()

	h.inject(testAddr, wire)

	sent := h.writer.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("expected one OK(ECHO), got %d sends", len(sent))
	}

	reply := dearmor(t, sent[0].b, peer.Key())
	ok := protocol.OK(reply)
	if protocol.Header(reply).Verb() != protocol.VerbOK || ok.InReVerb() != protocol.VerbEcho {
		t.Fatal("reply is not an OK(ECHO)")
	}
	if ok.InRePacketID() != reqID {
		t.Fatal("OK(ECHO) names the wrong request")
	}
	if !bytes.Equal(reply[protocol.OKFixedSize:], []byte("ping")) {
		t.Fatal("echo payload differs")
	}
}

// A 12 KiB frame split over six fragments, delivered out of order, with a
// duplicate thrown in: one dispatch, byte-identical payload.
func TestFragmentReassemblyOutOfOrder(t *testing.T) {
	h := newHarness(t)
	sender, _ := identity.Generate()
	peer := h.learn(t, sender)

	payload := make([]byte, 12000-protocol.PayloadStart)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	full := make([]byte, protocol.MaxPacketLength)
	hdr := protocol.Header(full)
	hdr.SetPacketID(protocol.NewPacketID())
	hdr.SetDestination(h.id.Address())
	hdr.SetSource(sender.Address())
	hdr.SetFlags(protocol.FlagFragmented)
	hdr.SetVerb(protocol.VerbFrame)
	size := protocol.PayloadStart + copy(full[protocol.PayloadStart:], payload)

	if err := protocol.Armor(full, size, peer.Key(), protocol.CipherPoly1305Salsa2012); err != nil {
		t.Fatal(err)
	}

	// Head frame plus five continuations.
	const totalFragments = 6
	headLen := 2048
	rest := full[headLen:size]
	chunk := (len(rest) + totalFragments - 2) / (totalFragments - 1)

	frames := make([][]byte, totalFragments)
	frames[0] = full[:headLen]
	for i := 1; i < totalFragments; i++ {
		lo := (i - 1) * chunk
		hi := lo + chunk
		if hi > len(rest) {
			hi = len(rest)
		}

		frame := make([]byte, protocol.FragmentPayloadStart+hi-lo)
		fh := protocol.FragmentHeader(frame)
		fh.SetPacketID(hdr.PacketID())
		fh.SetDestination(h.id.Address())
		fh.SetCounts(i, totalFragments)
		copy(frame[protocol.FragmentPayloadStart:], rest[lo:hi])
		frames[i] = frame
	}

	for n, idx := range []int{3, 1, 5, 0, 4} {
		h.inject(testAddr, frames[idx])
		if h.vl2.frameCount() != 0 {
			t.Fatalf("dispatched after %d fragments", n+1)
		}
	}

	// A duplicate of an already-held fragment must not disturb completion.
	h.inject(testAddr, frames[1])

	h.inject(testAddr, frames[2])

	if h.vl2.frameCount() != 1 {
		t.Fatalf("expected one dispatch, got %d (drops: %v, errs: %v)",
			h.vl2.frameCount(), h.tracer.drops, h.tracer.errs)
	}
	if !bytes.Equal(h.vl2.frames[0], payload) {
		t.Fatal("reassembled payload differs from original")
	}
}

func TestRebalanceSlices(t *testing.T) {
	sizes := [][]int{
		{100, 100, 100},
		{27, 64, 64},
		{1, 1, 1, 500},
		{300},
		{65, 63, 130, 7},
	}

	for _, set := range sizes {
		var v buf.SliceVector
		var want []byte
		val := byte(1)

		for _, n := range set {
			b := buf.Get()
			for i := 0; i < n; i++ {
				b.B[i] = val
				want = append(want, val)
				val++
			}
			v.Push(buf.Slice{B: b, Start: 0, End: n})
		}

		rebalanceSlices(&v)

		var got []byte
		lastNonEmpty := -1
		for i := 0; i < v.Len(); i++ {
			if v.At(i).Len() > 0 {
				lastNonEmpty = i
			}
		}
		for i := 0; i < v.Len(); i++ {
			s := v.At(i)
			if i < lastNonEmpty && s.Len()%crypto.BlockSize != 0 {
				t.Fatalf("sizes %v: slice %d has length %d", set, i, s.Len())
			}
			got = append(got, s.Bytes()...)
		}

		if !bytes.Equal(got, want) {
			t.Fatalf("sizes %v: content disturbed by rebalance", set)
		}
		v.Clear()
	}
}
