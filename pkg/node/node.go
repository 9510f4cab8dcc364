// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package node assembles a runnable overlay node: UDP sockets feeding the
// VL1 ingress, the topology, periodic HELLOs to configured peers, and the
// ambient services (clock, rate gate, self-awareness, tracing).
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
	"github.com/vlmesh/vlmesh-go/pkg/vl1"
)

// PeerSpec names a peer the node contacts on its own: its full public
// identity and a static endpoint.
type PeerSpec struct {
	Identity *identity.Identity
	Endpoint *net.UDPAddr
	Root     bool
}

// Config assembles everything a Node needs.
type Config struct {
	Identity *identity.Identity

	// Listen is the list of UDP listen addresses, e.g. "0.0.0.0:9993".
	Listen []string

	Peers        []PeerSpec
	TrustedPaths []topology.TrustedPath

	// IdentityCachePath enables the persistent identity cache when set.
	IdentityCachePath string

	// DropLogPath enables the compressed drop-audit log when set.
	DropLogPath string

	Metadata protocol.Dictionary

	// HelloInterval is the re-HELLO cadence for configured peers. Zero means
	// the one-minute default.
	HelloInterval time.Duration
}

type udpSocket struct {
	id   int64
	conn *net.UDPConn
}

// Node owns all components of a running overlay node.
type Node struct {
	id    *identity.Identity
	topo  *topology.Topology
	vl1   *vl1.VL1
	trace *Tracer
	sa    *SelfAwareness
	cache *topology.IdentityCache
	gate  *rateGate

	sockets []*udpSocket
	peers   []PeerSpec

	helloInterval time.Duration
	started       time.Time

	wg      sync.WaitGroup
	stopSyn chan struct{}
	stopped bool
	stopMtx sync.Mutex
}

// New builds and starts a Node: sockets are bound, read loops and the HELLO
// ticker are running when it returns.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil || !cfg.Identity.HasPrivate() {
		return nil, fmt.Errorf("node: configuration lacks a private identity")
	}
	if len(cfg.Listen) == 0 {
		return nil, fmt.Errorf("node: no listen addresses")
	}

	trace, err := NewTracer(cfg.DropLogPath)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:            cfg.Identity,
		trace:         trace,
		sa:            NewSelfAwareness(),
		gate:          newRateGate(),
		peers:         cfg.Peers,
		helloInterval: cfg.HelloInterval,
		started:       time.Now(),
		stopSyn:       make(chan struct{}),
	}
	if n.helloInterval <= 0 {
		n.helloInterval = time.Minute
	}

	if cfg.IdentityCachePath != "" {
		if n.cache, err = topology.OpenIdentityCache(cfg.IdentityCachePath); err != nil {
			trace.Close()
			return nil, err
		}
	}

	n.topo = topology.New(cfg.Identity, n, n.cache)
	n.topo.SetTrustedPaths(cfg.TrustedPaths)

	var roots []identity.Address
	for _, p := range cfg.Peers {
		if p.Root {
			roots = append(roots, p.Identity.Address())
		}
	}
	n.topo.SetRoots(roots)

	n.vl1 = vl1.New(vl1.Config{
		LocalIdentity: cfg.Identity,
		Topology:      n.topo,
		Node:          n,
		Tracer:        trace,
		Relay:         &relay{topo: n.topo, node: n},
		SelfAwareness: n.sa,
		Metadata:      cfg.Metadata,
	})

	for i, addr := range cfg.Listen {
		udpAddr, aErr := net.ResolveUDPAddr("udp", addr)
		if aErr != nil {
			n.closeSockets()
			trace.Close()
			return nil, aErr
		}
		conn, lErr := net.ListenUDP("udp", udpAddr)
		if lErr != nil {
			n.closeSockets()
			trace.Close()
			return nil, lErr
		}

		sock := &udpSocket{id: int64(i), conn: conn}
		n.sockets = append(n.sockets, sock)

		n.wg.Add(1)
		go n.readLoop(sock)

		log.WithFields(log.Fields{
			"socket":  sock.id,
			"address": conn.LocalAddr(),
		}).Info("Listening")
	}

	n.wg.Add(1)
	go n.helloLoop()

	log.WithFields(log.Fields{
		"address": cfg.Identity.Address(),
	}).Info("Node is up")

	return n, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity { return n.id }

// Topology returns the node's topology.
func (n *Node) Topology() *topology.Topology { return n.topo }

// Tracer returns the node's tracer.
func (n *Node) Tracer() *Tracer { return n.trace }

// SelfAwareness returns the node's surface address tracker.
func (n *Node) SelfAwareness() *SelfAwareness { return n.sa }

// Started returns the node's start time.
func (n *Node) Started() time.Time { return n.started }

// VL1 returns the packet core, mainly for tests and tooling.
func (n *Node) VL1() *vl1.VL1 { return n.vl1 }

// Now implements vl1.Node.
func (n *Node) Now() int64 {
	return time.Now().UnixMilli()
}

// RateGateIdentityVerification implements vl1.Node.
func (n *Node) RateGateIdentityVerification(now int64, from *net.UDPAddr) bool {
	return n.gate.allow(now, from, identityVerifyInterval)
}

// WriteTo implements topology.SocketWriter.
func (n *Node) WriteTo(localSocket int64, addr *net.UDPAddr, b []byte) error {
	if localSocket < 0 || int(localSocket) >= len(n.sockets) {
		return fmt.Errorf("node: no such socket %d", localSocket)
	}
	_, err := n.sockets[localSocket].conn.WriteToUDP(b, addr)
	return err
}

// DiscoveredPeer introduces a peer found via LAN discovery: it gets a HELLO
// unless it is already live.
func (n *Node) DiscoveredPeer(id *identity.Identity, endpoint *net.UDPAddr) {
	if id.Address() == n.id.Address() || n.topo.Get(id.Address()) != nil {
		return
	}

	path := n.topo.GetPath(0, endpoint)
	if err := n.vl1.SendHello(context.Background(), id, path); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": id.Address(),
		}).Warn("Failed to greet discovered peer")
	}
}

// SetTrustedPaths forwards a hot-reloaded trusted path table.
func (n *Node) SetTrustedPaths(paths []topology.TrustedPath) {
	n.topo.SetTrustedPaths(paths)
}

func (n *Node) readLoop(sock *udpSocket) {
	defer n.wg.Done()

	ctx := context.Background()
	for {
		b := buf.Get()
		length, fromAddr, err := sock.conn.ReadFromUDP(b.B[:])
		if err != nil {
			b.Done()
			select {
			case <-n.stopSyn:
				return
			default:
			}
			log.WithError(err).WithFields(log.Fields{
				"socket": sock.id,
			}).Warn("Socket read failed")
			return
		}

		n.vl1.OnRemotePacket(ctx, sock.id, fromAddr, b, length)
	}
}

// helloLoop keeps configured peers greeted: immediately at start, then on
// every tick for peers that have not been heard from recently.
func (n *Node) helloLoop() {
	defer n.wg.Done()

	tick := time.NewTicker(n.helloInterval)
	defer tick.Stop()

	n.sendHellos()
	for {
		select {
		case <-n.stopSyn:
			return
		case <-tick.C:
			n.sendHellos()
		}
	}
}

func (n *Node) sendHellos() {
	ctx := context.Background()
	now := n.Now()

	for _, spec := range n.peers {
		if peer := n.topo.Get(spec.Identity.Address()); peer != nil {
			if now-peer.LastReceived() < 2*n.helloInterval.Milliseconds() {
				continue
			}
		}

		path := n.topo.GetPath(0, spec.Endpoint)
		if err := n.vl1.SendHello(ctx, spec.Identity, path); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"peer": spec.Identity.Address(),
			}).Warn("Failed to send HELLO")
		}
	}
}

func (n *Node) closeSockets() {
	for _, s := range n.sockets {
		s.conn.Close()
	}
}

// Close shuts the node down and releases every component. Errors are
// aggregated rather than masking one another.
func (n *Node) Close() error {
	n.stopMtx.Lock()
	if n.stopped {
		n.stopMtx.Unlock()
		return nil
	}
	n.stopped = true
	n.stopMtx.Unlock()

	close(n.stopSyn)

	var result *multierror.Error
	for _, s := range n.sockets {
		if err := s.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.wg.Wait()

	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := n.trace.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	log.Info("Node has shut down")
	return result.ErrorOrNil()
}
