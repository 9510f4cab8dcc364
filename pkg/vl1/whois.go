// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vl1

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

const (
	// whoisRetryDelay is the minimum time between WHOIS requests for the
	// same address, in milliseconds.
	whoisRetryDelay = 500

	// whoisMaxRetries bounds the lookup attempts before queued packets for
	// an address are abandoned.
	whoisMaxRetries = 4

	// whoisMaxPendingPackets bounds buffered packets per unknown address;
	// overflow discards the oldest.
	whoisMaxPendingPackets = 4

	// whoisMaxAddresses bounds the number of simultaneously pending
	// addresses.
	whoisMaxAddresses = 64
)

// pendingPacket is an assembled inbound packet parked until its sender's
// identity is known, together with the path it arrived on so it can be
// re-injected through the ordinary ingress afterwards.
type pendingPacket struct {
	pkt  buf.Slice
	path *topology.Path
}

type whoisQueueItem struct {
	packets   []pendingPacket
	lastRetry int64
	retries   int
}

// whoisQueue buffers packets from unknown senders while their identities are
// looked up at the root. The mutex guards only short enqueue/scan sections;
// sending happens outside of it.
type whoisQueue struct {
	mtx   sync.Mutex
	items map[identity.Address]*whoisQueueItem
}

func newWhoisQueue() *whoisQueue {
	return &whoisQueue{items: make(map[identity.Address]*whoisQueueItem)}
}

// enqueue parks a packet for addr. Takes ownership of the slice's buffer
// reference, including on overflow discard.
func (q *whoisQueue) enqueue(addr identity.Address, pkt buf.Slice, path *topology.Path) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	item := q.items[addr]
	if item == nil {
		if len(q.items) >= whoisMaxAddresses {
			pkt.B.Done()
			log.WithFields(log.Fields{
				"address": addr,
			}).Debug("WHOIS queue is full, dropping packet from unknown sender")
			return
		}
		item = &whoisQueueItem{}
		q.items[addr] = item
	}

	if len(item.packets) >= whoisMaxPendingPackets {
		item.packets[0].pkt.B.Done()
		item.packets = item.packets[1:]
	}
	item.packets = append(item.packets, pendingPacket{pkt: pkt, path: path})
}

// flushReady returns the addresses due for a WHOIS request, stamping their
// retry state. Addresses that exhausted their retries are removed and their
// buffered packets released.
func (q *whoisQueue) flushReady(now int64) []identity.Address {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var ready []identity.Address
	for addr, item := range q.items {
		if now-item.lastRetry < whoisRetryDelay {
			continue
		}
		if item.retries >= whoisMaxRetries {
			for _, p := range item.packets {
				p.pkt.B.Done()
			}
			delete(q.items, addr)
			log.WithFields(log.Fields{
				"address": addr,
				"retries": item.retries,
			}).Debug("WHOIS retries exhausted")
			continue
		}
		item.lastRetry = now
		item.retries++
		ready = append(ready, addr)
	}
	return ready
}

// drain removes and returns everything parked for addr. Ownership of the
// buffer references moves to the caller. Called once the address's identity
// was learned; a queue entry and a live peer never coexist.
func (q *whoisQueue) drain(addr identity.Address) []pendingPacket {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	item := q.items[addr]
	if item == nil {
		return nil
	}
	delete(q.items, addr)
	return item.packets
}

// sendPendingWhois issues WHOIS requests to the root for every address whose
// retry timer is due. Requests are armored under the root's session key and
// carry as many addresses as fit.
func (v *VL1) sendPendingWhois(ctx context.Context, now int64) {
	root := v.topo.Root()
	if root == nil {
		return
	}
	rootPath := root.Path(now)
	if rootPath == nil {
		return
	}

	toSend := v.whois.flushReady(now)
	if len(toSend) == 0 {
		return
	}

	for len(toSend) > 0 {
		out := buf.Get()
		hdr := protocol.Header(out.B[:])
		hdr.SetPacketID(protocol.NewPacketID())
		hdr.SetDestination(root.Address())
		hdr.SetSource(v.localID.Address())
		hdr.SetFlags(0)
		hdr.SetVerb(protocol.VerbWhois)

		ptr := protocol.PayloadStart
		for len(toSend) > 0 && ptr+identity.AddressLength <= protocol.MaxPacketLength {
			toSend[0].CopyTo(out.B[ptr:])
			ptr += identity.AddressLength
			toSend = toSend[1:]
		}

		if err := protocol.Armor(out.B[:], ptr, root.Key(), protocol.CipherPoly1305Salsa2012); err != nil {
			v.t.UnexpectedError(0x9106cbcf, "failed to armor WHOIS request: "+err.Error())
			out.Done()
			return
		}
		if err := rootPath.Send(ctx, out.B[:ptr], now); err != nil {
			log.WithError(err).Debug("Failed to send WHOIS request to root")
		}
		out.Done()
	}
}
