// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vl1

import (
	"sync"

	"github.com/vlmesh/vlmesh-go/pkg/buf"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// AssembleResult is the outcome of feeding one fragment to the Defragmenter.
type AssembleResult int

const (
	// AssembleComplete means the packet is whole; its slices were written to
	// the output vector and the assembly record was deleted.
	AssembleComplete AssembleResult = iota

	// AssembleOK means the fragment was stored and more are outstanding.
	AssembleOK

	// ErrDuplicateFragment rejects a fragment whose index is already held;
	// the first arrival wins so retransmissions are idempotent.
	ErrDuplicateFragment

	// ErrInvalidFragment rejects out-of-range indexes and total counts that
	// disagree with what an earlier fragment announced.
	ErrInvalidFragment

	// ErrTooManyFragmentsForPath means the per-path assembly budget was hit;
	// the oldest assembly on the path was evicted to admit this fragment.
	ErrTooManyFragmentsForPath
)

type assemblyKey struct {
	path     *topology.Path
	packetID uint64
}

type assembly struct {
	slices    [protocol.MaxPacketFragments]buf.Slice
	have      uint16
	total     int
	received  int
	firstSeen int64
}

const defragShards = 16

type defragShard struct {
	mtx        sync.Mutex
	assemblies map[assemblyKey]*assembly
}

// Defragmenter reassembles fragmented packets keyed by (path, packet ID).
// Distinct keys are spread over shards and proceed in parallel; a per-path
// budget bounds memory regardless of traffic.
type Defragmenter struct {
	shards [defragShards]defragShard

	pathMtx sync.Mutex
	byPath  map[*topology.Path][]assemblyKey
}

// NewDefragmenter creates an empty Defragmenter.
func NewDefragmenter() *Defragmenter {
	d := &Defragmenter{byPath: make(map[*topology.Path][]assemblyKey)}
	for i := range d.shards {
		d.shards[i].assemblies = make(map[assemblyKey]*assembly)
	}
	return d
}

func (d *Defragmenter) shard(key assemblyKey) *defragShard {
	return &d.shards[key.packetID%defragShards]
}

// Assemble feeds one fragment. fragment is the payload slice of the frame
// (for the head of a series: the whole frame, which doubles as fragment
// zero). totalFragments is zero when the frame does not announce a count,
// which is the case for heads; the count is adopted from whichever fragment
// first carries it. On AssembleComplete all slices are moved into out in
// ascending fragment order and the caller owns their buffer references; on
// AssembleOK and ErrTooManyFragmentsForPath the Defragmenter keeps the
// reference; on the remaining errors the caller keeps it.
func (d *Defragmenter) Assemble(packetID uint64, out *buf.SliceVector, fragment buf.Slice,
	fragmentNo, totalFragments int, now int64, path *topology.Path, maxPerPath int) AssembleResult {

	if fragmentNo >= protocol.MaxPacketFragments || totalFragments > protocol.MaxPacketFragments {
		return ErrInvalidFragment
	}
	if totalFragments != 0 && fragmentNo >= totalFragments {
		return ErrInvalidFragment
	}

	key := assemblyKey{path: path, packetID: packetID}
	shard := d.shard(key)

	shard.mtx.Lock()
	a := shard.assemblies[key]

	evicted := false
	if a == nil {
		// Admitting a new key; enforce the per-path budget first.
		shard.mtx.Unlock()
		evicted = d.trackPath(key, maxPerPath)
		shard.mtx.Lock()

		if a = shard.assemblies[key]; a == nil {
			a = &assembly{firstSeen: now}
			shard.assemblies[key] = a
		}
	}

	if totalFragments != 0 {
		if a.total != 0 && a.total != totalFragments {
			shard.mtx.Unlock()
			return ErrInvalidFragment
		}
		a.total = totalFragments
	}
	if a.total != 0 && fragmentNo >= a.total {
		shard.mtx.Unlock()
		return ErrInvalidFragment
	}

	if a.have&(1<<fragmentNo) != 0 {
		shard.mtx.Unlock()
		return ErrDuplicateFragment
	}
	a.have |= 1 << fragmentNo
	a.slices[fragmentNo] = fragment
	a.received++

	if a.total == 0 || a.received < a.total {
		shard.mtx.Unlock()
		if evicted {
			return ErrTooManyFragmentsForPath
		}
		return AssembleOK
	}

	// Whole: hand the slices over in order and forget the assembly.
	delete(shard.assemblies, key)
	for i := 0; i < a.total; i++ {
		out.Push(a.slices[i])
	}
	shard.mtx.Unlock()

	d.untrackPath(key)
	return AssembleComplete
}

// trackPath registers a new assembly key for its path, evicting the path's
// oldest assembly when the budget is exceeded. Reports whether an eviction
// happened.
func (d *Defragmenter) trackPath(key assemblyKey, maxPerPath int) bool {
	var victim assemblyKey
	evict := false

	d.pathMtx.Lock()
	keys := d.byPath[key.path]
	for _, k := range keys {
		if k == key {
			d.pathMtx.Unlock()
			return false
		}
	}
	if len(keys) >= maxPerPath && maxPerPath > 0 {
		victim = keys[0]
		keys = keys[1:]
		evict = true
	}
	d.byPath[key.path] = append(keys, key)
	d.pathMtx.Unlock()

	if evict {
		d.dropAssembly(victim)
	}
	return evict
}

// untrackPath removes a completed or dropped key from its path's list.
func (d *Defragmenter) untrackPath(key assemblyKey) {
	d.pathMtx.Lock()
	keys := d.byPath[key.path]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(d.byPath, key.path)
	} else {
		d.byPath[key.path] = keys
	}
	d.pathMtx.Unlock()
}

// dropAssembly deletes an assembly and releases its buffers.
func (d *Defragmenter) dropAssembly(key assemblyKey) {
	shard := d.shard(key)

	shard.mtx.Lock()
	a := shard.assemblies[key]
	delete(shard.assemblies, key)
	shard.mtx.Unlock()

	if a != nil {
		for i := range a.slices {
			if a.have&(1<<i) != 0 && a.slices[i].B != nil {
				a.slices[i].B.Done()
			}
		}
	}
}
