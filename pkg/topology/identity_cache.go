// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package topology

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

// identityRecord is the persisted form of a learned identity.
type identityRecord struct {
	Addr      uint64 `badgerhold:"key"`
	PublicKey []byte
	LearnedAt int64
}

// IdentityCache persists learned identities so that a restarted node can act
// as identity directory without relearning every peer. Cached identities are
// not peers: a live Peer still requires a fresh HELLO exchange.
type IdentityCache struct {
	bh *badgerhold.Store
}

// OpenIdentityCache opens (or creates) the cache under dir.
func OpenIdentityCache(dir string) (*IdentityCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = log.StandardLogger()

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}
	return &IdentityCache{bh: bh}, nil
}

// Put stores or refreshes an identity.
func (c *IdentityCache) Put(id *identity.Identity) error {
	return c.bh.Upsert(uint64(id.Address()), &identityRecord{
		Addr:      uint64(id.Address()),
		PublicKey: append([]byte(nil), id.PublicKey()...),
		LearnedAt: time.Now().UnixMilli(),
	})
}

// Get returns the cached identity for an address.
func (c *IdentityCache) Get(addr identity.Address) (*identity.Identity, error) {
	var rec identityRecord
	if err := c.bh.Get(uint64(addr), &rec); err != nil {
		return nil, err
	}
	return identity.FromKeys(rec.PublicKey, nil)
}

// Close releases the underlying store.
func (c *IdentityCache) Close() error {
	return c.bh.Close()
}
