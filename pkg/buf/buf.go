// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package buf

import (
	"sync"
	"sync/atomic"
)

// Size is the capacity of each pooled buffer: the maximum assembled packet
// length plus 64 bytes of trailing headroom for the stream cipher's block
// granularity.
const Size = 16384 + 64

var pool = sync.Pool{
	New: func() interface{} {
		return &Buf{}
	},
}

// Buf is a fixed-capacity byte buffer with shared ownership. A Buf obtained
// from Get starts with a reference count of one; every holder that hands the
// buffer to another owner calls Ref, and every owner calls Done exactly once.
// The backing array is returned to the pool when the last reference drops.
type Buf struct {
	B [Size]byte

	refs int32
}

// Get returns a buffer from the pool with a single reference.
func Get() *Buf {
	b := pool.Get().(*Buf)
	atomic.StoreInt32(&b.refs, 1)
	return b
}

// Ref adds a reference for a new co-owner of this buffer.
func (b *Buf) Ref() *Buf {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Done releases one reference. The caller must not touch the buffer
// afterwards.
func (b *Buf) Done() {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		pool.Put(b)
	}
}
