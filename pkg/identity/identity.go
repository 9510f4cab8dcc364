// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// TypeC25519 is the only identity key type currently defined. A second
	// type code is reserved for a NIST P-384 based identity.
	TypeC25519 byte = 0

	// KeyLength is the public (and private) key size of a C25519 identity.
	KeyLength = 32

	// MarshaledLength is the wire size of an identity: address, type byte,
	// public key.
	MarshaledLength = AddressLength + 1 + KeyLength

	// SecretLength is the size of an agreed session secret.
	SecretLength = 48

	// powCriterion is the upper bound for the work byte of an identity hash.
	// Address derivation only accepts key pairs below it, making bulk identity
	// generation proportionally expensive.
	powCriterion = 0x40
)

// Identity is a node's long-term key material together with the address
// derived from it. The private key is only set for the local node's identity.
type Identity struct {
	addr    Address
	public  [KeyLength]byte
	private []byte
}

// Generate creates a new identity, retrying key pairs until the derived
// address satisfies the proof-of-work criterion and is not reserved.
func Generate() (*Identity, error) {
	for {
		priv := make([]byte, KeyLength)
		if _, err := rand.Read(priv); err != nil {
			return nil, err
		}

		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}

		addr, ok := deriveAddress(pub)
		if !ok {
			continue
		}

		id := &Identity{addr: addr, private: priv}
		copy(id.public[:], pub)
		return id, nil
	}
}

// deriveAddress computes the address belonging to a public key and reports
// whether the key satisfies the address derivation criteria.
func deriveAddress(pub []byte) (Address, bool) {
	h := sha512.Sum384(pub)
	if h[AddressLength] >= powCriterion {
		return 0, false
	}

	addr := NewAddress(h[:AddressLength])
	if addr.IsReserved() {
		return 0, false
	}
	return addr, true
}

// Address returns the 40-bit overlay address of this identity.
func (id *Identity) Address() Address {
	return id.addr
}

// PublicKey returns the identity's public key bytes.
func (id *Identity) PublicKey() []byte {
	return id.public[:]
}

// HasPrivate reports whether this identity carries its private key.
func (id *Identity) HasPrivate() bool {
	return id.private != nil
}

// Equal reports whether both identities name the same node with the same key.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.addr == other.addr && id.public == other.public
}

// LocallyValidate re-derives the address from the public key and checks it
// against the claimed one, including the proof-of-work criterion. A remote
// identity must pass this check once before it is admitted to the topology.
func (id *Identity) LocallyValidate() bool {
	addr, ok := deriveAddress(id.public[:])
	return ok && addr == id.addr
}

// Agree computes the 48-byte session secret shared with other. Both sides
// derive the bit-identical secret from their respective private keys.
func (id *Identity) Agree(other *Identity) ([]byte, error) {
	if id.private == nil {
		return nil, fmt.Errorf("identity %v holds no private key", id.addr)
	}

	shared, err := curve25519.X25519(id.private, other.public[:])
	if err != nil {
		return nil, err
	}

	h := sha512.Sum384(shared)
	return h[:SecretLength], nil
}

// Marshal appends the identity's wire form to b.
func (id *Identity) Marshal(b []byte) []byte {
	b = append(b, id.addr.Bytes()...)
	b = append(b, TypeC25519)
	return append(b, id.public[:]...)
}

// UnmarshalIdentity parses an identity from the front of b, returning it
// together with the number of bytes consumed.
func UnmarshalIdentity(b []byte) (*Identity, int, error) {
	if len(b) < MarshaledLength {
		return nil, 0, fmt.Errorf("identity: truncated: %d bytes", len(b))
	}
	if b[AddressLength] != TypeC25519 {
		return nil, 0, fmt.Errorf("identity: unknown type %#02x", b[AddressLength])
	}

	id := &Identity{addr: NewAddress(b)}
	copy(id.public[:], b[AddressLength+1:MarshaledLength])
	return id, MarshaledLength, nil
}

// PrivateKeyBytes returns a copy of the private key for persistence.
func (id *Identity) PrivateKeyBytes() []byte {
	return append([]byte(nil), id.private...)
}

// FromKeys reconstructs an identity from persisted key material.
func FromKeys(public, private []byte) (*Identity, error) {
	if len(public) != KeyLength {
		return nil, fmt.Errorf("identity: bad public key length %d", len(public))
	}

	addr, ok := deriveAddress(public)
	if !ok {
		return nil, fmt.Errorf("identity: public key fails address derivation")
	}

	id := &Identity{addr: addr}
	copy(id.public[:], public)
	if private != nil {
		pub, err := curve25519.X25519(private, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pub, public) {
			return nil, fmt.Errorf("identity: private key does not match public key")
		}
		id.private = append([]byte(nil), private...)
	}
	return id, nil
}

func (id *Identity) String() string {
	if id == nil {
		return "nil"
	}
	return id.addr.String()
}
