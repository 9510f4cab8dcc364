// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dtn7/cboring"
)

// Dictionary is the free-form node metadata exchanged inside HELLO packets:
// software version strings, platform hints and similar. Keys and values are
// opaque to the protocol.
type Dictionary map[string]string

// Well-known dictionary keys.
const (
	DictKeySoftwareVersion = "version"
	DictKeyPlatform        = "platform"
)

// MarshalBinary encodes the dictionary as a CBOR array of alternating key and
// value byte strings, keys sorted for a canonical form.
func (d Dictionary) MarshalBinary() ([]byte, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buff bytes.Buffer
	if err := cboring.WriteArrayLength(uint64(len(keys)*2), &buff); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := cboring.WriteByteString([]byte(k), &buff); err != nil {
			return nil, err
		}
		if err := cboring.WriteByteString([]byte(d[k]), &buff); err != nil {
			return nil, err
		}
	}
	return buff.Bytes(), nil
}

// UnmarshalDictionary decodes a dictionary produced by MarshalBinary.
func UnmarshalDictionary(b []byte) (Dictionary, error) {
	buff := bytes.NewBuffer(b)

	l, err := cboring.ReadArrayLength(buff)
	if err != nil {
		return nil, err
	}
	if l%2 != 0 {
		return nil, fmt.Errorf("protocol: dictionary array length %d is odd", l)
	}

	d := make(Dictionary, l/2)
	for i := uint64(0); i < l; i += 2 {
		k, kErr := cboring.ReadByteString(buff)
		if kErr != nil {
			return nil, kErr
		}
		v, vErr := cboring.ReadByteString(buff)
		if vErr != nil {
			return nil, vErr
		}
		d[string(k)] = string(v)
	}
	return d, nil
}
