// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// CompressPayload LZ4-compresses the payload of the assembled packet in pkt
// in place and sets the compression flag, but only when compression actually
// shrinks the packet. Returns the resulting packet size.
func CompressPayload(pkt []byte, packetSize int) int {
	payload := pkt[PayloadStart:packetSize]
	if len(payload) == 0 {
		return packetSize
	}

	dst := make([]byte, len(payload))
	var c lz4.Compressor
	n, err := c.CompressBlock(payload, dst)
	if err != nil || n == 0 || n >= len(payload) {
		// Incompressible; send as-is.
		return packetSize
	}

	copy(payload, dst[:n])
	Header(pkt).SetCompressed(true)
	return PayloadStart + n
}

// DecompressPayload decompresses an LZ4 payload into dst, returning the
// uncompressed length. Over-length output and malformed blocks fail.
func DecompressPayload(payload, dst []byte) (int, error) {
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return 0, fmt.Errorf("protocol: lz4 decompression: %w", err)
	}
	return n, nil
}
