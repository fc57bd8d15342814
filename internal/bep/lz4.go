// Copyright (C) 2015 The Protocol Authors.

package bep

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Decompress decompresses an LZ4 block to exactly decompressedLen
// bytes, the size carried alongside the compressed payload in the frame
// header (spec: "decompressedLen(u32)").
func lz4Decompress(compressed []byte, decompressedLen uint32) ([]byte, error) {
	out := make([]byte, decompressedLen)
	n, err := lz4.UncompressBlock(compressed, out)
	if err != nil {
		return nil, fmt.Errorf("bep: lz4 decompress: %w", err)
	}
	if uint32(n) != decompressedLen {
		return nil, fmt.Errorf("bep: lz4 decompress: got %d bytes, want %d", n, decompressedLen)
	}
	return out, nil
}

// lz4Compress compresses data into an LZ4 block. The current client never
// sends compressed outbound messages (spec §4.3: "current client never
// compresses outgoing"), but this is kept symmetric with decompression and
// exercised directly by tests, and is available for a future sender that
// opts into compression.
func lz4Compress(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil {
		return nil, fmt.Errorf("bep: lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input; lz4 signals this by returning n == 0.
		return data, nil
	}
	return buf[:n], nil
}
