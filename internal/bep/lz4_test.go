package bep

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestLZ4RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("a"),
		bytes.Repeat([]byte("hello world "), 1000),
	}
	r := rand.New(rand.NewSource(1))
	random := make([]byte, 8192)
	r.Read(random)
	cases = append(cases, random)

	for i, data := range cases {
		compressed, err := lz4Compress(data)
		if err != nil {
			t.Fatalf("case %d: compress: %v", i, err)
		}
		// lz4Compress may return the input unchanged for incompressible
		// data; decompression must handle both shapes via UncompressBlock
		// only when genuinely LZ4-framed, so we only round-trip through
		// decompress when compression actually shrank the input.
		if len(compressed) < len(data) {
			decompressed, err := lz4Decompress(compressed, uint32(len(data)))
			if err != nil {
				t.Fatalf("case %d: decompress: %v", i, err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Fatalf("case %d: round trip mismatch", i)
			}
		}
	}
}

func TestLZ4DecompressLengthMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)
	compressed, err := lz4Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(data) {
		t.Skip("input did not compress, cannot exercise mismatch path")
	}
	if _, err := lz4Decompress(compressed, uint32(len(data))+1); err == nil {
		t.Fatal("expected error for declared-length mismatch")
	}
}
