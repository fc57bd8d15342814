// Copyright (C) 2025 The Syncthing Authors.

// Package blockcache implements the content-addressed, file-per-block
// disk cache described in spec §4.8. It is purely a performance layer in
// front of the authoritative filesystem state: callers, not this
// package, decide whether a block is supposed to be cached.
package blockcache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bepcore/client/internal/metrics"
)

type blockKey struct {
	fileID int64
	offset int64
}

// Cache stores block contents under <root>/<folder>/<fileID>/<offset> and
// keeps an in-memory set of known-good hashes to skip re-hashing on
// repeat reads within a session.
type Cache struct {
	root    string
	metrics *metrics.Set

	mu    sync.Mutex
	known *lru.Cache[blockKey, string] // hex-encoded sha256, known good on disk
}

// New returns a Cache rooted at root. hotSetSize bounds the in-memory
// known-good hash index; 0 selects a reasonable default.
func New(root string, hotSetSize int, m *metrics.Set) (*Cache, error) {
	if hotSetSize <= 0 {
		hotSetSize = 4096
	}
	known, err := lru.New[blockKey, string](hotSetSize)
	if err != nil {
		return nil, err
	}
	return &Cache{root: root, metrics: m, known: known}, nil
}

func (c *Cache) path(folder string, fileID, offset int64) string {
	return filepath.Join(c.root, folder, strconv.FormatInt(fileID, 10), strconv.FormatInt(offset, 10))
}

// Write persists bytes for the given block, creating any missing parent
// directories, and records the block as known-good.
func (c *Cache) Write(folder string, fileID, offset int64, data []byte) error {
	path := c.path(folder, fileID, offset)
	if err := writeBlock(path, data); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	c.mu.Lock()
	c.known.Add(blockKey{fileID, offset}, hex.EncodeToString(sum[:]))
	c.mu.Unlock()
	return nil
}

// Read returns the cached bytes for the block if present and verified
// against expectedHash, or (nil, false) on a miss — including a present
// but corrupted file, which the caller must treat as "not cached" and
// re-request (spec §4.9: "mark it stale ... and re-issue").
func (c *Cache) Read(folder string, fileID, offset int64, expectedSize uint32, expectedHash []byte) ([]byte, bool) {
	key := blockKey{fileID, offset}
	expectedHex := hex.EncodeToString(expectedHash)
	c.mu.Lock()
	known, hot := c.known.Get(key)
	c.mu.Unlock()
	hot = hot && known == expectedHex

	path := c.path(folder, fileID, offset)
	if hot {
		// Already verified against this exact hash in this session: read
		// without re-hashing.
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			c.count(true)
			return data, true
		}
		// The file vanished or truncated out from under us; fall through
		// to a full verifying read, which will report the miss.
	}

	data, ok := readBlock(path, int(expectedSize), expectedHash)
	if !ok {
		c.mu.Lock()
		c.known.Remove(key)
		c.mu.Unlock()
		c.count(false)
		return nil, false
	}
	c.mu.Lock()
	c.known.Add(key, expectedHex)
	c.mu.Unlock()
	c.count(true)
	return data, true
}

// Invalidate forgets any known-good record for a block, used when the
// catalog marks it stale after a failed verify or an updated hash.
func (c *Cache) Invalidate(fileID, offset int64) {
	c.mu.Lock()
	c.known.Remove(blockKey{fileID, offset})
	c.mu.Unlock()
}

// Evict removes a block's on-disk cached copy and forgets its known-good
// record, used by cache cleanup once the catalog has a block marked
// stale (spec §4.9: "trigger ... cache cleanup" on a material index
// change). A block that was never written to disk is not an error.
func (c *Cache) Evict(folder string, fileID, offset int64) error {
	if err := os.Remove(c.path(folder, fileID, offset)); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.Invalidate(fileID, offset)
	return nil
}

func (c *Cache) count(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHits.Inc()
	} else {
		c.metrics.CacheMisses.Inc()
	}
}

// writeBlock creates missing parent directories, opens path for
// writing-truncate, writes data fully, and closes on every exit path
// (spec §4.8).
func writeBlock(path string, data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(data)
	return err
}

// readBlock reads up to expectedSize bytes from path and verifies them
// against expectedHash. A missing file, a short read of zero bytes, or a
// hash mismatch on a nonempty read all report a miss.
func readBlock(path string, expectedSize int, expectedHash []byte) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	buf := make([]byte, expectedSize)
	n, err := readFull(f, buf)
	if n == 0 {
		return nil, false
	}
	buf = buf[:n]
	sum := sha256.Sum256(buf)
	if !bytesEqual(sum[:], expectedHash) {
		return nil, false
	}
	return buf, true
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
