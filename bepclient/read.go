// Copyright (C) 2025 The Syncthing Authors.

package bepclient

import (
	"context"
	"log/slog"

	"github.com/bepcore/client/internal/catalog"
	"github.com/bepcore/client/internal/scheduler"
)

// List returns the entries directly under absPath; List("/") synthesizes
// one directory entry per known folder (spec §6).
func (c *Core) List(absPath string) ([]catalog.ListEntry, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	return c.store.List(absPath)
}

// Attributes returns the entry at exactly absPath, or nil if it doesn't
// exist.
func (c *Core) Attributes(absPath string) (*catalog.ListEntry, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	return c.store.Attributes(absPath)
}

// Read returns up to length bytes starting at position within the file
// at absPath, assembling them block by block: a cache hit is served
// without any network round trip, a miss or a failed cache verification
// is fetched from the peer and written back to the cache before being
// returned (spec §4.9).
func (c *Core) Read(ctx context.Context, absPath string, position, length int64) ([]byte, error) {
	if length > MaxReadLength {
		return nil, ErrReadTooLarge
	}
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	if length <= 0 {
		return nil, nil
	}

	blocks, err := c.store.BlocksToSatisfyRead(absPath, position, length)
	if err != nil {
		return nil, wrap(err, "plan read", absPath)
	}

	out := make([]byte, 0, length)
	for _, br := range blocks {
		data, err := c.readBlock(ctx, br)
		if err != nil {
			return nil, wrap(err, "read block", absPath)
		}

		start := position - br.Offset
		if start < 0 {
			start = 0
		}
		end := position + length - br.Offset
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if start >= end {
			continue
		}
		out = append(out, data[start:end]...)
	}
	return out, nil
}

// readBlock serves br from the cache when the catalog believes it's
// present, otherwise schedules a remote fetch, writes the verified result
// back to the cache, and marks the block present in the catalog. A
// supposedly-cached block that fails local verification is marked stale
// before falling through to a remote fetch (spec §4.9).
func (c *Core) readBlock(ctx context.Context, br catalog.BlockRequest) ([]byte, error) {
	if br.Cached {
		if data, ok := c.cache.Read(br.Folder, br.FileID, br.Offset, br.Size, br.Hash); ok {
			return data, nil
		}
		if err := c.store.UpdateBlock(br.FileID, br.Offset, catalog.CacheStale); err != nil {
			c.log.Warn("marking block stale after failed verify", slog.String("folder", br.Folder), slog.Int64("offset", br.Offset), slog.Any("err", err))
		}
		c.cache.Invalidate(br.FileID, br.Offset)
	}

	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return nil, ErrNotConnected
	}

	data, err := sched.Wait(ctx, br.Folder, br.Name, br.FileID, br.Offset, br.Size, br.Hash, scheduler.User)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Write(br.Folder, br.FileID, br.Offset, data); err != nil {
		c.log.Warn("writing block to cache", slog.String("folder", br.Folder), slog.Int64("offset", br.Offset), slog.Any("err", err))
	}
	if err := c.store.UpdateBlock(br.FileID, br.Offset, catalog.CachePresent); err != nil {
		c.log.Warn("marking block cached", slog.String("folder", br.Folder), slog.Int64("offset", br.Offset), slog.Any("err", err))
	}
	return data, nil
}

func (c *Core) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
