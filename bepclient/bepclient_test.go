// Copyright (C) 2025 The Syncthing Authors.

package bepclient

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bepcore/client/internal/bep"
	"github.com/bepcore/client/internal/blockcache"
	"github.com/bepcore/client/internal/catalog"
	"github.com/bepcore/client/internal/eventbus"
	"github.com/bepcore/client/internal/metrics"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	selfID := make([]byte, 32)
	store, err := catalog.OpenTemp(selfID, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cache, err := blockcache.New(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &Core{
		cfg:      defaultConfig(),
		store:    store,
		cache:    cache,
		metrics:  metrics.New(prometheus.NewRegistry()),
		registry: prometheus.NewRegistry(),
		bus:      eventbus.New(),
		log:      slog.Default(),
	}
}

// seedFile populates a single folder/directory/file/block chain so Read,
// List, and Attributes have something real to operate against.
func seedFile(t *testing.T, c *Core, data []byte) {
	t.Helper()
	peerID := []byte{1, 2, 3, 4}
	cc := bep.ClusterConfig{Folders: []bep.Folder{{
		ID: "default",
		Devices: []bep.Device{
			{ID: make([]byte, 32), Name: "self"},
			{ID: peerID, Name: "peer"},
		},
	}}}
	if err := c.store.UpdateClusterConfig(cc); err != nil {
		t.Fatal(err)
	}

	idx := bep.IndexMessage{Folder: "default", Files: []bep.Entry{{
		Name:      "file.bin",
		Type:      bep.EntryTypeFile,
		BlockSize: uint32(len(data)),
		Blocks:    []bep.BlockInfo{{Offset: 0, Size: uint32(len(data)), Hash: hashOf(data)}},
	}}}
	if _, err := c.store.UpdateIndex(idx); err != nil {
		t.Fatal(err)
	}
}

func hashOf(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func TestReadRejectsOversizeLength(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Read(context.Background(), "/default/file.bin", 0, MaxReadLength+1)
	if err != ErrReadTooLarge {
		t.Fatalf("got %v, want ErrReadTooLarge", err)
	}
}

func TestReadRequiresConnection(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Read(context.Background(), "/default/file.bin", 0, 10)
	if err != ErrNotConnected {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestReadServesFromCacheWithoutScheduler(t *testing.T) {
	c := newTestCore(t)
	c.connected = true
	data := []byte("hello, world")
	seedFile(t, c, data)

	if err := c.cache.Write("default", 1, 0, data); err != nil {
		t.Fatal(err)
	}
	if err := c.store.UpdateBlock(1, 0, catalog.CachePresent); err != nil {
		t.Fatal(err)
	}

	got, err := c.Read(context.Background(), "/default/file.bin", 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data[2:7]) {
		t.Fatalf("got %q, want %q", got, data[2:7])
	}
}

func TestListSynthesizesFolderRoot(t *testing.T) {
	c := newTestCore(t)
	c.connected = true
	seedFile(t, c, []byte("x"))

	entries, err := c.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Type != catalog.EntryDirectory {
		t.Fatalf("got %+v", entries)
	}
}

func TestAttributesReportsFile(t *testing.T) {
	c := newTestCore(t)
	c.connected = true
	data := []byte("contents")
	seedFile(t, c, data)

	attr, err := c.Attributes("/default/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	if attr == nil || attr.Type != catalog.EntryFile || attr.Size != int64(len(data)) {
		t.Fatalf("got %+v", attr)
	}
}

func TestEventsDeliversConnected(t *testing.T) {
	c := newTestCore(t)
	sub := c.Events(eventbus.Connected)
	defer c.Unsubscribe(sub)

	c.bus.Publish(eventbus.Connected, nil)
	select {
	case e := <-sub.Events():
		if e.Type != eventbus.Connected {
			t.Fatalf("got %v", e.Type)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}
