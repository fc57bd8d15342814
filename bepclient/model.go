// Copyright (C) 2025 The Syncthing Authors.

package bepclient

import (
	"log/slog"
	"sync"

	"github.com/bepcore/client/internal/bep"
	"github.com/bepcore/client/internal/blockcache"
	"github.com/bepcore/client/internal/catalog"
	"github.com/bepcore/client/internal/eventbus"
	"github.com/bepcore/client/internal/scheduler"
)

// maintenanceBatchSize bounds a single refill/cleanup pass so a large
// index change doesn't flood the scheduler or stall the reader goroutine
// that calls applyIndex (spec §4.9: "opportunistic", not exhaustive).
const maintenanceBatchSize = 64

// coreModel implements bep.Model on behalf of a Core, keeping the
// handshake bookkeeping (spec §4.9: "no messages delivered to the
// application before the ClusterConfig exchange completes" applies in
// the other direction too — this client must not start planning reads
// before it has applied the peer's ClusterConfig) out of Core itself.
type coreModel struct {
	store *catalog.DB
	cache *blockcache.Cache
	bus   *eventbus.Bus
	log   *slog.Logger

	// sched is nil until Core.Connect constructs the scheduler, which
	// happens after newCoreModel (the scheduler's Sender needs this
	// model's Connection, built after the model itself).
	sched *scheduler.Scheduler

	handshakeOnce sync.Once
	handshakeDone chan struct{}

	onClosed func(error)
}

func newCoreModel(store *catalog.DB, cache *blockcache.Cache, bus *eventbus.Bus, log *slog.Logger, onClosed func(error)) *coreModel {
	return &coreModel{
		store:         store,
		cache:         cache,
		bus:           bus,
		log:           log,
		handshakeDone: make(chan struct{}),
		onClosed:      onClosed,
	}
}

// awaitHandshake returns a channel that is closed once the peer's
// ClusterConfig has been applied.
func (m *coreModel) awaitHandshake() <-chan struct{} { return m.handshakeDone }

func (m *coreModel) ClusterConfig(deviceName string, msg bep.ClusterConfig) {
	if err := m.store.UpdateClusterConfig(msg); err != nil {
		m.log.Error("applying cluster config", slog.Any("err", err))
		m.bus.Publish(eventbus.ConnError, err)
		return
	}
	m.handshakeOnce.Do(func() {
		close(m.handshakeDone)
		m.bus.Publish(eventbus.Connected, nil)
	})
}

func (m *coreModel) Index(folder string, msg bep.IndexMessage) {
	m.applyIndex(folder, msg)
}

func (m *coreModel) IndexUpdate(folder string, msg bep.IndexMessage) {
	m.applyIndex(folder, msg)
}

func (m *coreModel) applyIndex(folder string, msg bep.IndexMessage) {
	changed, err := m.store.UpdateIndex(msg)
	if err != nil {
		m.log.Warn("applying index", slog.String("folder", folder), slog.Any("err", err))
		m.bus.Publish(eventbus.ConnError, err)
		return
	}
	if changed {
		m.refillAndCleanup(folder)
		m.bus.Publish(eventbus.Updated, folder)
	}
}

// refillAndCleanup implements spec §4.9's "trigger opportunistic
// block-request refill and cache cleanup" on a material index change: a
// bounded batch of missing blocks under fully-synced directories is
// queued at background priority, and blocks the catalog has marked stale
// have their obsolete cached copy evicted from disk so a later read
// re-fetches rather than trusting it.
func (m *coreModel) refillAndCleanup(folder string) {
	if m.sched != nil {
		missing, err := m.store.MissingBlocks(folder, maintenanceBatchSize)
		if err != nil {
			m.log.Warn("listing blocks for refill", slog.String("folder", folder), slog.Any("err", err))
		}
		for _, br := range missing {
			m.sched.Add(br.Folder, br.Name, br.FileID, br.Offset, br.Size, br.Hash, scheduler.Background, nil)
		}
	}

	stale, err := m.store.StaleBlocks(folder, maintenanceBatchSize)
	if err != nil {
		m.log.Warn("listing stale blocks for cleanup", slog.String("folder", folder), slog.Any("err", err))
		return
	}
	for _, br := range stale {
		if err := m.cache.Evict(br.Folder, br.FileID, br.Offset); err != nil {
			m.log.Warn("evicting stale cache entry", slog.String("folder", folder), slog.Any("err", err))
			continue
		}
		if err := m.store.UpdateBlock(br.FileID, br.Offset, catalog.CacheAbsent); err != nil {
			m.log.Warn("resetting stale block state", slog.String("folder", folder), slog.Any("err", err))
		}
	}
}

// Request answers an inbound block request. This client has no shared
// folders of its own to serve, so every request is refused (spec §4.9).
func (m *coreModel) Request(msg bep.Request) (bep.Response, error) {
	return bep.Response{ID: msg.ID, Code: bep.ResponseCodeNoSuchFile}, nil
}

func (m *coreModel) DownloadProgress(bep.DownloadProgress) {}

func (m *coreModel) Closed(err error) {
	m.bus.Publish(eventbus.Closed, err)
	if m.onClosed != nil {
		m.onClosed(err)
	}
}
