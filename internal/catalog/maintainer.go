// Copyright (C) 2025 The Syncthing Authors.

package catalog

import (
	"context"
	"time"
)

// optimizeInterval is how often Maintainer runs SQLite's own query
// planner statistics refresh and checkpoints the WAL.
const optimizeInterval = 10 * time.Minute

// Maintainer is a suture.Service running light periodic SQLite upkeep
// against a DB: it never touches application rows, since this client
// never deletes authoritative catalog data (spec §5 expansion). Block
// cache eviction is a separate, index-change-triggered concern owned by
// the orchestrator (spec §4.9), not this service.
type Maintainer struct {
	db *DB
}

// NewMaintainer returns a Maintainer for db. Call Serve to run it.
func NewMaintainer(db *DB) *Maintainer { return &Maintainer{db: db} }

// Serve runs the periodic upkeep loop until ctx is cancelled; it
// satisfies suture.Service.
func (m *Maintainer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(optimizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.optimize()
		}
	}
}

func (m *Maintainer) optimize() {
	_, _ = m.db.sql.Exec(`PRAGMA optimize`)
	_, _ = m.db.sql.Exec(`PRAGMA wal_checkpoint(PASSIVE)`)
}
