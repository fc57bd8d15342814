// Copyright (C) 2025 The Syncthing Authors.

package catalog

import (
	"database/sql"
	"embed"
	"io/fs"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register the pure-Go sqlite database driver

	"github.com/bepcore/client/internal/metrics"
)

// pathLookupCacheSize bounds the (path) -> (directoryID, fileID) resolver
// cache; purely an optimization over hot read loops, never a source of
// truth (spec §4.6 expansion).
const pathLookupCacheSize = 1024

type pathLookup struct {
	DirectoryID int64
	FileID      int64
	IsDir       bool
}

const (
	dbDriver      = "sqlite"
	commonOptions = "_pragma=foreign_keys(1)&_pragma=recursive_triggers(1)&_txlock=immediate"
)

// Connection pool limits: at most maxOpenConns connections open at once,
// at most maxIdleConns idle connections kept for reuse, and any idle
// connection closed after connMaxIdleTime. No minimum number of
// connections is retained, and a request beyond the maximum waits for a
// free connection rather than failing.
const (
	maxOpenConns    = 16
	maxIdleConns    = 2
	connMaxIdleTime = 10 * time.Minute
)

//go:embed sql/schema/*
var embedded embed.FS

// DB is the catalog store: one SQLite file holding every folder this
// client mirrors. All multi-write operations run inside an exclusive
// transaction; reads may use any pooled connection.
type DB struct {
	sql *sqlx.DB

	statementsMut sync.RWMutex
	statements    map[string]*sqlx.Stmt

	// selfDeviceID is this client's own 32-byte identity, used by
	// GetClusterConfig/UpdateClusterConfig to recognize the self device
	// row among a folder's devices.
	selfDeviceID []byte

	// selfDeviceName is the name this client advertises for itself; it
	// always wins over whatever name a peer's ClusterConfig asserts for
	// our own device id (spec §4.5: "override external self-name with
	// our configured device name").
	selfDeviceName string

	pathCache *lru.Cache[string, pathLookup]

	metrics *metrics.Set
}

// Open opens or creates the catalog database at path. m may be nil, in
// which case transaction metrics are not recorded. selfDeviceName is the
// name this client advertises for its own device row; if empty, "bepclient"
// is used.
func Open(path string, selfDeviceID []byte, selfDeviceName string, m *metrics.Set) (*DB, error) {
	sqlDB, err := sqlx.Open(dbDriver, "file:"+path+"?"+commonOptions)
	if err != nil {
		return nil, wrap(err, "open")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return nil, wrap(err, "PRAGMA journal_mode")
	}

	pathCache, err := lru.New[string, pathLookup](pathLookupCacheSize)
	if err != nil {
		return nil, wrap(err, "path cache")
	}
	if selfDeviceName == "" {
		selfDeviceName = defaultSelfDeviceName
	}
	db := &DB{
		sql:            sqlDB,
		statements:     make(map[string]*sqlx.Stmt),
		selfDeviceID:   selfDeviceID,
		selfDeviceName: selfDeviceName,
		pathCache:      pathCache,
		metrics:        m,
	}
	if err := db.runScripts("sql/schema/*"); err != nil {
		return nil, wrap(err)
	}
	return db, nil
}

// defaultSelfDeviceName is used when a caller doesn't supply one.
const defaultSelfDeviceName = "bepclient"

// OpenTemp opens an in-memory-backed database for tests; callers must
// Close it.
func OpenTemp(selfDeviceID []byte, selfDeviceName string) (*DB, error) {
	sqlDB, err := sqlx.Open(dbDriver, "file::memory:?cache=shared&"+commonOptions)
	if err != nil {
		return nil, wrap(err, "open")
	}
	sqlDB.SetMaxOpenConns(1) // shared in-memory db is destroyed once the last conn closes
	pathCache, err := lru.New[string, pathLookup](pathLookupCacheSize)
	if err != nil {
		return nil, wrap(err, "path cache")
	}
	if selfDeviceName == "" {
		selfDeviceName = defaultSelfDeviceName
	}
	db := &DB{
		sql:            sqlDB,
		pathCache:      pathCache,
		statements:     make(map[string]*sqlx.Stmt),
		selfDeviceID:   selfDeviceID,
		selfDeviceName: selfDeviceName,
	}
	if err := db.runScripts("sql/schema/*"); err != nil {
		return nil, wrap(err)
	}
	return db, nil
}

func (db *DB) Close() error {
	db.statementsMut.Lock()
	defer db.statementsMut.Unlock()
	for _, stmt := range db.statements {
		stmt.Close()
	}
	return wrap(db.sql.Close())
}

type stmt interface {
	Exec(args ...any) (sql.Result, error)
	Get(dest any, args ...any) error
	Select(dest any, args ...any) error
}

type failedStmt struct{ err error }

func (f failedStmt) Exec(_ ...any) (sql.Result, error) { return nil, f.err }
func (f failedStmt) Get(_ any, _ ...any) error         { return f.err }
func (f failedStmt) Select(_ any, _ ...any) error      { return f.err }

// stmt returns a cached prepared statement for the given SQL text.
func (db *DB) stmt(sqlText string) stmt {
	sqlText = strings.TrimSpace(sqlText)

	db.statementsMut.RLock()
	s, ok := db.statements[sqlText]
	db.statementsMut.RUnlock()
	if ok {
		return s
	}

	db.statementsMut.Lock()
	defer db.statementsMut.Unlock()
	if s, ok := db.statements[sqlText]; ok {
		return s
	}
	s, err := db.sql.Preparex(sqlText)
	if err != nil {
		return failedStmt{wrap(err, sqlText)}
	}
	db.statements[sqlText] = s
	return s
}

func (db *DB) runScripts(glob string) error {
	scripts, err := fs.Glob(embedded, glob)
	if err != nil {
		return wrap(err)
	}

	tx, err := db.sql.Begin()
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, scr := range scripts {
		bs, err := fs.ReadFile(embedded, scr)
		if err != nil {
			return wrap(err, scr)
		}
		for _, s := range strings.Split(string(bs), ";\n") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, err := tx.Exec(s); err != nil {
				return wrap(err, s)
			}
		}
	}

	if err := recordSchemaVersion(tx); err != nil {
		return wrap(err)
	}

	return wrap(tx.Commit())
}

func recordSchemaVersion(tx *sql.Tx) error {
	var n int
	if err := tx.QueryRow(`SELECT count(*) FROM schema`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := tx.Exec(`INSERT INTO schema (version, applied_at) VALUES (?, ?)`, currentSchemaVersion, nowUnixNano())
	return err
}

const currentSchemaVersion = 1

// nowUnixNano is a seam so schema-version bookkeeping doesn't depend on
// wall-clock time during tests that replay fixed fixtures.
var nowUnixNano = func() int64 { return time.Now().UnixNano() }

// withTx runs fn inside an exclusive write transaction, rolling back on
// any error it returns (spec §4.5: "rolled back on any error"). op names
// the caller for the TxDuration/TxOpsTotal metrics.
func (db *DB) withTx(op string, fn func(tx *sqlx.Tx) error) error {
	start := time.Now()
	tx, err := db.sql.Beginx()
	if err != nil {
		db.observeTx(op, start, err)
		return wrap(err, "begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		db.observeTx(op, start, err)
		return err
	}
	err = wrap(tx.Commit())
	db.observeTx(op, start, err)
	return err
}

func (db *DB) observeTx(op string, start time.Time, err error) {
	if db.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	db.metrics.TxDuration.Observe(time.Since(start).Seconds())
	db.metrics.TxOpsTotal.WithLabelValues(op, outcome).Inc()
}
