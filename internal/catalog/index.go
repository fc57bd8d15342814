// Copyright (C) 2025 The Syncthing Authors.

package catalog

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/bepcore/client/internal/bep"
)

// assembledDirectory is one directory's worth of wire entries, grouped
// from a flat IndexMessage (spec §4.4).
type assembledDirectory struct {
	Name    string // absolute path, e.g. "/a"
	Entry   bep.Entry
	HasReal bool
	Files   []bep.Entry
}

// assembleIndex reshapes a flat wire IndexMessage into per-directory
// groups, in first-seen order. A file/symlink entry whose directory
// hasn't been seen yet gets an empty placeholder that a later directory
// entry of the same name may replace.
func assembleIndex(msg bep.IndexMessage) []*assembledDirectory {
	var order []string
	byName := make(map[string]*assembledDirectory)

	ensure := func(name string) *assembledDirectory {
		d, ok := byName[name]
		if !ok {
			d = &assembledDirectory{Name: name}
			byName[name] = d
			order = append(order, name)
		}
		return d
	}
	ensure("/")

	for _, e := range msg.Files {
		abs := "/" + e.Name
		if e.Type == bep.EntryTypeDirectory {
			d := ensure(abs)
			d.Entry = e
			d.HasReal = true
			continue
		}
		parent := parentDir(abs)
		d := ensure(parent)
		d.Files = append(d.Files, e)
	}

	result := make([]*assembledDirectory, len(order))
	for i, n := range order {
		result[i] = byName[n]
	}
	return result
}

// rootDirName is the absolute name every folder's root directory row is
// stored under.
const rootDirName = "/"

func parentDir(abs string) string {
	if abs == "/" {
		return "/"
	}
	i := strings.LastIndex(abs, "/")
	if i <= 0 {
		return "/"
	}
	return abs[:i]
}

// UpdateIndex applies one Index or IndexUpdate message within a single
// exclusive transaction, returning true iff any entry with a parent
// directory synced "full" was added or modified (spec §4.5).
func (db *DB) UpdateIndex(msg bep.IndexMessage) (bool, error) {
	var updated bool
	err := db.withTx("update_index", func(tx *sqlx.Tx) error {
		dirs := assembleIndex(msg)
		for _, d := range dirs {
			var parentSync SyncState
			if d.Name == rootDirName {
				// The root has no parent to inherit from; a newly-mirrored
				// folder's root defaults to full sync so the tree under it
				// is actively cached rather than permanently inert (spec
				// §3 "inherit sync from parent directory" has to bottom
				// out somewhere). An already-existing root keeps whatever
				// sync state it was given, since updateDirectoryEntry
				// ignores this value for rows that already exist.
				parentSync = SyncFull
			} else {
				var err error
				parentSync, err = db.lookupSync(tx, msg.Folder, parentDir(d.Name))
				if err != nil {
					return wrap(err, d.Name)
				}
			}

			dirID, dirSync, dirChanged, err := db.updateDirectoryEntry(tx, msg.Folder, d.Name, d.Entry, d.HasReal, parentSync)
			if err != nil {
				return wrap(err, d.Name)
			}
			if dirChanged && parentSync == SyncFull {
				updated = true
			}
			if dirID == 0 {
				continue
			}

			for _, fe := range d.Files {
				fileID, fileChanged, err := db.updateFileEntry(tx, dirID, fe, dirSync)
				if err != nil {
					return wrap(err, d.Name+"/"+fe.Name)
				}
				if fileChanged && dirSync == SyncFull {
					updated = true
				}
				if fileID != 0 {
					blocksChanged, err := db.updateBlocks(tx, fileID, fe.Blocks)
					if err != nil {
						return wrap(err, d.Name+"/"+fe.Name)
					}
					if blocksChanged && dirSync == SyncFull {
						updated = true
					}
				}
			}
		}
		return nil
	})
	return updated, err
}

// lookupSync returns the sync state of an existing directory, or SyncNone
// if it doesn't exist yet. UpdateIndex does not use it for the root
// directory's own parent sync; it seeds that case directly (see
// rootDirName above).
func (db *DB) lookupSync(tx *sqlx.Tx, folder, name string) (SyncState, error) {
	var sync SyncState
	err := tx.Get(&sync, `SELECT sync FROM directory WHERE folder_id_string = ? AND name = ?`, folder, name)
	if err == sql.ErrNoRows {
		return SyncNone, nil
	}
	if err != nil {
		return SyncNone, err
	}
	return sync, nil
}

func (db *DB) nextSequence(tx *sqlx.Tx, folder string) (int64, error) {
	var cur int64
	if err := tx.Get(&cur, `SELECT max_sequence_internal FROM device WHERE id = ? AND folder_id_string = ?`, db.selfDeviceID, folder); err != nil {
		if err == sql.ErrNoRows {
			return 0, wrap(ErrNoSuchFolder, folder)
		}
		return 0, err
	}
	next := cur + 1
	if _, err := tx.Exec(`UPDATE device SET max_sequence_internal = ? WHERE id = ? AND folder_id_string = ?`, next, db.selfDeviceID, folder); err != nil {
		return 0, err
	}
	return next, nil
}

// updateDirectoryEntry applies updateEntry's rules to one directory,
// returning its row id, resulting sync state (for children to inherit),
// and whether it was newly added or modified.
func (db *DB) updateDirectoryEntry(tx *sqlx.Tx, folder, name string, e bep.Entry, hasReal bool, parentSync SyncState) (int64, SyncState, bool, error) {
	var existing Directory
	err := tx.Get(&existing, `SELECT * FROM directory WHERE folder_id_string = ? AND name = ?`, folder, name)
	switch {
	case err == sql.ErrNoRows:
		if hasReal && e.Flags&FlagDeleted != 0 {
			return 0, SyncNone, false, nil
		}
		seq, err := db.nextSequence(tx, folder)
		if err != nil {
			return 0, SyncNone, false, err
		}
		res, err := tx.Exec(`
			INSERT INTO directory (folder_id_string, name, permissions, modified_s, modified_ns, modified_by, flags, sequence, version, sync)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, folder, name, e.Permissions, e.ModifiedS, e.ModifiedNs, modifiedByBytes(e.ModifiedBy), e.Flags, seq, versionBytes(e.Version), parentSync)
		if err != nil {
			return 0, SyncNone, false, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, SyncNone, false, err
		}
		return id, parentSync, true, nil

	case err != nil:
		return 0, SyncNone, false, err

	default:
		if !hasReal {
			return existing.ID, existing.Sync, false, nil
		}
		if directoryUnchanged(existing, e) {
			return existing.ID, existing.Sync, false, nil
		}
		seq, err := db.nextSequence(tx, folder)
		if err != nil {
			return 0, SyncNone, false, err
		}
		_, err = tx.Exec(`
			UPDATE directory SET permissions = ?, modified_s = ?, modified_ns = ?, modified_by = ?, flags = ?, sequence = ?, version = ?
			WHERE id = ?
		`, e.Permissions, e.ModifiedS, e.ModifiedNs, modifiedByBytes(e.ModifiedBy), e.Flags, seq, versionBytes(e.Version), existing.ID)
		if err != nil {
			return 0, SyncNone, false, err
		}
		return existing.ID, existing.Sync, existing.Sync == SyncFull, nil
	}
}

func directoryUnchanged(d Directory, e bep.Entry) bool {
	return d.Permissions == e.Permissions &&
		d.ModifiedS == e.ModifiedS &&
		d.ModifiedNs == e.ModifiedNs &&
		d.Flags == e.Flags
}

func fileUnchanged(f File, e bep.Entry) bool {
	return f.Size == fileSize(e) &&
		f.Permissions == e.Permissions &&
		f.ModifiedS == e.ModifiedS &&
		f.ModifiedNs == e.ModifiedNs &&
		f.Flags == e.Flags &&
		f.BlockSize == e.BlockSize &&
		f.SymlinkTarget == e.SymlinkTarget
}

func fileSize(e bep.Entry) int64 {
	var size int64
	for _, b := range e.Blocks {
		if end := b.Offset + int64(b.Size); end > size {
			size = end
		}
	}
	return size
}

func modifiedByBytes(v uint64) []byte { return uint64ToBytes(v) }
func versionBytes(v bep.Vector) []byte {
	// Opaque on-disk encoding; this client never compares or merges
	// version vectors, only round-trips them for display/debugging.
	var b []byte
	for _, c := range v.Counters {
		b = append(b, uint64ToBytes(c.ID)...)
		b = append(b, uint64ToBytes(c.Value)...)
	}
	return b
}

// updateFileEntry applies updateEntry's rules to one file/symlink,
// returning its row id (0 if skipped) and whether it was added/modified.
func (db *DB) updateFileEntry(tx *sqlx.Tx, dirID int64, e bep.Entry, dirSync SyncState) (int64, bool, error) {
	var existing File
	err := tx.Get(&existing, `SELECT * FROM file WHERE directory_id = ? AND name = ?`, dirID, baseName(e.Name))
	switch {
	case err == sql.ErrNoRows:
		if e.Flags&FlagDeleted != 0 {
			return 0, false, nil
		}
		seq, err := db.nextSequenceForDir(tx, dirID)
		if err != nil {
			return 0, false, err
		}
		res, err := tx.Exec(`
			INSERT INTO file (directory_id, name, size, permissions, modified_s, modified_ns, modified_by, flags, sequence, block_size, version, symlink_target, sync)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, dirID, baseName(e.Name), fileSize(e), e.Permissions, e.ModifiedS, e.ModifiedNs, modifiedByBytes(e.ModifiedBy), e.Flags, seq, e.BlockSize, versionBytes(e.Version), e.SymlinkTarget, dirSync)
		if err != nil {
			return 0, false, err
		}
		id, err := res.LastInsertId()
		return id, true, err

	case err != nil:
		return 0, false, err

	default:
		if fileUnchanged(existing, e) {
			return existing.ID, false, nil
		}
		seq, err := db.nextSequenceForDir(tx, dirID)
		if err != nil {
			return 0, false, err
		}
		_, err = tx.Exec(`
			UPDATE file SET size = ?, permissions = ?, modified_s = ?, modified_ns = ?, modified_by = ?, flags = ?, sequence = ?, block_size = ?, version = ?, symlink_target = ?
			WHERE id = ?
		`, fileSize(e), e.Permissions, e.ModifiedS, e.ModifiedNs, modifiedByBytes(e.ModifiedBy), e.Flags, seq, e.BlockSize, versionBytes(e.Version), e.SymlinkTarget, existing.ID)
		if err != nil {
			return 0, false, err
		}
		return existing.ID, existing.Sync == SyncFull, nil
	}
}

func (db *DB) nextSequenceForDir(tx *sqlx.Tx, dirID int64) (int64, error) {
	var folder string
	if err := tx.Get(&folder, `SELECT folder_id_string FROM directory WHERE id = ?`, dirID); err != nil {
		return 0, err
	}
	return db.nextSequence(tx, folder)
}

func baseName(relName string) string {
	if i := strings.LastIndex(relName, "/"); i >= 0 {
		return relName[i+1:]
	}
	return relName
}

// updateBlocks reconciles a file's stored blocks against a freshly
// decoded list, pairwise by position after sorting both by offset (spec
// §9 open question: source's no-op comparator is treated here as a bug;
// we sort on ingest so offset order is a guarantee, not an assumption).
// It reports whether any stored block was changed, added or removed.
func (db *DB) updateBlocks(tx *sqlx.Tx, fileID int64, newBlocks []bep.BlockInfo) (bool, error) {
	sorted := make([]bep.BlockInfo, len(newBlocks))
	copy(sorted, newBlocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var existing []Block
	if err := tx.Select(&existing, `SELECT * FROM block WHERE file_id = ? ORDER BY offset`, fileID); err != nil {
		return false, err
	}

	n := len(existing)
	if len(sorted) > n {
		n = len(sorted)
	}

	var changed bool
	for i := 0; i < n; i++ {
		switch {
		case i < len(existing) && i < len(sorted):
			ex, nb := existing[i], sorted[i]
			if ex.Offset == nb.Offset && int64(ex.Size) == int64(nb.Size) && bytesEqual(ex.Hash, nb.Hash) {
				continue
			}
			cached := ex.Cached
			if cached == CachePresent {
				cached = CacheStale
			}
			if _, err := tx.Exec(`UPDATE block SET offset = ?, size = ?, hash = ?, cached = ? WHERE id = ?`,
				nb.Offset, nb.Size, nb.Hash, cached, ex.ID); err != nil {
				return false, err
			}

		case i < len(sorted):
			nb := sorted[i]
			if _, err := tx.Exec(`INSERT INTO block (file_id, offset, size, hash, cached) VALUES (?, ?, ?, ?, 0)`,
				fileID, nb.Offset, nb.Size, nb.Hash); err != nil {
				return false, err
			}

		default:
			ex := existing[i]
			if ex.Cached == CachePresent {
				if _, err := tx.Exec(`UPDATE block SET size = 0, cached = ? WHERE id = ?`, CacheStale, ex.ID); err != nil {
					return false, err
				}
			} else {
				if _, err := tx.Exec(`DELETE FROM block WHERE id = ?`, ex.ID); err != nil {
					return false, err
				}
			}
		}
		changed = true
	}
	return changed, nil
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
