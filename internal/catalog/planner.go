// Copyright (C) 2025 The Syncthing Authors.

package catalog

import (
	"database/sql"
	"path"
	"strings"
)

// List returns every non-deleted entry directly under absPath. list("/")
// is synthesized from the known folder list, one synthetic directory per
// folder named by its local path (spec §6).
func (db *DB) List(absPath string) ([]ListEntry, error) {
	if absPath == "/" {
		var folders []Folder
		if err := db.sql.Select(&folders, `SELECT id_string, label, path, flags FROM folder`); err != nil {
			return nil, wrap(err)
		}
		out := make([]ListEntry, 0, len(folders))
		for _, f := range folders {
			out = append(out, ListEntry{Type: EntryDirectory, Name: f.Path})
		}
		return out, nil
	}

	folder, dirName := splitFolderPath(absPath)
	if folder == "" {
		return nil, nil
	}

	var dirID int64
	if err := db.sql.Get(&dirID, `SELECT id FROM directory WHERE folder_id_string = ? AND name = ?`, folder, dirName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrap(err)
	}

	var subdirs []Directory
	if err := db.sql.Select(&subdirs, `SELECT * FROM directory WHERE folder_id_string = ? AND name != ?`, folder, dirName); err != nil {
		return nil, wrap(err)
	}
	var out []ListEntry
	for _, d := range subdirs {
		if parentDir(d.Name) != dirName || d.isDeleted() {
			continue
		}
		out = append(out, ListEntry{
			Type:        EntryDirectory,
			Name:        path.Base(d.Name),
			Permissions: d.Permissions,
			ModifiedS:   d.ModifiedS,
			ModifiedBy:  d.ModifiedBy,
		})
	}

	var files []File
	if err := db.sql.Select(&files, `SELECT * FROM file WHERE directory_id = ?`, dirID); err != nil {
		return nil, wrap(err)
	}
	for _, f := range files {
		if f.isDeleted() {
			continue
		}
		typ := EntryFile
		if f.SymlinkTarget != "" {
			typ = EntrySymlink
		}
		out = append(out, ListEntry{
			Type:        typ,
			Name:        f.Name,
			Size:        f.Size,
			Permissions: f.Permissions,
			ModifiedS:   f.ModifiedS,
			ModifiedBy:  f.ModifiedBy,
		})
	}
	return out, nil
}

// Attributes returns the ListEntry for exactly absPath, or nil if it
// doesn't exist or is deleted.
func (db *DB) Attributes(absPath string) (*ListEntry, error) {
	folder, name := splitFolderPath(absPath)
	if folder == "" {
		return nil, nil
	}
	if name == "/" {
		var n int
		if err := db.sql.Get(&n, `SELECT count(*) FROM folder WHERE id_string = ?`, folder); err != nil {
			return nil, wrap(err, folder)
		}
		if n == 0 {
			return nil, nil
		}
		return &ListEntry{Type: EntryDirectory, Name: path.Base(absPath)}, nil
	}

	parent := parentDir(name)
	base := path.Base(name)

	var dirID int64
	if err := db.sql.Get(&dirID, `SELECT id FROM directory WHERE folder_id_string = ? AND name = ?`, folder, parent); err == nil {
		var f File
		if err := db.sql.Get(&f, `SELECT * FROM file WHERE directory_id = ? AND name = ?`, dirID, base); err == nil {
			if f.isDeleted() {
				return nil, nil
			}
			typ := EntryFile
			if f.SymlinkTarget != "" {
				typ = EntrySymlink
			}
			return &ListEntry{Type: typ, Name: f.Name, Size: f.Size, Permissions: f.Permissions, ModifiedS: f.ModifiedS, ModifiedBy: f.ModifiedBy}, nil
		}
	}

	var d Directory
	if err := db.sql.Get(&d, `SELECT * FROM directory WHERE folder_id_string = ? AND name = ?`, folder, name); err == nil {
		if d.isDeleted() {
			return nil, nil
		}
		return &ListEntry{Type: EntryDirectory, Name: path.Base(d.Name), Permissions: d.Permissions, ModifiedS: d.ModifiedS, ModifiedBy: d.ModifiedBy}, nil
	}
	return nil, nil
}

// splitFolderPath splits an absolute "/folder/some/dir" path into the
// folder id and the absolute in-folder directory name ("/some/dir"),
// defaulting to "/" for the folder root.
func splitFolderPath(absPath string) (folder, rest string) {
	absPath = strings.TrimPrefix(absPath, "/")
	if absPath == "" {
		return "", "/"
	}
	parts := strings.SplitN(absPath, "/", 2)
	folder = parts[0]
	if len(parts) == 1 {
		return folder, "/"
	}
	return folder, "/" + parts[1]
}

// BlocksToSatisfyRead plans the ordered set of blocks overlapping
// [position, position+length) within the file at absPath (spec §4.6).
func (db *DB) BlocksToSatisfyRead(absPath string, position, length int64) ([]BlockRequest, error) {
	folder, name := splitFolderPath(absPath)
	if folder == "" {
		return nil, ErrNotFound
	}
	dirName := parentDir(name)
	base := path.Base(name)
	cacheKey := folder + name

	var file File
	if hit, ok := db.pathCache.Get(cacheKey); ok && !hit.IsDir {
		if err := db.sql.Get(&file, `SELECT * FROM file WHERE id = ?`, hit.FileID); err == nil {
			return db.blockRequestsForFile(folder, name, file, position, length)
		}
		db.pathCache.Remove(cacheKey)
	}

	var dirID int64
	if err := db.sql.Get(&dirID, `SELECT id FROM directory WHERE folder_id_string = ? AND name = ?`, folder, dirName); err != nil {
		return nil, wrap(ErrNotFound, absPath)
	}
	if err := db.sql.Get(&file, `SELECT * FROM file WHERE directory_id = ? AND name = ?`, dirID, base); err != nil {
		return nil, wrap(ErrNotFound, absPath)
	}
	db.pathCache.Add(cacheKey, pathLookup{DirectoryID: dirID, FileID: file.ID})

	return db.blockRequestsForFile(folder, name, file, position, length)
}

func (db *DB) blockRequestsForFile(folder, name string, file File, position, length int64) ([]BlockRequest, error) {
	var blocks []Block
	if err := db.sql.Select(&blocks, `SELECT * FROM block WHERE file_id = ? ORDER BY offset`, file.ID); err != nil {
		return nil, wrap(err)
	}

	end := position + length
	var out []BlockRequest
	for _, b := range blocks {
		bEnd := b.Offset + int64(b.Size)
		if bEnd <= position || b.Offset >= end {
			continue
		}
		out = append(out, BlockRequest{
			Folder: folder,
			Name:   name,
			FileID: file.ID,
			Offset: b.Offset,
			Size:   b.Size,
			Hash:   b.Hash,
			Cached: b.Cached == CachePresent,
		})
	}
	return out, nil
}

// UpdateBlock mutates a single block's cached state post-I/O.
func (db *DB) UpdateBlock(fileID, offset int64, state BlockCacheState) error {
	_, err := db.sql.Exec(`UPDATE block SET cached = ? WHERE file_id = ? AND offset = ?`, state, fileID, offset)
	return wrap(err)
}

// blockRow is the shared projection backing MissingBlocks/StaleBlocks.
type blockRow struct {
	FileID  int64  `db:"file_id"`
	Offset  int64  `db:"offset"`
	Size    uint32 `db:"size"`
	Hash    []byte `db:"hash"`
	Name    string `db:"name"`
	DirName string `db:"dir_name"`
}

func (r blockRow) toBlockRequest(folder string) BlockRequest {
	return BlockRequest{
		Folder: folder,
		Name:   joinDirName(r.DirName, r.Name),
		FileID: r.FileID,
		Offset: r.Offset,
		Size:   r.Size,
		Hash:   r.Hash,
	}
}

func joinDirName(dirName, name string) string {
	if dirName == rootDirName {
		return rootDirName + name
	}
	return dirName + "/" + name
}

// MissingBlocks returns up to limit not-yet-cached blocks belonging to
// files under a fully-synced directory in folder, ordered by file then
// offset — candidates for the orchestrator's opportunistic background
// refill after a material index change (spec §4.9).
func (db *DB) MissingBlocks(folder string, limit int) ([]BlockRequest, error) {
	var rows []blockRow
	err := db.sql.Select(&rows, `
		SELECT block.file_id AS file_id, block.offset AS offset, block.size AS size, block.hash AS hash,
		       file.name AS name, directory.name AS dir_name
		FROM block
		JOIN file ON file.id = block.file_id
		JOIN directory ON directory.id = file.directory_id
		WHERE directory.folder_id_string = ? AND directory.sync = ? AND block.cached = ?
		ORDER BY block.file_id, block.offset
		LIMIT ?
	`, folder, SyncFull, CacheAbsent, limit)
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]BlockRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toBlockRequest(folder))
	}
	return out, nil
}

// StaleBlocks returns up to limit blocks in folder marked stale — a
// cached copy whose authoritative hash or size changed underneath it
// (spec §3) — candidates for the orchestrator's cache-cleanup eviction.
func (db *DB) StaleBlocks(folder string, limit int) ([]BlockRequest, error) {
	var rows []blockRow
	err := db.sql.Select(&rows, `
		SELECT block.file_id AS file_id, block.offset AS offset, block.size AS size, block.hash AS hash,
		       file.name AS name, directory.name AS dir_name
		FROM block
		JOIN file ON file.id = block.file_id
		JOIN directory ON directory.id = file.directory_id
		WHERE directory.folder_id_string = ? AND block.cached = ?
		ORDER BY block.file_id, block.offset
		LIMIT ?
	`, folder, CacheStale, limit)
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]BlockRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toBlockRequest(folder))
	}
	return out, nil
}
