// Copyright (C) 2025 The Syncthing Authors.

package catalog

import "github.com/bepcore/client/internal/bep"

// SyncState describes how eagerly a directory or file's blocks should be
// kept resident in the local cache. It propagates from directory to file
// on insert (spec §3: "inherit sync from parent directory").
type SyncState int

const (
	SyncNone SyncState = iota
	SyncDownload
	SyncFull
)

// EntryType mirrors bep.EntryType for catalog-facing code that would
// otherwise need to import bep just for three constants.
type EntryType = bep.EntryType

const (
	EntryFile      = bep.EntryTypeFile
	EntryDirectory = bep.EntryTypeDirectory
	EntrySymlink   = bep.EntryTypeSymlink
)

// Flag bits, matching bep's wire flags exactly (spec §3: "flags is
// packed: bit0=deleted, bit1=invalid, bit2=noPermissions").
const (
	FlagDeleted       = bep.FlagDeleted
	FlagInvalid       = bep.FlagInvalid
	FlagNoPermissions = bep.FlagNoPermissions
)

// Folder is a peer-assigned share this client mirrors.
type Folder struct {
	IDString string `db:"id_string"`
	Label    string `db:"label"`
	Path     string `db:"path"`
	Flags    uint32 `db:"flags"`
}

// Device is a folder-scoped peer, including self.
type Device struct {
	ID                  []byte `db:"id"`
	FolderIDString      string `db:"folder_id_string"`
	Name                string `db:"name"`
	Addresses           string `db:"addresses"`
	MaxSequence         int64  `db:"max_sequence"`
	MaxSequenceInternal int64  `db:"max_sequence_internal"`
	IndexID             []byte `db:"index_id"`
}

// Directory is a single absolute directory path within a folder.
type Directory struct {
	ID             int64     `db:"id"`
	FolderIDString string    `db:"folder_id_string"`
	Name           string    `db:"name"`
	Permissions    uint32    `db:"permissions"`
	ModifiedS      int64     `db:"modified_s"`
	ModifiedNs     int32     `db:"modified_ns"`
	ModifiedBy     []byte    `db:"modified_by"`
	Flags          uint32    `db:"flags"`
	Sequence       int64     `db:"sequence"`
	Version        []byte    `db:"version"`
	Sync           SyncState `db:"sync"`
}

// File is a regular file or symlink, named relative to its Directory.
type File struct {
	ID            int64     `db:"id"`
	DirectoryID   int64     `db:"directory_id"`
	Name          string    `db:"name"`
	Size          int64     `db:"size"`
	Permissions   uint32    `db:"permissions"`
	ModifiedS     int64     `db:"modified_s"`
	ModifiedNs    int32     `db:"modified_ns"`
	ModifiedBy    []byte    `db:"modified_by"`
	Flags         uint32    `db:"flags"`
	Sequence      int64     `db:"sequence"`
	BlockSize     uint32    `db:"block_size"`
	Version       []byte    `db:"version"`
	SymlinkTarget string    `db:"symlink_target"`
	Sync          SyncState `db:"sync"`
}

// BlockCacheState describes a block's presence in the local cache.
type BlockCacheState int

const (
	CacheAbsent BlockCacheState = iota
	CachePresent
	CacheStale
)

// Block is one content-addressed slice of a File.
type Block struct {
	ID     int64           `db:"id"`
	FileID int64           `db:"file_id"`
	Offset int64           `db:"offset"`
	Size   uint32          `db:"size"`
	Hash   []byte          `db:"hash"`
	Cached BlockCacheState `db:"cached"`
}

// ListEntry is the read-facing projection of a directory or file entry,
// per spec §6.
type ListEntry struct {
	Type        EntryType
	Name        string
	Size        int64
	Permissions uint32
	ModifiedS   int64
	ModifiedBy  []byte
}

// BlockRequest identifies one block to be fetched or already resident,
// produced by the read planner and consumed by the scheduler and cache.
type BlockRequest struct {
	Folder string
	Name   string
	FileID int64
	Offset int64
	Size   uint32
	Hash   []byte
	Cached bool
}

func (f File) isDeleted() bool      { return f.Flags&FlagDeleted != 0 }
func (d Directory) isDeleted() bool { return d.Flags&FlagDeleted != 0 }
