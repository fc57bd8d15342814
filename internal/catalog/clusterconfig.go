// Copyright (C) 2025 The Syncthing Authors.

package catalog

import (
	"bytes"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/bepcore/client/internal/bep"
)

func uint64ToBytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func bytesToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// UpdateClusterConfig applies an inbound ClusterConfig: folders and their
// devices are upserted per spec §4.5.
func (db *DB) UpdateClusterConfig(cc bep.ClusterConfig) error {
	return db.withTx("update_cluster_config", func(tx *sqlx.Tx) error {
		for _, f := range cc.Folders {
			if err := db.upsertFolder(tx, f); err != nil {
				return wrap(err, f.ID)
			}
			for _, d := range f.Devices {
				if err := db.upsertDevice(tx, f.ID, d); err != nil {
					return wrap(err, f.ID, d.Name)
				}
			}
		}
		return nil
	})
}

func (db *DB) upsertFolder(tx *sqlx.Tx, f bep.Folder) error {
	_, err := tx.Exec(`
		INSERT INTO folder (id_string, label, path, flags)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id_string) DO UPDATE SET label = excluded.label, flags = excluded.flags
	`, f.ID, f.Label, f.ID, f.Flags)
	return err
}

func (db *DB) upsertDevice(tx *sqlx.Tx, folderID string, d bep.Device) error {
	isSelf := bytes.Equal(d.ID, db.selfDeviceID)

	var existing Device
	err := tx.Get(&existing, `
		SELECT id, folder_id_string, name, addresses, max_sequence, max_sequence_internal, index_id
		FROM device WHERE id = ? AND folder_id_string = ?
	`, d.ID, folderID)

	addresses := strings.Join(d.Addresses, ",")
	name := d.Name
	if isSelf {
		name = db.selfDeviceName
	}

	if err == sql.ErrNoRows {
		indexID := uint64ToBytes(d.IndexID)
		if isSelf {
			indexID = make([]byte, 8)
			if _, rerr := rand.Read(indexID); rerr != nil {
				return wrap(rerr, "generating self index id")
			}
		}
		_, err := tx.Exec(`
			INSERT INTO device (id, folder_id_string, name, addresses, max_sequence, max_sequence_internal, index_id)
			VALUES (?, ?, ?, ?, ?, 0, ?)
		`, d.ID, folderID, name, addresses, d.MaxSequence, indexID)
		return err
	}
	if err != nil {
		return err
	}

	newIndexID := existing.IndexID
	maxSeqInternal := existing.MaxSequenceInternal
	if !isSelf {
		wireIndexID := uint64ToBytes(d.IndexID)
		if !bytes.Equal(wireIndexID, existing.IndexID) {
			newIndexID = wireIndexID
			maxSeqInternal = 0
		}
	}

	_, err = tx.Exec(`
		UPDATE device SET name = ?, addresses = ?, max_sequence = ?, max_sequence_internal = ?, index_id = ?
		WHERE id = ? AND folder_id_string = ?
	`, name, addresses, d.MaxSequence, maxSeqInternal, newIndexID, d.ID, folderID)
	return err
}

// GetClusterConfig builds the ClusterConfig this client sends to peerID:
// every known folder, each with exactly two devices, self and peerID.
func (db *DB) GetClusterConfig(peerID []byte) (bep.ClusterConfig, error) {
	var folders []Folder
	if err := db.sql.Select(&folders, `SELECT id_string, label, path, flags FROM folder`); err != nil {
		return bep.ClusterConfig{}, wrap(err)
	}

	var cc bep.ClusterConfig
	for _, f := range folders {
		var self, peer Device
		if err := db.sql.Get(&self, `SELECT * FROM device WHERE id = ? AND folder_id_string = ?`, db.selfDeviceID, f.IDString); err != nil {
			return bep.ClusterConfig{}, wrap(ErrNoSuchFolder, f.IDString, "missing self device row")
		}
		if err := db.sql.Get(&peer, `SELECT * FROM device WHERE id = ? AND folder_id_string = ?`, peerID, f.IDString); err != nil {
			return bep.ClusterConfig{}, wrap(ErrNoSuchFolder, f.IDString)
		}

		cc.Folders = append(cc.Folders, bep.Folder{
			ID:    f.IDString,
			Label: f.Label,
			Flags: f.Flags,
			Devices: []bep.Device{
				{
					ID:          self.ID,
					Name:        self.Name,
					Addresses:   splitAddresses(self.Addresses),
					MaxSequence: self.MaxSequenceInternal,
					IndexID:     bytesToUint64(self.IndexID),
				},
				{
					ID:          peer.ID,
					Name:        peer.Name,
					Addresses:   splitAddresses(peer.Addresses),
					MaxSequence: peer.MaxSequence,
					IndexID:     bytesToUint64(peer.IndexID),
				},
			},
		})
	}
	return cc, nil
}

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
