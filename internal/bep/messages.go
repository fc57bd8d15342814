// Copyright (C) 2014 The Protocol Authors.

package bep

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// EntryType discriminates the kind of filesystem entry a wire Entry
// describes; directories, regular files, and symlinks all travel as the
// same message shape (spec §4.4).
type EntryType int32

const (
	EntryTypeFile      EntryType = 0
	EntryTypeDirectory EntryType = 1
	EntryTypeSymlink   EntryType = 4
)

// Flag bits packed into Entry.Flags, per the data model in spec §3.
const (
	FlagDeleted       uint32 = 1 << 0
	FlagInvalid       uint32 = 1 << 1
	FlagNoPermissions uint32 = 1 << 2
)

// Counter is one device's contribution to a version Vector.
type Counter struct {
	ID    uint64
	Value uint64
}

// Vector is a version vector: one monotonic counter per contributing
// device, used to detect conflicting concurrent edits. This client never
// writes, so it only ever compares vectors opaquely; no merge/compare
// logic is implemented (out of scope: conflict resolution, spec §1).
type Vector struct {
	Counters []Counter
}

func (v Vector) marshal(num protowire.Number) []byte {
	if len(v.Counters) == 0 {
		return nil
	}
	var sub []byte
	for _, c := range v.Counters {
		var cb []byte
		cb = appendVarint(cb, 1, c.ID)
		cb = appendVarint(cb, 2, c.Value)
		sub = appendMessage(sub, 1, cb)
	}
	return appendMessage(nil, num, sub)
}

func unmarshalVector(b []byte) (Vector, error) {
	var v Vector
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return -1
		}
		sub, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var c Counter
		_ = forEachField(sub, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				v, n := consumeVarint(b)
				c.ID = v
				return n
			case 2:
				v, n := consumeVarint(b)
				c.Value = v
				return n
			default:
				return -1
			}
		})
		v.Counters = append(v.Counters, c)
		return n
	})
	return v, err
}

// BlockInfo describes one content-addressed slice of a file, as carried on
// the wire (no Offset field server-side beyond what's implied by ordering
// in real BEP, but we keep an explicit Offset since the catalog and cache
// both key on it directly; spec §3 Block entity carries it explicitly).
type BlockInfo struct {
	Offset int64
	Size   uint32
	Hash   []byte
}

func (b BlockInfo) marshal() []byte {
	var out []byte
	out = appendInt64(out, 1, b.Offset)
	out = appendVarint(out, 2, uint64(b.Size))
	out = appendBytes(out, 3, b.Hash)
	return out
}

func unmarshalBlockInfo(b []byte) (BlockInfo, error) {
	var bi BlockInfo
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			bi.Offset = int64(v)
			return n
		case 2:
			v, n := consumeVarint(b)
			bi.Size = uint32(v)
			return n
		case 3:
			v, n := consumeBytes(b)
			bi.Hash = v
			return n
		default:
			return -1
		}
	})
	return bi, err
}

// Entry is the wire shape of a single Index/IndexUpdate record: a
// directory, file, or symlink. name is relative (no leading slash) on the
// wire; the codec layer prepends '/' when decoding into the internal
// model (spec §4.4).
type Entry struct {
	Name          string
	Type          EntryType
	Permissions   uint32
	ModifiedS     int64
	ModifiedNs    int32
	ModifiedBy    uint64 // big-endian device index, reinterpreted as 8 raw bytes by the codec
	Flags         uint32
	Sequence      int64
	BlockSize     uint32
	Version       Vector
	SymlinkTarget string
	Blocks        []BlockInfo
}

func (e Entry) marshal() []byte {
	var out []byte
	out = appendString(out, 1, e.Name)
	out = appendVarint(out, 2, uint64(e.Type))
	out = appendVarint(out, 3, uint64(e.Permissions))
	out = appendInt64(out, 4, e.ModifiedS)
	out = appendVarint(out, 5, uint64(e.ModifiedNs))
	out = appendVarint(out, 6, e.ModifiedBy)
	out = appendVarint(out, 7, uint64(e.Flags))
	out = appendInt64(out, 8, e.Sequence)
	out = appendVarint(out, 9, uint64(e.BlockSize))
	if vb := e.Version.marshal(10); vb != nil {
		out = append(out, vb...)
	}
	out = appendString(out, 11, e.SymlinkTarget)
	for _, blk := range e.Blocks {
		out = appendMessage(out, 12, blk.marshal())
	}
	return out
}

func unmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			e.Name = v
			return n
		case 2:
			v, n := consumeVarint(b)
			e.Type = EntryType(v)
			return n
		case 3:
			v, n := consumeVarint(b)
			e.Permissions = uint32(v)
			return n
		case 4:
			v, n := consumeVarint(b)
			e.ModifiedS = int64(v)
			return n
		case 5:
			v, n := consumeVarint(b)
			e.ModifiedNs = int32(v)
			return n
		case 6:
			v, n := consumeVarint(b)
			e.ModifiedBy = v
			return n
		case 7:
			v, n := consumeVarint(b)
			e.Flags = uint32(v)
			return n
		case 8:
			v, n := consumeVarint(b)
			e.Sequence = int64(v)
			return n
		case 9:
			v, n := consumeVarint(b)
			e.BlockSize = uint32(v)
			return n
		case 10:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			vec, verr := unmarshalVector(sub)
			if verr == nil {
				e.Version = vec
			}
			return n
		case 11:
			v, n := consumeString(b)
			e.SymlinkTarget = v
			return n
		case 12:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			blk, berr := unmarshalBlockInfo(sub)
			if berr == nil {
				e.Blocks = append(e.Blocks, blk)
			}
			return n
		default:
			return -1
		}
	})
	return e, err
}

// IndexMessage is the flat wire shape of both Index and IndexUpdate
// messages: a folder ID and the list of entries it carries in this
// message. Grouping this into the internal, directory-grouped shape is
// done by assembleIndex in internal/catalog/index.go.
type IndexMessage struct {
	Folder string
	Files  []Entry
}

func (m IndexMessage) Marshal() []byte {
	var out []byte
	out = appendString(out, 1, m.Folder)
	for _, f := range m.Files {
		out = appendMessage(out, 2, f.marshal())
	}
	return out
}

func (m *IndexMessage) Unmarshal(b []byte) error {
	*m = IndexMessage{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			m.Folder = v
			return n
		case 2:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			e, err := unmarshalEntry(sub)
			if err == nil {
				m.Files = append(m.Files, e)
			}
			return n
		default:
			return -1
		}
	})
}

// Device is a folder-scoped peer description within a ClusterConfig.
type Device struct {
	ID          []byte // 32 bytes
	Name        string
	Addresses   []string
	MaxSequence int64
	IndexID     uint64
	Introducer  bool
}

func (d Device) marshal() []byte {
	var out []byte
	out = appendBytes(out, 1, d.ID)
	out = appendString(out, 2, d.Name)
	for _, a := range d.Addresses {
		out = appendString(out, 3, a)
	}
	out = appendInt64(out, 4, d.MaxSequence)
	out = appendVarint(out, 5, d.IndexID)
	out = appendBool(out, 6, d.Introducer)
	return out
}

func unmarshalDevice(b []byte) (Device, error) {
	var d Device
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeBytes(b)
			d.ID = v
			return n
		case 2:
			v, n := consumeString(b)
			d.Name = v
			return n
		case 3:
			v, n := consumeString(b)
			d.Addresses = append(d.Addresses, v)
			return n
		case 4:
			v, n := consumeVarint(b)
			d.MaxSequence = int64(v)
			return n
		case 5:
			v, n := consumeVarint(b)
			d.IndexID = v
			return n
		case 6:
			v, n := consumeVarint(b)
			d.Introducer = v != 0
			return n
		default:
			return -1
		}
	})
	return d, err
}

// Folder is one folder entry within a ClusterConfig.
type Folder struct {
	ID      string
	Label   string
	Flags   uint32
	Devices []Device
}

func (f Folder) marshal() []byte {
	var out []byte
	out = appendString(out, 1, f.ID)
	out = appendString(out, 2, f.Label)
	out = appendVarint(out, 3, uint64(f.Flags))
	for _, d := range f.Devices {
		out = appendMessage(out, 4, d.marshal())
	}
	return out
}

func unmarshalFolder(b []byte) (Folder, error) {
	var f Folder
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			f.ID = v
			return n
		case 2:
			v, n := consumeString(b)
			f.Label = v
			return n
		case 3:
			v, n := consumeVarint(b)
			f.Flags = uint32(v)
			return n
		case 4:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			dv, derr := unmarshalDevice(sub)
			if derr == nil {
				f.Devices = append(f.Devices, dv)
			}
			return n
		default:
			return -1
		}
	})
	return f, err
}

// ClusterConfig is exchanged once, immediately, in both directions after
// connection (spec §4.9): the mutually-understood set of folders/devices.
type ClusterConfig struct {
	Folders []Folder
}

func (m ClusterConfig) Marshal() []byte {
	var out []byte
	for _, f := range m.Folders {
		out = appendMessage(out, 1, f.marshal())
	}
	return out
}

func (m *ClusterConfig) Unmarshal(b []byte) error {
	*m = ClusterConfig{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return -1
		}
		sub, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		f, err := unmarshalFolder(sub)
		if err == nil {
			m.Folders = append(m.Folders, f)
		}
		return n
	})
}

// Request asks the peer for a byte range of a specific block.
type Request struct {
	ID     int64
	Folder string
	Name   string
	Offset int64
	Size   uint32
	Hash   []byte
}

func (m Request) Marshal() []byte {
	var out []byte
	out = appendInt64(out, 1, m.ID)
	out = appendString(out, 2, m.Folder)
	out = appendString(out, 3, m.Name)
	out = appendInt64(out, 4, m.Offset)
	out = appendVarint(out, 5, uint64(m.Size))
	out = appendBytes(out, 6, m.Hash)
	return out
}

func (m *Request) Unmarshal(b []byte) error {
	*m = Request{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			m.ID = int64(v)
			return n
		case 2:
			v, n := consumeString(b)
			m.Folder = v
			return n
		case 3:
			v, n := consumeString(b)
			m.Name = v
			return n
		case 4:
			v, n := consumeVarint(b)
			m.Offset = int64(v)
			return n
		case 5:
			v, n := consumeVarint(b)
			m.Size = uint32(v)
			return n
		case 6:
			v, n := consumeBytes(b)
			m.Hash = v
			return n
		default:
			return -1
		}
	})
}

// ResponseCode is the status carried in a Response message.
type ResponseCode int32

const (
	ResponseCodeGeneric    ResponseCode = 1
	ResponseCodeNoSuchFile ResponseCode = 2
	ResponseCodeInvalid    ResponseCode = 3
)

// Response carries the peer's reply to a Request.
type Response struct {
	ID   int64
	Data []byte
	Code ResponseCode
}

func (m Response) Marshal() []byte {
	var out []byte
	out = appendInt64(out, 1, m.ID)
	out = appendBytes(out, 2, m.Data)
	out = appendVarint(out, 3, uint64(m.Code))
	return out
}

func (m *Response) Unmarshal(b []byte) error {
	*m = Response{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			m.ID = int64(v)
			return n
		case 2:
			v, n := consumeBytes(b)
			m.Data = v
			return n
		case 3:
			v, n := consumeVarint(b)
			m.Code = ResponseCode(v)
			return n
		default:
			return -1
		}
	})
}

// DownloadProgress announces partial downloads of files in a folder. This
// client never uploads or shares partial-download state (it has no peers
// of its own), so it decodes this message only to avoid breaking framing
// and otherwise ignores its content.
type DownloadProgress struct {
	Folder string
}

func (m DownloadProgress) Marshal() []byte {
	return appendString(nil, 1, m.Folder)
}

func (m *DownloadProgress) Unmarshal(b []byte) error {
	*m = DownloadProgress{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return -1
		}
		v, n := consumeString(b)
		m.Folder = v
		return n
	})
}

// Ping is an empty keepalive message.
type Ping struct{}

func (Ping) Marshal() []byte          { return nil }
func (*Ping) Unmarshal(b []byte) error { return nil }

// Close carries an optional human-readable reason for a graceful shutdown.
type Close struct {
	Reason string
}

func (m Close) Marshal() []byte { return appendString(nil, 1, m.Reason) }

func (m *Close) Unmarshal(b []byte) error {
	*m = Close{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return -1
		}
		v, n := consumeString(b)
		m.Reason = v
		return n
	})
}
