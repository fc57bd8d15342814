package bep

import (
	"bytes"
	"reflect"
	"testing"
)

func TestIndexMessageRoundTrip(t *testing.T) {
	msg := IndexMessage{
		Folder: "docs",
		Files: []Entry{
			{
				Name:        "readme.txt",
				Type:        EntryTypeFile,
				Permissions: 0o644,
				ModifiedS:   1700000000,
				ModifiedNs:  123,
				Flags:       0,
				Sequence:    1,
				BlockSize:   128 << 10,
				Version:     Vector{Counters: []Counter{{ID: 1, Value: 5}}},
				Blocks: []BlockInfo{
					{Offset: 0, Size: 128 << 10, Hash: bytes.Repeat([]byte{0xab}, 32)},
				},
			},
			{
				Name: "subdir",
				Type: EntryTypeDirectory,
			},
		},
	}

	var got IndexMessage
	if err := got.Unmarshal(msg.Marshal()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestClusterConfigRoundTrip(t *testing.T) {
	cc := ClusterConfig{
		Folders: []Folder{
			{
				ID:    "default",
				Label: "Default Folder",
				Devices: []Device{
					{ID: bytes.Repeat([]byte{1}, 32), Name: "laptop", Addresses: []string{"tcp://10.0.0.1:22000"}, MaxSequence: 42, IndexID: 7},
				},
			},
		},
	}
	var got ClusterConfig
	if err := got.Unmarshal(cc.Marshal()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, cc) {
		t.Fatalf("got %+v, want %+v", got, cc)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	req := Request{ID: 99, Folder: "default", Name: "a/b/c.bin", Offset: 4096, Size: 128 << 10, Hash: bytes.Repeat([]byte{2}, 32)}
	var gotReq Request
	if err := gotReq.Unmarshal(req.Marshal()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotReq, req) {
		t.Fatalf("got %+v, want %+v", gotReq, req)
	}

	resp := Response{ID: 99, Data: []byte("blockdata"), Code: ResponseCodeGeneric}
	var gotResp Response
	if err := gotResp.Unmarshal(resp.Marshal()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotResp, resp) {
		t.Fatalf("got %+v, want %+v", gotResp, resp)
	}
}

func TestPingAndCloseRoundTrip(t *testing.T) {
	if b := (Ping{}).Marshal(); len(b) != 0 {
		t.Fatalf("expected empty ping payload, got %d bytes", len(b))
	}

	c := Close{Reason: "shutting down"}
	var got Close
	if err := got.Unmarshal(c.Marshal()); err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Fatalf("got %+v, want %+v", got, c)
	}
}

func TestDownloadProgressIgnored(t *testing.T) {
	dp := DownloadProgress{Folder: "default"}
	var got DownloadProgress
	if err := got.Unmarshal(dp.Marshal()); err != nil {
		t.Fatal(err)
	}
	if got != dp {
		t.Fatalf("got %+v, want %+v", got, dp)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	// A field number not used by Entry, appended after a valid field, must
	// be skipped rather than aborting the whole decode.
	b := appendString(nil, 1, "known.txt")
	b = appendString(b, 200, "from-a-newer-peer")
	ent, err := unmarshalEntry(b)
	if err != nil {
		t.Fatal(err)
	}
	if ent.Name != "known.txt" {
		t.Fatalf("got name %q", ent.Name)
	}
}
