// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package car

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/atmirror/lib/cid"
	"github.com/bureau-foundation/atmirror/lib/codec"
)

func makeBlock(t *testing.T, value any) Block {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return Block{CID: cid.ForDAGCBOR(data), Data: data}
}

func encodeArchive(t *testing.T, roots []cid.CID, blocks []Block) []byte {
	t.Helper()
	var buffer bytes.Buffer
	if err := Write(&buffer, roots, blocks); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return buffer.Bytes()
}

func TestWriteReadRoundTrip(t *testing.T) {
	first := makeBlock(t, map[string]any{"text": "one"})
	second := makeBlock(t, map[string]any{"text": "two"})
	data := encodeArchive(t, []cid.CID{first.CID}, []Block{first, second})

	archive, err := Read(data, ReadOptions{VerifyBlocks: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(archive.Header.Roots) != 1 || archive.Header.Roots[0] != first.CID {
		t.Errorf("roots = %v, want [%s]", archive.Header.Roots, first.CID)
	}
	if archive.Len() != 2 {
		t.Errorf("Len() = %d, want 2", archive.Len())
	}
	got, ok := archive.Get(second.CID)
	if !ok || !bytes.Equal(got, second.Data) {
		t.Errorf("Get(second) = %x, %v", got, ok)
	}
	if _, ok := archive.Get(cid.ForDAGCBOR([]byte("absent"))); ok {
		t.Error("Get of an absent CID should report false")
	}
}

func TestReadDeduplicatesBlocks(t *testing.T) {
	block := makeBlock(t, "same")
	data := encodeArchive(t, []cid.CID{block.CID}, []Block{block, block})
	archive, err := Read(data, ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if archive.Len() != 1 {
		t.Errorf("Len() = %d, want 1", archive.Len())
	}
}

func TestReadMalformed(t *testing.T) {
	block := makeBlock(t, "payload")
	valid := encodeArchive(t, []cid.CID{block.CID}, []Block{block})

	badVersion, _ := codec.Marshal(Header{Version: 2})
	var badVersionArchive bytes.Buffer
	writeSection(&badVersionArchive, badVersion)

	tampered := Block{CID: block.CID, Data: []byte("not the original bytes")}
	tamperedArchive := encodeArchive(t, []cid.CID{block.CID}, []Block{tampered})

	tests := []struct {
		name    string
		data    []byte
		options ReadOptions
	}{
		{"empty", nil, ReadOptions{}},
		{"garbage", []byte{0xff, 0xff, 0xff}, ReadOptions{}},
		{"truncated", valid[:len(valid)-3], ReadOptions{}},
		{"header not cbor", []byte{0x02, 0xff, 0xfe}, ReadOptions{}},
		{"unsupported version", badVersionArchive.Bytes(), ReadOptions{}},
		{"digest mismatch", tamperedArchive, ReadOptions{VerifyBlocks: true}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Read(test.data, test.options)
			var formatErr *FormatError
			if !errors.As(err, &formatErr) {
				t.Fatalf("Read error = %v, want *FormatError", err)
			}
		})
	}

	// Without verification the tampered archive parses.
	if _, err := Read(tamperedArchive, ReadOptions{}); err != nil {
		t.Errorf("Read without verification: %v", err)
	}
}
