// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package car

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/atmirror/lib/cid"
	"github.com/bureau-foundation/atmirror/lib/codec"
)

// maxSectionSize bounds a single header or block section. Repository
// blocks are small (records are capped at a few hundred KB upstream);
// the bound only stops a corrupt length varint from allocating
// gigabytes.
const maxSectionSize = 8 << 20

// Header is the first section of an archive.
type Header struct {
	Roots   []cid.CID `cbor:"roots"`
	Version uint64    `cbor:"version"`
}

// Block is one content-addressed section.
type Block struct {
	CID  cid.CID
	Data []byte
}

// FormatError reports malformed archive framing. Offset is the byte
// position of the section that failed to parse.
type FormatError struct {
	Offset int
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("car: malformed archive at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("car: malformed archive at offset %d: %s", e.Offset, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ReadOptions configures Read.
type ReadOptions struct {
	// VerifyBlocks recomputes every block's digest and rejects the
	// archive if any block does not match its CID.
	VerifyBlocks bool
}

// Archive is a fully parsed archive held in memory. Block data slices
// alias the input buffer passed to Read.
type Archive struct {
	Header Header
	Blocks []Block
	index  map[cid.CID]int
}

// Read parses a complete archive. Any framing problem (bad varint,
// truncated section, undecodable header, unsupported version, bad
// block CID, digest mismatch when verifying) returns a *FormatError
// and no archive.
func Read(data []byte, options ReadOptions) (*Archive, error) {
	headerBytes, offset, err := readSection(data, 0)
	if err != nil {
		return nil, err
	}
	var header Header
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, &FormatError{Offset: 0, Reason: "decoding header", Err: err}
	}
	if header.Version != 1 {
		return nil, &FormatError{Offset: 0, Reason: fmt.Sprintf("unsupported archive version %d", header.Version)}
	}

	archive := &Archive{
		Header: header,
		index:  make(map[cid.CID]int),
	}
	for offset < len(data) {
		sectionStart := offset
		section, next, err := readSection(data, offset)
		if err != nil {
			return nil, err
		}
		offset = next

		blockCID, n, err := cid.Read(section)
		if err != nil {
			return nil, &FormatError{Offset: sectionStart, Reason: "reading block CID", Err: err}
		}
		blockData := section[n:]
		if options.VerifyBlocks {
			if err := blockCID.Verify(blockData); err != nil {
				return nil, &FormatError{Offset: sectionStart, Reason: "verifying block", Err: err}
			}
		}
		if _, seen := archive.index[blockCID]; seen {
			continue
		}
		archive.index[blockCID] = len(archive.Blocks)
		archive.Blocks = append(archive.Blocks, Block{CID: blockCID, Data: blockData})
	}
	return archive, nil
}

// readSection reads one varint-length-prefixed section starting at
// offset and returns its body and the offset following it.
func readSection(data []byte, offset int) ([]byte, int, error) {
	length, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, 0, &FormatError{Offset: offset, Reason: "invalid section length varint"}
	}
	if length == 0 {
		return nil, 0, &FormatError{Offset: offset, Reason: "empty section"}
	}
	if length > maxSectionSize {
		return nil, 0, &FormatError{Offset: offset, Reason: fmt.Sprintf("section length %d exceeds limit %d", length, maxSectionSize)}
	}
	start := offset + n
	end := start + int(length)
	if end > len(data) {
		return nil, 0, &FormatError{Offset: offset, Reason: fmt.Sprintf("truncated section: want %d bytes, have %d", length, len(data)-start)}
	}
	return data[start:end], end, nil
}

// Get returns the data of the block with the given CID.
func (a *Archive) Get(c cid.CID) ([]byte, bool) {
	index, ok := a.index[c]
	if !ok {
		return nil, false
	}
	return a.Blocks[index].Data, true
}

// Len returns the number of distinct blocks.
func (a *Archive) Len() int { return len(a.Blocks) }

// Write serializes an archive with the given roots and blocks.
func Write(w io.Writer, roots []cid.CID, blocks []Block) error {
	headerBytes, err := codec.Marshal(Header{Roots: roots, Version: 1})
	if err != nil {
		return fmt.Errorf("car: encoding header: %w", err)
	}
	if err := writeSection(w, headerBytes); err != nil {
		return err
	}
	for _, block := range blocks {
		if err := writeSection(w, block.CID.Bytes(), block.Data); err != nil {
			return err
		}
	}
	return nil
}

func writeSection(w io.Writer, parts ...[]byte) error {
	total := 0
	for _, part := range parts {
		total += len(part)
	}
	if _, err := w.Write(binary.AppendUvarint(nil, uint64(total))); err != nil {
		return fmt.Errorf("car: writing section length: %w", err)
	}
	for _, part := range parts {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("car: writing section: %w", err)
		}
	}
	return nil
}
