// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/lib/car"
	"github.com/bureau-foundation/atmirror/lib/cid"
	"github.com/bureau-foundation/atmirror/lib/codec"
)

// ErrMalformedArchive is wrapped by every DecodeSnapshot error.
var ErrMalformedArchive = errors.New("repo: malformed archive")

// Entry is one decoded record and its content identifier.
type Entry struct {
	Record any
	CID    string
}

// SkippedRecord describes a record that was present in the tree but
// could not be decoded.
type SkippedRecord struct {
	Collection string
	RecordKey  string
	CID        string
	Reason     string
}

// Snapshot is the decoded content of a full repository archive.
type Snapshot struct {
	// Repo is the DID named in the commit block.
	Repo string
	// Rev is the commit's revision.
	Rev string
	// CommitCID identifies the root commit block.
	CommitCID string

	// Collections maps each tracked non-singleton collection to its
	// records by record key. Every tracked collection has a (possibly
	// empty) map.
	Collections map[string]map[string]Entry

	// Identity and DaemonState are the singleton records, nil when the
	// repository has none.
	Identity    *Entry
	DaemonState *Entry

	Skipped []SkippedRecord

	// Untracked counts records in collections the mirror ignores.
	Untracked int
}

// Collection returns the records of one collection, or nil if the
// collection is not tracked or is a singleton.
func (s *Snapshot) Collection(collection string) map[string]Entry {
	return s.Collections[collection]
}

// RecordCount is the number of decoded records including singletons.
func (s *Snapshot) RecordCount() int {
	count := 0
	for _, records := range s.Collections {
		count += len(records)
	}
	if s.Identity != nil {
		count++
	}
	if s.DaemonState != nil {
		count++
	}
	return count
}

// DecodeOptions configures DecodeSnapshot.
type DecodeOptions struct {
	// VerifyBlocks recomputes the hash of every block in the archive.
	VerifyBlocks bool
}

// commitBlock is the signed root of a repository.
type commitBlock struct {
	DID     string  `cbor:"did"`
	Version int64   `cbor:"version"`
	Data    cid.CID `cbor:"data"`
	Rev     string  `cbor:"rev"`
	Prev    cid.CID `cbor:"prev"`
	Sig     []byte  `cbor:"sig"`
}

// DecodeSnapshot decodes a complete repository archive.
func DecodeSnapshot(data []byte, options DecodeOptions) (*Snapshot, error) {
	archive, err := car.Read(data, car.ReadOptions{VerifyBlocks: options.VerifyBlocks})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
	}
	if len(archive.Header.Roots) == 0 {
		return nil, fmt.Errorf("%w: archive has no root", ErrMalformedArchive)
	}

	root := archive.Header.Roots[0]
	commit, err := readCommit(archive, root)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Repo:        commit.DID,
		Rev:         commit.Rev,
		CommitCID:   root.String(),
		Collections: make(map[string]map[string]Entry),
	}
	for _, collection := range lexicon.TrackedCollections() {
		if !lexicon.IsSingleton(collection) {
			snapshot.Collections[collection] = make(map[string]Entry)
		}
	}

	err = walkTree(archive, commit.Data, func(key string, value cid.CID) {
		snapshot.add(archive, key, value)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func readCommit(archive *car.Archive, root cid.CID) (*commitBlock, error) {
	block, ok := archive.Get(root)
	if !ok {
		return nil, fmt.Errorf("%w: root commit block %s missing", ErrMalformedArchive, root)
	}
	var commit commitBlock
	if err := codec.Unmarshal(block, &commit); err != nil {
		return nil, fmt.Errorf("%w: decoding commit block: %w", ErrMalformedArchive, err)
	}
	if commit.DID == "" {
		return nil, fmt.Errorf("%w: commit block has no did", ErrMalformedArchive)
	}
	if commit.Version != 2 && commit.Version != 3 {
		return nil, fmt.Errorf("%w: unsupported repository version %d", ErrMalformedArchive, commit.Version)
	}
	if commit.Data.IsZero() {
		return nil, fmt.Errorf("%w: commit block has no data root", ErrMalformedArchive)
	}
	return &commit, nil
}

// add decodes one tree leaf into the snapshot.
func (s *Snapshot) add(archive *car.Archive, key string, value cid.CID) {
	collection, recordKey, ok := strings.Cut(key, "/")
	if !ok || collection == "" || recordKey == "" {
		s.skip(collection, recordKey, value, fmt.Sprintf("invalid tree key %q", key))
		return
	}
	if !lexicon.IsTracked(collection) {
		s.Untracked++
		return
	}
	if lexicon.IsSingleton(collection) && recordKey != lexicon.SelfKey {
		s.skip(collection, recordKey, value, "singleton record key is not "+lexicon.SelfKey)
		return
	}

	block, ok := archive.Get(value)
	if !ok {
		s.skip(collection, recordKey, value, "record block missing from archive")
		return
	}
	record, err := lexicon.DecodeCBOR(collection, block)
	if err != nil {
		s.skip(collection, recordKey, value, err.Error())
		return
	}

	entry := Entry{Record: record, CID: value.String()}
	switch collection {
	case lexicon.Identity:
		s.Identity = &entry
	case lexicon.DaemonState:
		s.DaemonState = &entry
	default:
		s.Collections[collection][recordKey] = entry
	}
}

func (s *Snapshot) skip(collection, recordKey string, value cid.CID, reason string) {
	s.Skipped = append(s.Skipped, SkippedRecord{
		Collection: collection,
		RecordKey:  recordKey,
		CID:        value.String(),
		Reason:     reason,
	})
}
