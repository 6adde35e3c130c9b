// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"fmt"

	"github.com/bureau-foundation/atmirror/lib/aturi"
)

// Operation is the kind of change a commit makes to one record.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation accepts the operation names used by both stream
// formats.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(raw) {
	case OpCreate, OpUpdate, OpDelete:
		return Operation(raw), nil
	}
	return "", fmt.Errorf("repo: unknown operation %q", raw)
}

// Commit is one record-level change observed on a stream, normalized
// across wire formats.
type Commit struct {
	// Repo is the owner DID.
	Repo string
	// Rev is the repository revision (a TID) that produced the change.
	// Revisions compare lexically.
	Rev        string
	Collection string
	RecordKey  string
	Operation  Operation
	// Record is the decoded lexicon value. Nil for deletes, and for
	// creates or updates whose record could not be decoded.
	Record any
	// CID is the record's content identifier. Empty for deletes.
	CID string
	// Seq is the stream's cursor marker for the frame that carried the
	// commit (Jetstream time_us or firehose seq). Informational only.
	Seq int64
}

// URI returns the record's AT URI.
func (c Commit) URI() aturi.URI {
	uri, err := aturi.New(c.Repo, c.Collection, c.RecordKey)
	if err != nil {
		return aturi.URI{}
	}
	return uri
}

// IsDelete reports whether the commit removes its record.
func (c Commit) IsDelete() bool { return c.Operation == OpDelete }

// NewerThan reports whether the commit's revision is strictly after
// watermark. An empty watermark is older than every revision.
func (c Commit) NewerThan(watermark string) bool {
	return watermark == "" || c.Rev > watermark
}
