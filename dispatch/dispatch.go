// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/atmirror/cache"
	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/repo"
)

// Dispatcher applies changes to a cache.
type Dispatcher struct {
	cache  *cache.Cache
	logger *slog.Logger
}

// New returns a Dispatcher writing to c. A nil logger uses
// slog.Default.
func New(c *cache.Cache, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cache: c, logger: logger}
}

// Upsert stores record under rkey in the collection's table and
// reports whether the change was handled.
func (d *Dispatcher) Upsert(collection, rkey, cid string, record any) bool {
	if !d.accept(collection, rkey) {
		return false
	}

	var handled bool
	switch collection {
	case lexicon.Fact:
		handled = upsert(d.cache.Facts(), rkey, cid, record)
	case lexicon.Rule:
		handled = upsert(d.cache.Rules(), rkey, cid, record)
	case lexicon.Thought:
		handled = upsert(d.cache.Thoughts(), rkey, cid, record)
	case lexicon.Note:
		handled = upsert(d.cache.Notes(), rkey, cid, record)
	case lexicon.Job:
		handled = upsert(d.cache.Jobs(), rkey, cid, record)
	case lexicon.Tool:
		handled = upsert(d.cache.Tools(), rkey, cid, record)
	case lexicon.Identity:
		if value, ok := record.(lexicon.IdentityRecord); ok {
			d.cache.SetIdentity(value, cid)
			handled = true
		}
	case lexicon.DaemonState:
		if value, ok := record.(lexicon.DaemonStateRecord); ok {
			d.cache.SetDaemonState(value, cid)
			handled = true
		}
	}

	if !handled {
		d.logger.Warn("record type does not match collection, not applied",
			"collection", collection,
			"rkey", rkey,
			"type", typeName(record),
		)
	}
	return handled
}

// Delete removes rkey from the collection's table and reports whether
// the change was handled. Deleting a record that is not cached is
// handled (there is nothing left to do).
func (d *Dispatcher) Delete(collection, rkey string) bool {
	if !d.accept(collection, rkey) {
		return false
	}

	switch collection {
	case lexicon.Fact:
		d.cache.Facts().Delete(rkey)
	case lexicon.Rule:
		d.cache.Rules().Delete(rkey)
	case lexicon.Thought:
		d.cache.Thoughts().Delete(rkey)
	case lexicon.Note:
		d.cache.Notes().Delete(rkey)
	case lexicon.Job:
		d.cache.Jobs().Delete(rkey)
	case lexicon.Tool:
		d.cache.Tools().Delete(rkey)
	case lexicon.Identity:
		d.cache.ClearIdentity()
	case lexicon.DaemonState:
		d.cache.ClearDaemonState()
	default:
		return false
	}
	return true
}

// Apply routes a commit to Upsert or Delete. A create or update whose
// record could not be decoded is not handled.
func (d *Dispatcher) Apply(commit repo.Commit) bool {
	if commit.IsDelete() {
		return d.Delete(commit.Collection, commit.RecordKey)
	}
	if commit.Record == nil {
		if lexicon.IsTracked(commit.Collection) {
			d.logger.Warn("commit carries no decodable record, not applied",
				"uri", commit.URI(),
				"rev", commit.Rev,
			)
		}
		return false
	}
	return d.Upsert(commit.Collection, commit.RecordKey, commit.CID, commit.Record)
}

// ApplyFunc adapts Apply to the callback shape the cache gate takes.
func (d *Dispatcher) ApplyFunc() func(repo.Commit) {
	return func(commit repo.Commit) { d.Apply(commit) }
}

func (d *Dispatcher) accept(collection, rkey string) bool {
	if !lexicon.IsTracked(collection) {
		return false
	}
	if lexicon.IsSingleton(collection) && rkey != lexicon.SelfKey {
		d.logger.Warn("singleton record under unexpected key, not applied",
			"collection", collection,
			"rkey", rkey,
		)
		return false
	}
	return true
}

func upsert[T any](table *cache.Table[T], rkey, cid string, record any) bool {
	value, ok := record.(T)
	if !ok {
		return false
	}
	table.Upsert(rkey, value, cid)
	return true
}

func typeName(record any) string {
	if record == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", record)
}
