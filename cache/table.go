// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sort"
	"sync"
)

// Record is a cached record value and its content identifier.
type Record[T any] struct {
	Value T
	CID   string
}

// Entry is a Record with its key, as returned by [Table.List].
type Entry[T any] struct {
	Key   string
	Value T
	CID   string
}

// Table holds the records of one collection keyed by record key.
// Readers never observe a partially applied write.
type Table[T any] struct {
	collection string
	publish    func(Change)

	mu      sync.RWMutex
	records map[string]Record[T]
}

func newTable[T any](collection string, publish func(Change)) *Table[T] {
	return &Table[T]{
		collection: collection,
		publish:    publish,
		records:    make(map[string]Record[T]),
	}
}

// Collection returns the collection NSID the table mirrors.
func (t *Table[T]) Collection() string { return t.collection }

// Upsert stores value under key. Storing a record whose CID equals the
// cached one overwrites it silently: it reports false and publishes
// nothing. Otherwise it reports true and publishes an upsert change.
func (t *Table[T]) Upsert(key string, value T, cid string) bool {
	t.mu.Lock()
	existing, exists := t.records[key]
	t.records[key] = Record[T]{Value: value, CID: cid}
	t.mu.Unlock()

	if exists && existing.CID == cid {
		return false
	}
	t.publish(Change{Kind: ChangeUpsert, Collection: t.collection, Key: key, CID: cid})
	return true
}

// Delete removes key. Deleting an absent key is a no-op that reports
// false and publishes nothing.
func (t *Table[T]) Delete(key string) bool {
	t.mu.Lock()
	_, exists := t.records[key]
	delete(t.records, key)
	t.mu.Unlock()

	if !exists {
		return false
	}
	t.publish(Change{Kind: ChangeDelete, Collection: t.collection, Key: key})
	return true
}

// Get returns the record stored under key.
func (t *Table[T]) Get(key string) (Record[T], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.records[key]
	return record, ok
}

// List returns every record sorted by key.
func (t *Table[T]) List() []Entry[T] {
	t.mu.RLock()
	entries := make([]Entry[T], 0, len(t.records))
	for key, record := range t.records {
		entries = append(entries, Entry[T]{Key: key, Value: record.Value, CID: record.CID})
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Len returns the number of records.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// replace swaps in a whole new record set without publishing.
func (t *Table[T]) replace(records map[string]Record[T]) {
	t.mu.Lock()
	t.records = records
	t.mu.Unlock()
}

// Singleton holds at most one record.
type Singleton[T any] struct {
	collection string
	key        string
	publish    func(Change)

	mu     sync.RWMutex
	record *Record[T]
}

func newSingleton[T any](collection, key string, publish func(Change)) *Singleton[T] {
	return &Singleton[T]{collection: collection, key: key, publish: publish}
}

// Get returns the record, if set.
func (s *Singleton[T]) Get() (Record[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil {
		return Record[T]{}, false
	}
	return *s.record, true
}

// Set stores the record, with the same identical-CID rule as
// [Table.Upsert].
func (s *Singleton[T]) Set(value T, cid string) bool {
	s.mu.Lock()
	previous := s.record
	s.record = &Record[T]{Value: value, CID: cid}
	s.mu.Unlock()

	if previous != nil && previous.CID == cid {
		return false
	}
	s.publish(Change{Kind: ChangeUpsert, Collection: s.collection, Key: s.key, CID: cid})
	return true
}

// Clear removes the record.
func (s *Singleton[T]) Clear() bool {
	s.mu.Lock()
	previous := s.record
	s.record = nil
	s.mu.Unlock()

	if previous == nil {
		return false
	}
	s.publish(Change{Kind: ChangeDelete, Collection: s.collection, Key: s.key})
	return true
}

func (s *Singleton[T]) replace(record *Record[T]) {
	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
}
