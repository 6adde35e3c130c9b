// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ChangeKind discriminates Change values.
type ChangeKind string

const (
	// ChangeUpsert: a record was created or replaced.
	ChangeUpsert ChangeKind = "upsert"
	// ChangeDelete: a record was removed.
	ChangeDelete ChangeKind = "delete"
	// ChangeSynchronized: a sync or catch-up finished and the cache is
	// live. Consumers that ignored changes during the catch-up should
	// re-read whatever they derive from the cache.
	ChangeSynchronized ChangeKind = "synchronized"
)

// Change is one notification delivered to subscribers. Collection, Key
// and CID are empty for ChangeSynchronized; CID is empty for deletes.
type Change struct {
	Kind       ChangeKind
	Collection string
	Key        string
	CID        string
}

// Subscription receives cache changes. A subscriber that falls behind
// loses changes instead of blocking writers; [Subscription.Resync]
// reports when that happened.
type Subscription struct {
	id      uuid.UUID
	channel chan Change
	resync  atomic.Bool
	cache   *Cache
	close   sync.Once
}

// Subscribe registers a new subscription. Call Close when done.
func (c *Cache) Subscribe() *Subscription {
	subscription := &Subscription{
		id:      uuid.New(),
		channel: make(chan Change, c.subscriberBuffer),
		cache:   c,
	}
	c.subscribersMu.Lock()
	c.subscribers[subscription] = struct{}{}
	c.subscribersMu.Unlock()
	c.logger.Debug("cache subscriber added", "subscription", subscription.id)
	return subscription
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Changes returns the change channel. It is closed by Close.
func (s *Subscription) Changes() <-chan Change { return s.channel }

// Resync reports whether changes were dropped since the last call, and
// clears the flag. A subscriber seeing true should rebuild its view
// from the cache's read accessors.
func (s *Subscription) Resync() bool { return s.resync.Swap(false) }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.close.Do(func() {
		s.cache.subscribersMu.Lock()
		delete(s.cache.subscribers, s)
		close(s.channel)
		s.cache.subscribersMu.Unlock()
	})
}

// NotifySynchronized broadcasts ChangeSynchronized to every subscriber,
// regardless of suppression.
func (c *Cache) NotifySynchronized() {
	c.broadcast(Change{Kind: ChangeSynchronized})
}

// publish delivers a record change unless broadcasts are suppressed.
func (c *Cache) publish(change Change) {
	if c.suppressed.Load() {
		return
	}
	c.broadcast(change)
}

// broadcast uses non-blocking sends: if a subscriber's channel is
// full, the change is dropped and the subscriber is marked for resync.
func (c *Cache) broadcast(change Change) {
	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()
	for subscription := range c.subscribers {
		select {
		case subscription.channel <- change:
		default:
			if !subscription.resync.Swap(true) {
				c.logger.Warn("cache subscriber overflowed, marked for resync",
					"subscription", subscription.id,
					"capacity", cap(subscription.channel),
				)
			}
		}
	}
}
