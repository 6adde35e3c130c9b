// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. Time moves only when
// Advance is called. Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	channel  chan time.Time // After timers
	callback func()         // AfterFunc timers
	done     bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a one-shot timer.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.pending = append(c.pending, &fakeTimer{deadline: c.current.Add(d), channel: channel})
	c.changed.Broadcast()
	return channel
}

// AfterFunc registers a callback. If d <= 0, f runs before AfterFunc
// returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{deadline: c.current.Add(d), callback: f}
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.done {
			return false
		}
		timer.done = true
		c.changed.Broadcast()
		return true
	}}
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	var due, remaining []*fakeTimer
	for _, timer := range c.pending {
		switch {
		case timer.done:
		case !timer.deadline.After(now):
			timer.done = true
			due = append(due, timer)
		default:
			remaining = append(remaining, timer)
		}
	}
	c.pending = remaining
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, timer := range due {
		if timer.callback != nil {
			timer.callback()
			continue
		}
		timer.channel <- now
	}
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// close the race between a goroutine registering a wait and the test
// advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// Pending returns the number of timers that have neither fired nor
// been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, timer := range c.pending {
		if !timer.done {
			count++
		}
	}
	return count
}
