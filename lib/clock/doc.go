// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that reconnect
// backoff, settle delays and catch-up grace periods can be tested
// without sleeping.
//
// Production code takes a [Clock] and uses [Real]. Tests use [Fake]:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	client := stream.NewClient(stream.ClientConfig{Clock: c, ...})
//	go client.Run(ctx)
//	c.WaitForTimers(1)          // the client is now sleeping in backoff
//	c.Advance(time.Second)      // wake it deterministically
package clock
