// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/atmirror/cache"
	"github.com/bureau-foundation/atmirror/dispatch"
	"github.com/bureau-foundation/atmirror/lib/clock"
	"github.com/bureau-foundation/atmirror/repo"
	"github.com/bureau-foundation/atmirror/xrpc"
)

// ErrSuperseded is returned by Start when another sync began while the
// attempt was fetching.
var ErrSuperseded = errors.New("mirror: sync attempt superseded")

const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultMinBackoff  = time.Second
	DefaultMaxBackoff  = 60 * time.Second
)

// Fetcher retrieves a repository archive. *xrpc.Client implements it.
type Fetcher interface {
	FetchRepo(ctx context.Context, did string) (*xrpc.Fetched, error)
}

// Stream is a long-running commit stream feeding the cache.
// *stream.Client implements it.
type Stream interface {
	Run(ctx context.Context) error
}

// Config configures a Coordinator.
type Config struct {
	AgentDID   string
	Cache      *cache.Cache
	Dispatcher *dispatch.Dispatcher
	Fetcher    Fetcher

	// Stream is started by the first Start call. Nil runs snapshot
	// syncs only.
	Stream Stream

	Clock  clock.Clock
	Logger *slog.Logger

	// SettleDelay is waited after starting the stream, before the
	// snapshot fetch.
	SettleDelay time.Duration

	// FetchTimeout bounds one snapshot fetch. Zero means no bound
	// beyond the caller's context.
	FetchTimeout time.Duration

	// VerifyBlocks checks every snapshot block against its CID.
	VerifyBlocks bool

	// ResyncInterval makes Run take a fresh snapshot periodically after
	// the first successful sync. Zero disables it.
	ResyncInterval time.Duration

	// MinBackoff and MaxBackoff bound Run's retry delay after a failed
	// sync.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Coordinator drives a cache through sync attempts. Start calls are
// serialized.
type Coordinator struct {
	config Config
	apply  func(repo.Commit)
	clock  clock.Clock
	logger *slog.Logger

	startMu sync.Mutex

	streamMu   sync.Mutex
	streamDone chan struct{}
}

// New validates config and returns a Coordinator.
func New(config Config) (*Coordinator, error) {
	if config.AgentDID == "" {
		return nil, errors.New("mirror: AgentDID is required")
	}
	if config.Cache == nil || config.Dispatcher == nil || config.Fetcher == nil {
		return nil, errors.New("mirror: Cache, Dispatcher and Fetcher are required")
	}
	if config.SettleDelay < 0 {
		config.SettleDelay = 0
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultMinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = max(DefaultMaxBackoff, config.MinBackoff)
	}

	coordinator := &Coordinator{
		config: config,
		apply:  config.Dispatcher.ApplyFunc(),
		clock:  config.Clock,
		logger: config.Logger,
	}
	if coordinator.clock == nil {
		coordinator.clock = clock.Real()
	}
	if coordinator.logger == nil {
		coordinator.logger = slog.Default()
	}
	coordinator.logger = coordinator.logger.With("did", config.AgentDID)
	return coordinator, nil
}

// Start runs one sync attempt and returns once the cache is live or
// the attempt has failed. On failure the cache keeps its previous
// records and stays in syncing; the stream keeps running and queuing,
// and a later Start resumes cleanly.
//
// The stream started by the first call runs until that call's ctx is
// cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	epoch := c.config.Cache.BeginSync()
	c.logger.Info("sync starting")

	if c.startStream(ctx) && c.config.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.config.SettleDelay):
		}
	}

	snapshot, err := c.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	if !c.config.Cache.CurrentEpoch(epoch) {
		return ErrSuperseded
	}

	c.config.Cache.SuppressBroadcasts(true)
	c.config.Cache.PopulateFromSnapshot(snapshot)
	c.config.Cache.SetRepoRevision(snapshot.Rev)
	stats, err := c.config.Cache.FinishSync(epoch, c.apply)
	if err != nil {
		c.config.Cache.SuppressBroadcasts(false)
		return fmt.Errorf("%w: %w", ErrSuperseded, err)
	}

	c.logger.Info("sync complete",
		"rev", snapshot.Rev,
		"records", snapshot.RecordCount(),
		"skipped_records", len(snapshot.Skipped),
		"replayed", stats.Applied,
		"duplicates", stats.Skipped,
	)
	return nil
}

// fetchSnapshot downloads and decodes the agent's repository.
func (c *Coordinator) fetchSnapshot(ctx context.Context) (*repo.Snapshot, error) {
	if c.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()
	}

	fetched, err := c.config.Fetcher.FetchRepo(ctx, c.config.AgentDID)
	if err != nil {
		return nil, fmt.Errorf("mirror: fetching repository: %w", err)
	}
	snapshot, err := repo.DecodeSnapshot(fetched.Archive, repo.DecodeOptions{VerifyBlocks: c.config.VerifyBlocks})
	if err != nil {
		return nil, fmt.Errorf("mirror: decoding snapshot: %w", err)
	}
	if snapshot.Repo != c.config.AgentDID {
		return nil, fmt.Errorf("mirror: snapshot is of repository %s, want %s", snapshot.Repo, c.config.AgentDID)
	}
	if fetched.LatestRev != "" && fetched.LatestRev != snapshot.Rev {
		c.logger.Debug("snapshot revision differs from latest commit",
			"snapshot_rev", snapshot.Rev,
			"latest_rev", fetched.LatestRev,
		)
	}
	for _, skipped := range snapshot.Skipped {
		c.logger.Warn("snapshot record skipped",
			"collection", skipped.Collection,
			"rkey", skipped.RecordKey,
			"reason", skipped.Reason,
		)
	}
	return snapshot, nil
}

// startStream launches the stream goroutine once and reports whether
// this call launched it.
func (c *Coordinator) startStream(ctx context.Context) bool {
	if c.config.Stream == nil {
		return false
	}
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.streamDone != nil {
		return false
	}
	done := make(chan struct{})
	c.streamDone = done
	go func() {
		defer close(done)
		if err := c.config.Stream.Run(ctx); err != nil {
			c.logger.Error("stream stopped", "error", err)
		}
	}()
	return true
}

// Wait blocks until the stream goroutine has exited. It returns
// immediately if no stream was started.
func (c *Coordinator) Wait() {
	c.streamMu.Lock()
	done := c.streamDone
	c.streamMu.Unlock()
	if done != nil {
		<-done
	}
}

// Run syncs until ctx is cancelled: it retries Start with exponential
// backoff until an attempt succeeds, then resyncs every ResyncInterval.
// It waits for the stream to stop and returns nil on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Wait()

	backoff := c.config.MinBackoff
	for {
		err := c.Start(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := c.config.ResyncInterval
		if err != nil {
			c.logger.Error("sync failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff = min(backoff*2, c.config.MaxBackoff)
		} else {
			backoff = c.config.MinBackoff
		}

		if wait <= 0 {
			<-ctx.Done()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(wait):
		}
	}
}
