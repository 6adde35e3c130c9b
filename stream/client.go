// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/atmirror/cache"
	"github.com/bureau-foundation/atmirror/dispatch"
	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/lib/clock"
	"github.com/bureau-foundation/atmirror/lib/netutil"
	"github.com/bureau-foundation/atmirror/repo"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultMinBackoff  = time.Second
	DefaultMaxBackoff  = 60 * time.Second
	DefaultGracePeriod = 5 * time.Second

	// maxMessageSize bounds one websocket message. Firehose commit
	// frames carry their blocks inline.
	maxMessageSize = 32 << 20
)

const levelTrace = slog.LevelDebug - 4

// ClientConfig configures a Client. Source, Cache, Dispatcher and
// AgentDID are required.
type ClientConfig struct {
	Source     Source
	Cache      *cache.Cache
	Dispatcher *dispatch.Dispatcher

	AgentDID string

	// OperatorDID, when set together with OnApproval, routes approval
	// records from the operator's repository to OnApproval. The
	// callback runs on the stream goroutine and must not block.
	OperatorDID string
	OnApproval  func(repo.Commit)

	// Dialer defaults to a dialer honoring proxy environment variables.
	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	// IdleTimeout closes a connection that delivers no message for
	// this long.
	IdleTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	// GracePeriod ends a reconnect catch-up whose stream stays quiet.
	GracePeriod time.Duration
}

// Client maintains one stream subscription. Create it with NewClient
// and drive it with Run.
type Client struct {
	source      Source
	cache       *cache.Cache
	apply       func(repo.Commit)
	agentDID    string
	operatorDID string
	onApproval  func(repo.Commit)
	dialer      *websocket.Dialer
	clock       clock.Clock
	logger      *slog.Logger

	idleTimeout time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration
	gracePeriod time.Duration

	// cursor is the newest marker received, 0 before the first. Only
	// the Run goroutine writes it.
	cursor atomic.Int64

	mu      sync.Mutex
	catchUp *catchUp
}

// catchUp is a reconnect sync this client started and must finish.
type catchUp struct {
	epoch cache.Epoch
	// target is the newest cursor seen before the connection dropped.
	target int64
	// connected is set while a connection is streaming.
	connected bool
	// suppressed records that this client turned broadcast
	// suppression on and so must turn it off.
	suppressed bool
	timer      *clock.Timer
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Source == nil {
		return nil, errors.New("stream: Source is required")
	}
	if config.Cache == nil || config.Dispatcher == nil {
		return nil, errors.New("stream: Cache and Dispatcher are required")
	}
	if config.AgentDID == "" {
		return nil, errors.New("stream: AgentDID is required")
	}

	client := &Client{
		source:      config.Source,
		cache:       config.Cache,
		apply:       config.Dispatcher.ApplyFunc(),
		agentDID:    config.AgentDID,
		operatorDID: config.OperatorDID,
		onApproval:  config.OnApproval,
		dialer:      config.Dialer,
		clock:       config.Clock,
		logger:      config.Logger,
		idleTimeout: config.IdleTimeout,
		minBackoff:  config.MinBackoff,
		maxBackoff:  config.MaxBackoff,
		gracePeriod: config.GracePeriod,
	}
	if client.dialer == nil {
		client.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	client.logger = client.logger.With("source", config.Source.Name())
	if client.idleTimeout <= 0 {
		client.idleTimeout = DefaultIdleTimeout
	}
	if client.minBackoff <= 0 {
		client.minBackoff = DefaultMinBackoff
	}
	if client.maxBackoff < client.minBackoff {
		client.maxBackoff = max(DefaultMaxBackoff, client.minBackoff)
	}
	if client.gracePeriod <= 0 {
		client.gracePeriod = DefaultGracePeriod
	}
	return client, nil
}

// Cursor returns the newest cursor marker received, or 0.
func (c *Client) Cursor() int64 { return c.cursor.Load() }

// CatchingUp reports whether the client owns an unfinished reconnect
// catch-up.
func (c *Client) CatchingUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catchUp != nil
}

// Run connects and streams until ctx is cancelled, reconnecting with
// exponential backoff. It returns nil on cancellation; every other
// failure is retried.
//
// The backoff starts at MinBackoff and doubles up to MaxBackoff. It is
// reset only by a connection that delivered at least one decodable
// message, so a server that accepts and immediately drops connections
// still backs off.
func (c *Client) Run(ctx context.Context) error {
	defer c.release()

	backoff := c.minBackoff
	for {
		processed, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if processed {
			backoff = c.minBackoff
		}

		if netutil.IsExpectedCloseError(err) {
			c.logger.Info("stream closed, reconnecting", "retry_in", backoff)
		} else {
			c.logger.Warn("stream disconnected, reconnecting", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(backoff):
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

// session runs one connection from dial to disconnect. It reports
// whether any message was processed.
func (c *Client) session(ctx context.Context) (bool, error) {
	var resume *int64
	if last := c.cursor.Load(); last > 0 {
		cursor := c.source.ResumeCursor(last)
		resume = &cursor
	}
	address, err := c.source.URL(resume)
	if err != nil {
		return false, err
	}

	conn, response, err := c.dialer.DialContext(ctx, address, nil)
	if err != nil {
		if response != nil {
			return false, fmt.Errorf("connecting to stream: %w (HTTP %d)", err, response.StatusCode)
		}
		return false, fmt.Errorf("connecting to stream: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.connected()
	defer c.disconnected(ctx)

	if resume != nil {
		c.logger.Info("stream connected", "cursor", *resume)
	} else {
		c.logger.Info("stream connected")
	}

	processed := false
	for {
		deadline := time.Now().Add(c.idleTimeout) //nolint:realclock // kernel I/O deadline
		if err := conn.SetReadDeadline(deadline); err != nil {
			return processed, err
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if netutil.IsTimeout(err) {
				return processed, fmt.Errorf("no stream message for %s: %w", c.idleTimeout, err)
			}
			return processed, err
		}

		commits, marker, err := c.source.Decode(messageType, data)
		if marker > c.cursor.Load() {
			c.cursor.Store(marker)
		}
		if err != nil {
			var frameErr *ErrorFrame
			if errors.As(err, &frameErr) {
				c.logger.Warn("stream server error", "error", frameErr.Name, "message", frameErr.Message)
			} else {
				c.logger.Warn("dropping malformed stream message", "error", err)
			}
			continue
		}
		processed = true

		c.route(commits)
		if marker > 0 {
			c.checkCaughtUp(marker)
		}
	}
}

// route sends each commit to its consumer.
func (c *Client) route(commits []repo.Commit) {
	for _, commit := range commits {
		switch {
		case commit.Repo == c.agentDID && lexicon.IsTracked(commit.Collection):
			c.cache.Admit(commit, c.apply)
		case c.operatorDID != "" && commit.Repo == c.operatorDID && commit.Collection == lexicon.Approval:
			if c.onApproval != nil {
				c.onApproval(commit)
			}
		default:
			c.logger.Log(context.Background(), levelTrace, "ignoring commit",
				"uri", commit.URI(),
				"rev", commit.Rev,
			)
		}
	}
}

// connected arms an owned catch-up for the new connection: broadcasts
// are suppressed while the rewound overlap replays, and the grace
// timer bounds how long a quiet stream can hold the cache in syncing.
func (c *Client) connected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	catchUp := c.catchUp
	if catchUp == nil {
		return
	}
	if !c.cache.CurrentEpoch(catchUp.epoch) {
		c.catchUp = nil
		return
	}
	catchUp.connected = true
	if !c.cache.BroadcastsSuppressed() {
		c.cache.SuppressBroadcasts(true)
		catchUp.suppressed = true
	}
	epoch := catchUp.epoch
	catchUp.timer = c.clock.AfterFunc(c.gracePeriod, func() {
		c.finishCatchUp(epoch, "grace period elapsed")
	})
}

// disconnected disarms an owned catch-up, or starts one if the cache
// was live when the connection dropped.
func (c *Client) disconnected(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if catchUp := c.catchUp; catchUp != nil {
		c.disarmLocked(catchUp)
		if !c.cache.CurrentEpoch(catchUp.epoch) {
			c.catchUp = nil
		}
	}
	if ctx.Err() != nil || c.catchUp != nil {
		return
	}
	if epoch, ok := c.cache.BeginCatchUp(); ok {
		c.catchUp = &catchUp{epoch: epoch, target: c.cursor.Load()}
		c.logger.Info("stream lost while live, catching up after reconnect", "cursor", c.catchUp.target)
	}
}

func (c *Client) disarmLocked(catchUp *catchUp) {
	catchUp.connected = false
	if catchUp.timer != nil {
		catchUp.timer.Stop()
		catchUp.timer = nil
	}
	if catchUp.suppressed {
		c.cache.SuppressBroadcasts(false)
		catchUp.suppressed = false
	}
}

// checkCaughtUp ends the catch-up on the first message past the
// pre-disconnect cursor: everything before it has been queued.
func (c *Client) checkCaughtUp(marker int64) {
	c.mu.Lock()
	catchUp := c.catchUp
	ready := catchUp != nil && catchUp.connected && marker > catchUp.target
	c.mu.Unlock()
	if ready {
		c.finishCatchUp(catchUp.epoch, "stream caught up")
	}
}

// finishCatchUp replays the queued commits and returns the cache to
// live. Whichever of the caught-up signal and the grace timer arrives
// first wins; the other finds no catch-up and returns.
func (c *Client) finishCatchUp(epoch cache.Epoch, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	catchUp := c.catchUp
	if catchUp == nil || catchUp.epoch != epoch {
		return
	}
	c.catchUp = nil
	if catchUp.timer != nil {
		catchUp.timer.Stop()
	}

	stats, err := c.cache.FinishSync(epoch, c.apply)
	if err != nil {
		if catchUp.suppressed {
			c.cache.SuppressBroadcasts(false)
		}
		c.logger.Debug("stream catch-up superseded by a full sync", "reason", reason)
		return
	}
	c.logger.Info("stream catch-up complete",
		"reason", reason,
		"applied", stats.Applied,
		"skipped", stats.Skipped,
	)
}

// release drops any suppression the client still holds when Run
// returns, and abandons an unfinished catch-up so that a grace timer
// already waiting on c.mu finds nothing to finish. The cache stays
// syncing for the next full sync to resolve.
func (c *Client) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.catchUp != nil {
		c.disarmLocked(c.catchUp)
		c.catchUp = nil
	}
}
