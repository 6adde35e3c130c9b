// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/atmirror/cache"
	"github.com/bureau-foundation/atmirror/cmd/atmirror/cli"
	"github.com/bureau-foundation/atmirror/dispatch"
	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/lib/clock"
	"github.com/bureau-foundation/atmirror/lib/config"
	"github.com/bureau-foundation/atmirror/lib/version"
	"github.com/bureau-foundation/atmirror/mirror"
	"github.com/bureau-foundation/atmirror/repo"
	"github.com/bureau-foundation/atmirror/stream"
	"github.com/bureau-foundation/atmirror/xrpc"
)

func runCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "run",
		Summary: "Mirror the agent repository until interrupted",
		Description: `Subscribe to the configured commit stream, fetch a snapshot of the
agent's repository, and keep the in-memory mirror live. A dropped
connection is resumed from the last cursor; a failed sync is retried
with backoff.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVarP(&configPath, "config", "c", "", "config file (default $ATMIRROR_CONFIG)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Run with an explicit config file", Command: "atmirror run --config /etc/atmirror.yaml"},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := cli.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(cfg, logger, clock.Real())
			if err != nil {
				return err
			}
			defer d.close()

			logger.Info("atmirror starting",
				"version", version.Info(),
				"agent", cfg.Identity.AgentDID,
				"stream", cfg.Stream.Kind,
				"url", cfg.Stream.URL,
			)
			return d.run(ctx)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// daemon holds the wired components of a running mirror.
type daemon struct {
	cache       *cache.Cache
	source      stream.Source
	coordinator *mirror.Coordinator
	logger      *slog.Logger
}

func newDaemon(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*daemon, error) {
	d := &daemon{logger: logger}

	d.cache = cache.New(cache.Options{
		PendingLimit: cfg.Sync.PendingLimit,
		Logger:       logger.With("component", "cache"),
	})
	dispatcher := dispatch.New(d.cache, logger.With("component", "dispatch"))

	fetcher, err := xrpc.NewClient(xrpc.ClientConfig{
		PDSURL: cfg.Identity.PDSURL,
		Logger: logger.With("component", "xrpc"),
	})
	if err != nil {
		return nil, err
	}

	d.source, err = newSource(cfg, logger.With("component", "stream"))
	if err != nil {
		return nil, err
	}

	client, err := stream.NewClient(stream.ClientConfig{
		Source:      d.source,
		Cache:       d.cache,
		Dispatcher:  dispatcher,
		AgentDID:    cfg.Identity.AgentDID,
		OperatorDID: cfg.Identity.OperatorDID,
		OnApproval:  d.approval,
		Clock:       clk,
		Logger:      logger.With("component", "stream"),
		IdleTimeout: cfg.Stream.IdleTimeout,
		MinBackoff:  cfg.Stream.MinBackoff,
		MaxBackoff:  cfg.Stream.MaxBackoff,
		GracePeriod: cfg.Stream.GracePeriod,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.coordinator, err = mirror.New(mirror.Config{
		AgentDID:       cfg.Identity.AgentDID,
		Cache:          d.cache,
		Dispatcher:     dispatcher,
		Fetcher:        fetcher,
		Stream:         client,
		Clock:          clk,
		Logger:         logger.With("component", "mirror"),
		SettleDelay:    cfg.Sync.SettleDelay,
		FetchTimeout:   cfg.Sync.FetchTimeout,
		VerifyBlocks:   cfg.Sync.VerifyBlocks,
		ResyncInterval: cfg.Sync.ResyncInterval,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// newSource builds the stream decoder for the configured wire format.
func newSource(cfg *config.Config, logger *slog.Logger) (stream.Source, error) {
	filter := stream.DefaultFilter(cfg.Identity.AgentDID, cfg.Identity.OperatorDID)

	switch cfg.Stream.Kind {
	case config.Firehose:
		return stream.NewFirehose(stream.FirehoseConfig{
			URL:          cfg.Stream.URL,
			Filter:       filter,
			RewindEvents: cfg.Stream.RewindEvents,
			VerifyBlocks: cfg.Sync.VerifyBlocks,
			Logger:       logger,
		}), nil
	case config.Jetstream:
		var dictionary []byte
		if cfg.Stream.Compress {
			var err error
			dictionary, err = os.ReadFile(cfg.Stream.ZstdDictionary)
			if err != nil {
				return nil, fmt.Errorf("reading zstd dictionary: %w", err)
			}
		}
		return stream.NewJetstream(stream.JetstreamConfig{
			URL:        cfg.Stream.URL,
			Filter:     filter,
			Rewind:     cfg.Stream.Rewind,
			Compress:   cfg.Stream.Compress,
			Dictionary: dictionary,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown stream kind %q", cfg.Stream.Kind)
	}
}

// run syncs and follows the stream until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	subscription := d.cache.Subscribe()
	defer subscription.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		d.watch(watchCtx, subscription)
	}()

	err := d.coordinator.Run(ctx)
	cancel()
	<-watchDone
	d.logger.Info("atmirror stopped", "revision", d.cache.RepoRevision())
	return err
}

// watch logs cache changes as they are broadcast.
func (d *daemon) watch(ctx context.Context, subscription *cache.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-subscription.Changes():
			if subscription.Resync() {
				d.logger.Warn("change subscriber fell behind, changes were dropped")
			}
			if change.Kind == cache.ChangeSynchronized {
				d.logger.Info("cache synchronized",
					"revision", d.cache.RepoRevision(),
					"counts", d.cache.Counts(),
				)
				continue
			}
			d.logger.Debug("cache changed",
				"kind", change.Kind,
				"collection", change.Collection,
				"key", change.Key,
				"cid", change.CID,
			)
		}
	}
}

// approval logs operator approvals. Acting on them belongs to the tool
// runner, which is not part of this process.
func (d *daemon) approval(commit repo.Commit) {
	attrs := []any{
		"uri", commit.URI().String(),
		"operation", commit.Operation,
		"rev", commit.Rev,
	}
	if approval, ok := commit.Record.(lexicon.ApprovalRecord); ok {
		attrs = append(attrs, "tool", approval.Tool, "tool_cid", approval.ToolCID)
	}
	d.logger.Info("operator approval", attrs...)
}

func (d *daemon) close() {
	if closer, ok := d.source.(interface{ Close() }); ok {
		closer.Close()
	}
}
