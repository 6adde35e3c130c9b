// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/lib/car"
	"github.com/bureau-foundation/atmirror/lib/cid"
	"github.com/bureau-foundation/atmirror/lib/codec"
	"github.com/bureau-foundation/atmirror/repo"
)

// FirehoseConfig configures a firehose source.
type FirehoseConfig struct {
	// URL is the subscribeRepos endpoint, e.g.
	// wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos.
	URL string

	// Filter is applied client side: the firehose carries every
	// repository on the relay.
	Filter Filter

	// RewindEvents is how many sequence numbers before the last seen
	// one a reconnect resumes from.
	RewindEvents int64

	// VerifyBlocks checks each block in a commit's archive fragment
	// against its CID.
	VerifyBlocks bool

	Logger *slog.Logger
}

// Firehose decodes com.atproto.sync.subscribeRepos frames.
type Firehose struct {
	config FirehoseConfig
	logger *slog.Logger
}

// NewFirehose returns a firehose source.
func NewFirehose(config FirehoseConfig) *Firehose {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Firehose{config: config, logger: logger}
}

func (f *Firehose) Name() string { return "firehose" }

func (f *Firehose) URL(cursor *int64) (string, error) {
	query := url.Values{}
	if cursor != nil {
		query.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	return withQuery(f.config.URL, query)
}

func (f *Firehose) ResumeCursor(lastSeen int64) int64 {
	return max(lastSeen-f.config.RewindEvents, 0)
}

// Frame header operations.
const (
	frameMessage = 1
	frameError   = -1
)

type frameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t,omitempty"`
}

type errorPayload struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

type commitPayload struct {
	Seq    int64      `cbor:"seq"`
	Repo   string     `cbor:"repo"`
	Rev    string     `cbor:"rev"`
	TooBig bool       `cbor:"tooBig"`
	Blocks []byte     `cbor:"blocks"`
	Ops    []opRecord `cbor:"ops"`
}

type opRecord struct {
	Action string  `cbor:"action"`
	Path   string  `cbor:"path"`
	CID    cid.CID `cbor:"cid"`
}

// sequencedPayload is the common prefix of every other sequenced frame
// (#identity, #account, #sync).
type sequencedPayload struct {
	Seq int64 `cbor:"seq"`
}

// Decode parses one binary frame: a CBOR header followed directly by
// a CBOR payload.
func (f *Firehose) Decode(messageType int, data []byte) ([]repo.Commit, int64, error) {
	if messageType != websocket.BinaryMessage {
		return nil, 0, fmt.Errorf("stream: firehose frame is not binary")
	}
	var header frameHeader
	payload, err := codec.UnmarshalFirst(data, &header)
	if err != nil {
		return nil, 0, fmt.Errorf("stream: decoding firehose frame header: %w", err)
	}

	switch header.Op {
	case frameError:
		var body errorPayload
		if err := codec.Unmarshal(payload, &body); err != nil {
			return nil, 0, fmt.Errorf("stream: decoding firehose error frame: %w", err)
		}
		return nil, 0, &ErrorFrame{Name: body.Error, Message: body.Message}
	case frameMessage:
	default:
		return nil, 0, fmt.Errorf("stream: unknown firehose frame op %d", header.Op)
	}

	switch header.Type {
	case "#commit":
		return f.decodeCommit(payload)
	case "#identity", "#account", "#sync":
		var body sequencedPayload
		if err := codec.Unmarshal(payload, &body); err != nil {
			return nil, 0, fmt.Errorf("stream: decoding firehose %s frame: %w", header.Type, err)
		}
		return nil, body.Seq, nil
	default:
		// #info and types added after this was written carry nothing
		// for the cache.
		return nil, 0, nil
	}
}

func (f *Firehose) decodeCommit(payload []byte) ([]repo.Commit, int64, error) {
	var body commitPayload
	if err := codec.Unmarshal(payload, &body); err != nil {
		return nil, 0, fmt.Errorf("stream: decoding firehose commit: %w", err)
	}
	if !f.config.Filter.wantsDID(body.Repo) {
		return nil, body.Seq, nil
	}
	if body.Rev == "" {
		return nil, body.Seq, fmt.Errorf("stream: firehose commit seq %d has no rev", body.Seq)
	}

	var blocks *car.Archive
	if !body.TooBig && len(body.Blocks) > 0 {
		archive, err := car.Read(body.Blocks, car.ReadOptions{VerifyBlocks: f.config.VerifyBlocks})
		if err != nil {
			f.logger.Warn("firehose commit blocks unreadable",
				"repo", body.Repo,
				"seq", body.Seq,
				"error", err,
			)
		} else {
			blocks = archive
		}
	}

	var commits []repo.Commit
	for _, op := range body.Ops {
		collection, recordKey, ok := strings.Cut(op.Path, "/")
		if !ok || collection == "" || recordKey == "" {
			f.logger.Warn("firehose op with malformed path", "seq", body.Seq, "path", op.Path)
			continue
		}
		if !f.config.Filter.wantsCollection(collection) {
			continue
		}
		operation, err := repo.ParseOperation(op.Action)
		if err != nil {
			f.logger.Warn("firehose op with unknown action", "seq", body.Seq, "action", op.Action)
			continue
		}
		commit := repo.Commit{
			Repo:       body.Repo,
			Rev:        body.Rev,
			Collection: collection,
			RecordKey:  recordKey,
			Operation:  operation,
			Seq:        body.Seq,
		}
		if operation != repo.OpDelete && !op.CID.IsZero() {
			commit.CID = op.CID.String()
			commit.Record = f.record(blocks, collection, op.CID, commit)
		}
		commits = append(commits, commit)
	}
	return commits, body.Seq, nil
}

// record looks up and decodes one record block. Failures are logged
// and yield nil so the commit still reaches the dispatcher, which
// leaves the cached value alone.
func (f *Firehose) record(blocks *car.Archive, collection string, recordCID cid.CID, commit repo.Commit) any {
	if blocks == nil {
		return nil
	}
	data, ok := blocks.Get(recordCID)
	if !ok {
		f.logger.Warn("firehose record block missing",
			"uri", commit.URI(),
			"cid", recordCID.String(),
		)
		return nil
	}
	record, err := lexicon.DecodeCBOR(collection, data)
	if err != nil {
		f.logger.Warn("undecodable record on stream",
			"uri", commit.URI(),
			"rev", commit.Rev,
			"error", err,
		)
		return nil
	}
	return record
}
