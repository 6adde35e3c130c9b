// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/repo"
)

// JetstreamConfig configures a Jetstream source.
type JetstreamConfig struct {
	// URL is the subscribe endpoint, e.g.
	// wss://jetstream2.us-east.bsky.network/subscribe.
	URL    string
	Filter Filter

	// Rewind is how far before the last seen event time a reconnect
	// resumes. Jetstream cursors are microsecond timestamps.
	Rewind time.Duration

	// Compress requests zstd-compressed frames. Jetstream compresses
	// against a published dictionary; Dictionary must hold it.
	Compress   bool
	Dictionary []byte

	Logger *slog.Logger
}

// Jetstream decodes the JSON event feed.
type Jetstream struct {
	config  JetstreamConfig
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// NewJetstream returns a Jetstream source.
func NewJetstream(config JetstreamConfig) (*Jetstream, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := &Jetstream{config: config, logger: logger}
	if config.Compress {
		var options []zstd.DOption
		if len(config.Dictionary) > 0 {
			options = append(options, zstd.WithDecoderDicts(config.Dictionary))
		}
		// A nil reader: only DecodeAll is used.
		decoder, err := zstd.NewReader(nil, options...)
		if err != nil {
			return nil, fmt.Errorf("stream: creating zstd decoder: %w", err)
		}
		source.decoder = decoder
	}
	return source, nil
}

// Close releases the decompressor.
func (j *Jetstream) Close() {
	if j.decoder != nil {
		j.decoder.Close()
	}
}

func (j *Jetstream) Name() string { return "jetstream" }

// URL adds wantedDids, wantedCollections, compress and cursor to the
// configured endpoint.
func (j *Jetstream) URL(cursor *int64) (string, error) {
	query := url.Values{}
	for _, did := range j.config.Filter.DIDs {
		query.Add("wantedDids", did)
	}
	for _, collection := range j.config.Filter.Collections {
		query.Add("wantedCollections", collection)
	}
	if j.config.Compress {
		query.Set("compress", "true")
	}
	if cursor != nil {
		query.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	return withQuery(j.config.URL, query)
}

// ResumeCursor rewinds by the configured duration, never below zero.
func (j *Jetstream) ResumeCursor(lastSeen int64) int64 {
	return max(lastSeen-j.config.Rewind.Microseconds(), 0)
}

type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RecordKey  string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

// Decode parses one event. Identity and account events only advance
// the cursor.
func (j *Jetstream) Decode(messageType int, data []byte) ([]repo.Commit, int64, error) {
	if messageType == websocket.BinaryMessage {
		if j.decoder == nil {
			return nil, 0, fmt.Errorf("stream: binary jetstream frame without compression enabled")
		}
		decompressed, err := j.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("stream: decompressing jetstream frame: %w", err)
		}
		data = decompressed
	}

	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, 0, fmt.Errorf("stream: decoding jetstream event: %w", err)
	}
	if event.Kind != "commit" {
		return nil, event.TimeUS, nil
	}
	if event.Commit == nil {
		return nil, event.TimeUS, fmt.Errorf("stream: jetstream commit event without commit body")
	}

	raw := event.Commit
	operation, err := repo.ParseOperation(raw.Operation)
	if err != nil {
		return nil, event.TimeUS, err
	}
	if event.DID == "" || raw.Collection == "" || raw.RecordKey == "" || raw.Rev == "" {
		return nil, event.TimeUS, fmt.Errorf("stream: jetstream commit missing did, collection, rkey or rev")
	}
	if !j.config.Filter.wantsDID(event.DID) || !j.config.Filter.wantsCollection(raw.Collection) {
		return nil, event.TimeUS, nil
	}

	commit := repo.Commit{
		Repo:       event.DID,
		Rev:        raw.Rev,
		Collection: raw.Collection,
		RecordKey:  raw.RecordKey,
		Operation:  operation,
		Seq:        event.TimeUS,
	}
	if operation != repo.OpDelete {
		commit.CID = raw.CID
		record, err := lexicon.DecodeJSON(raw.Collection, raw.Record)
		if err != nil {
			j.logger.Warn("undecodable record on stream",
				"uri", commit.URI(),
				"rev", commit.Rev,
				"error", err,
			)
		} else {
			commit.Record = record
		}
	}
	return []repo.Commit{commit}, event.TimeUS, nil
}
