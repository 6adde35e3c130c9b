// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/bureau-foundation/atmirror/lexicon"
	"github.com/bureau-foundation/atmirror/repo"
)

// Source is one stream wire format.
type Source interface {
	// Name identifies the format in logs.
	Name() string

	// URL returns the subscription URL, resuming from cursor when it
	// is non-nil.
	URL(cursor *int64) (string, error)

	// Decode turns one websocket message into commits and returns the
	// message's cursor marker (zero if it carries none). Commits for
	// repositories or collections outside the source's filter are not
	// returned. A non-nil error means the message was dropped; the
	// cursor is still valid if non-zero.
	Decode(messageType int, data []byte) ([]repo.Commit, int64, error)

	// ResumeCursor returns the cursor to reconnect with after lastSeen
	// was the newest marker received. It is deliberately older than
	// lastSeen so that the reconnect overlaps rather than leaves a gap.
	ResumeCursor(lastSeen int64) int64
}

// Filter restricts a subscription to a set of repositories and
// collections.
type Filter struct {
	DIDs        []string
	Collections []string
}

// DefaultFilter watches the agent's tracked collections and, when
// operatorDID is set, the operator's approval records.
func DefaultFilter(agentDID, operatorDID string) Filter {
	filter := Filter{
		DIDs:        []string{agentDID},
		Collections: append(lexicon.TrackedCollections(), lexicon.Approval),
	}
	if operatorDID != "" && operatorDID != agentDID {
		filter.DIDs = append(filter.DIDs, operatorDID)
	}
	return filter
}

func (f Filter) wantsDID(did string) bool {
	return slices.Contains(f.DIDs, did)
}

func (f Filter) wantsCollection(collection string) bool {
	return slices.Contains(f.Collections, collection)
}

// ErrorFrame is an error the server sent in-band before closing the
// stream (for example a cursor from the future).
type ErrorFrame struct {
	Name    string
	Message string
}

func (e *ErrorFrame) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stream: server error frame %s", e.Name)
	}
	return fmt.Sprintf("stream: server error frame %s: %s", e.Name, e.Message)
}

// withQuery parses base and merges extra into its query.
func withQuery(base string, extra url.Values) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("stream: invalid URL %q: %w", base, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("stream: URL %q must be ws or wss", base)
	}
	query := parsed.Query()
	for key, values := range extra {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
