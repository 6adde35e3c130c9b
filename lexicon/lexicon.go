// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lexicon

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/atmirror/lib/codec"
)

// Namespace prefixes every collection NSID the agent owns.
const Namespace = "ai.bureau.agent"

// Collection NSIDs.
const (
	Fact        = Namespace + ".fact"
	Rule        = Namespace + ".rule"
	Thought     = Namespace + ".thought"
	Note        = Namespace + ".note"
	Job         = Namespace + ".job"
	Tool        = Namespace + ".tool"
	Identity    = Namespace + ".identity"
	DaemonState = Namespace + ".daemonState"

	// Approval lives in the operator's repository, not the agent's.
	Approval = Namespace + ".approval"
)

// SelfKey is the record key of singleton records.
const SelfKey = "self"

// ErrUnknownCollection is returned by the decode functions for a
// collection with no registered record type.
var ErrUnknownCollection = errors.New("unknown collection")

// tracked lists the collections mirrored into the agent's cache.
var tracked = map[string]bool{
	Fact:        true,
	Rule:        true,
	Thought:     true,
	Note:        true,
	Job:         true,
	Tool:        true,
	Identity:    true,
	DaemonState: true,
}

// IsTracked reports whether records of the collection are mirrored in
// the cache. Approval is not tracked: it is delivered through a
// separate callback.
func IsTracked(collection string) bool { return tracked[collection] }

// IsSingleton reports whether the collection holds exactly one record
// under SelfKey.
func IsSingleton(collection string) bool {
	return collection == Identity || collection == DaemonState
}

// TrackedCollections returns the tracked collection NSIDs, sorted.
func TrackedCollections() []string {
	collections := make([]string, 0, len(tracked))
	for collection := range tracked {
		collections = append(collections, collection)
	}
	sort.Strings(collections)
	return collections
}

// validator is implemented by every record type.
type validator interface {
	validate() error
}

type decodeFunc func(unmarshal func([]byte, any) error, collection string, data []byte) (any, error)

func decodeAs[T validator](unmarshal func([]byte, any) error, collection string, data []byte) (any, error) {
	var record T
	if err := unmarshal(data, &record); err != nil {
		return nil, err
	}
	if err := checkType(collection, typeOf(record)); err != nil {
		return nil, err
	}
	if err := record.validate(); err != nil {
		return nil, err
	}
	return record, nil
}

var decoders = map[string]decodeFunc{
	Fact:        decodeAs[FactRecord],
	Rule:        decodeAs[RuleRecord],
	Thought:     decodeAs[ThoughtRecord],
	Note:        decodeAs[NoteRecord],
	Job:         decodeAs[JobRecord],
	Tool:        decodeAs[ToolRecord],
	Identity:    decodeAs[IdentityRecord],
	DaemonState: decodeAs[DaemonStateRecord],
	Approval:    decodeAs[ApprovalRecord],
}

// DecodeJSON decodes a record that arrived as JSON (the JSON stream
// delivers records already decoded) into its typed value.
func DecodeJSON(collection string, data []byte) (any, error) {
	return decode(json.Unmarshal, collection, data)
}

// DecodeCBOR decodes a DAG-CBOR record block into its typed value.
func DecodeCBOR(collection string, data []byte) (any, error) {
	return decode(codec.Unmarshal, collection, data)
}

func decode(unmarshal func([]byte, any) error, collection string, data []byte) (any, error) {
	decoder, ok := decoders[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	record, err := decoder(unmarshal, collection, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", collection, err)
	}
	return record, nil
}

func typeOf(record any) string {
	switch r := record.(type) {
	case FactRecord:
		return r.Type
	case RuleRecord:
		return r.Type
	case ThoughtRecord:
		return r.Type
	case NoteRecord:
		return r.Type
	case JobRecord:
		return r.Type
	case ToolRecord:
		return r.Type
	case IdentityRecord:
		return r.Type
	case DaemonStateRecord:
		return r.Type
	case ApprovalRecord:
		return r.Type
	}
	return ""
}
