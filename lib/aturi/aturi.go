// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package aturi

import (
	"fmt"
	"strings"
)

// Scheme is the prefix every record address starts with.
const Scheme = "at://"

// URI is a validated record address: at://owner/collection/rkey.
//
// URI is an immutable value type. The zero value is not valid; use
// IsZero to check.
type URI struct {
	owner      string
	collection string
	recordKey  string
}

// Parse validates and splits a raw record address. Returns an error if
// the scheme prefix is missing, if fewer than three slash-delimited
// segments follow it, or if any segment is empty. Segments past the
// collection all belong to the record key.
func Parse(raw string) (URI, error) {
	if !strings.HasPrefix(raw, Scheme) {
		return URI{}, fmt.Errorf("record URI must start with %q: %q", Scheme, raw)
	}
	segments := strings.Split(strings.TrimPrefix(raw, Scheme), "/")
	if len(segments) < 3 {
		return URI{}, fmt.Errorf("record URI needs owner, collection and record key: %q", raw)
	}
	for i, segment := range segments {
		if segment == "" {
			return URI{}, fmt.Errorf("record URI segment %d is empty: %q", i, raw)
		}
	}
	return URI{owner: segments[0], collection: segments[1], recordKey: strings.Join(segments[2:], "/")}, nil
}

// MustParse is like Parse but panics on error. Use in tests and static
// initialization where the input is known-valid.
func MustParse(raw string) URI {
	uri, err := Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("aturi.MustParse(%q): %v", raw, err))
	}
	return uri
}

// New builds a URI from its parts, applying the same validation as
// Parse.
func New(owner, collection, recordKey string) (URI, error) {
	return Parse(Scheme + owner + "/" + collection + "/" + recordKey)
}

// Owner returns the repository owner (a DID).
func (u URI) Owner() string { return u.owner }

// Collection returns the collection NSID.
func (u URI) Collection() string { return u.collection }

// RecordKey returns the record key within the collection.
func (u URI) RecordKey() string { return u.recordKey }

// IsZero reports whether the URI is the zero value.
func (u URI) IsZero() bool { return u.owner == "" }

// String formats the URI. For every valid s, Parse(s).String() == s.
func (u URI) String() string {
	if u.IsZero() {
		return ""
	}
	return Scheme + u.owner + "/" + u.collection + "/" + u.recordKey
}

// MarshalText implements encoding.TextMarshaler.
func (u URI) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (u *URI) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = URI{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// RecordKey extracts the final path segment of any slash-delimited
// string. It is the lenient counterpart of Parse for callers holding
// something that may or may not be a full URI. Returns "" for an empty
// input or one that ends in a slash.
func RecordKey(raw string) string {
	if raw == "" {
		return ""
	}
	index := strings.LastIndexByte(raw, '/')
	return raw[index+1:]
}
