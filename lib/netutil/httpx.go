// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on JSON API response body reads: 16 MB.
// XRPC JSON responses are tiny; the limit only stops a pathological
// response from exhausting memory.
const MaxResponseSize int64 = 16 << 20

// ErrResponseTooLarge is returned by ReadLimited when the body exceeds
// its bound.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ReadLimited reads body completely, failing with ErrResponseTooLarge
// instead of truncating when it is longer than limit bytes.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, limit)
	}
	return data, nil
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. Read errors are ignored: a
// partial or empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
