// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, fmt.Errorf("simulated read failure") }

func TestReadResponse(t *testing.T) {
	data, err := ReadResponse(bytes.NewReader([]byte(`{"rev":"3ka"}`)))
	if err != nil || string(data) != `{"rev":"3ka"}` {
		t.Fatalf("ReadResponse = %q, %v", data, err)
	}
	if _, err := ReadResponse(failReader{}); err == nil {
		t.Fatal("expected error from failing reader")
	}
}

func TestReadLimited(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr bool
	}{
		{"under", "abc", 4, false},
		{"exact", "abcd", 4, false},
		{"over", "abcde", 4, true},
		{"empty", "", 4, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := ReadLimited(strings.NewReader(test.body), test.limit)
			if test.wantErr {
				if !errors.Is(err, ErrResponseTooLarge) {
					t.Fatalf("error = %v, want ErrResponseTooLarge", err)
				}
				return
			}
			if err != nil || string(data) != test.body {
				t.Fatalf("ReadLimited = %q, %v", data, err)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	var result struct {
		CID string `json:"cid"`
		Rev string `json:"rev"`
	}
	if err := DecodeResponse(strings.NewReader(`{"cid":"bafy","rev":"3ka"}`), &result); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if result.Rev != "3ka" {
		t.Errorf("rev = %q", result.Rev)
	}
	if err := DecodeResponse(strings.NewReader(`not json`), &result); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(strings.NewReader("bad gateway")); got != "bad gateway" {
		t.Errorf("ErrorBody = %q", got)
	}
	if got := ErrorBody(strings.NewReader(strings.Repeat("x", 10000))); len(got) != 4096 {
		t.Errorf("ErrorBody length = %d, want truncated to 4096", len(got))
	}
}

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading: %w", io.EOF), true},
		{"net closed", net.ErrClosed, true},
		{"reset", &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}, true},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, false},
		{"timeout", timeoutError{}, false},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%s) = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("read: %w", timeoutError{})) {
		t.Error("wrapped timeout not detected")
	}
	if IsTimeout(io.EOF) {
		t.Error("EOF is not a timeout")
	}
}
