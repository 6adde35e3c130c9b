// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xrpc

import (
	"errors"
	"fmt"
)

// Error is a structured XRPC error response.
type Error struct {
	// Code is the XRPC error name (e.g. "RepoNotFound").
	Code string `json:"error"`
	// Message is the human-readable description, possibly empty.
	Message string `json:"message"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("xrpc: %s (%d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("xrpc: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Error codes returned by the sync endpoints.
const (
	ErrCodeRepoNotFound      = "RepoNotFound"
	ErrCodeRepoTakendown     = "RepoTakendown"
	ErrCodeRepoSuspended     = "RepoSuspended"
	ErrCodeRepoDeactivated   = "RepoDeactivated"
	ErrCodeInvalidRequest    = "InvalidRequest"
	ErrCodeRateLimitExceeded = "RateLimitExceeded"
)

// IsError checks whether err is an *Error with the given code.
func IsError(err error, code string) bool {
	var xrpcErr *Error
	if errors.As(err, &xrpcErr) {
		return xrpcErr.Code == code
	}
	return false
}
