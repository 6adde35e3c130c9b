// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/atmirror/lib/netutil"
)

// DefaultMaxArchiveSize bounds a downloaded repository archive: 1 GB.
const DefaultMaxArchiveSize int64 = 1 << 30

const archiveContentType = "application/vnd.ipld.car"

// ClientConfig configures a Client.
type ClientConfig struct {
	// PDSURL is the base URL of the personal data server
	// (e.g. "https://pds.example.com").
	PDSURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// MaxArchiveSize bounds getRepo responses. Zero selects
	// DefaultMaxArchiveSize.
	MaxArchiveSize int64
	// Logger is used for structured logging. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Client fetches repository data from one server.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxArchiveSize int64
	logger         *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.PDSURL == "" {
		return nil, fmt.Errorf("xrpc: PDSURL is required")
	}
	parsed, err := url.Parse(config.PDSURL)
	if err != nil {
		return nil, fmt.Errorf("xrpc: invalid PDSURL %q: %w", config.PDSURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("xrpc: PDSURL %q must be http or https", config.PDSURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxArchiveSize := config.MaxArchiveSize
	if maxArchiveSize <= 0 {
		maxArchiveSize = DefaultMaxArchiveSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:        strings.TrimRight(config.PDSURL, "/"),
		httpClient:     httpClient,
		maxArchiveSize: maxArchiveSize,
		logger:         logger,
	}, nil
}

// LatestCommit is the head of a repository.
type LatestCommit struct {
	CID string `json:"cid"`
	Rev string `json:"rev"`
}

// GetLatestCommit returns the head commit of did's repository.
func (c *Client) GetLatestCommit(ctx context.Context, did string) (LatestCommit, error) {
	body, err := c.get(ctx, "com.atproto.sync.getLatestCommit", did, "application/json", netutil.MaxResponseSize)
	if err != nil {
		return LatestCommit{}, err
	}
	var latest LatestCommit
	if err := json.Unmarshal(body, &latest); err != nil {
		return LatestCommit{}, fmt.Errorf("xrpc: decoding getLatestCommit response: %w", err)
	}
	if latest.Rev == "" {
		return LatestCommit{}, fmt.Errorf("xrpc: getLatestCommit response has no rev")
	}
	return latest, nil
}

// GetRepo downloads did's full repository archive.
func (c *Client) GetRepo(ctx context.Context, did string) ([]byte, error) {
	return c.get(ctx, "com.atproto.sync.getRepo", did, archiveContentType, c.maxArchiveSize)
}

// Fetched is a downloaded archive with the revision the server
// reported as its head just before the download.
type Fetched struct {
	Archive []byte
	// LatestRev is empty when getLatestCommit failed.
	LatestRev string
}

// FetchRepo asks for the head revision, then downloads the archive.
// A getLatestCommit failure is logged and tolerated: the archive's
// own commit carries the revision that matters.
func (c *Client) FetchRepo(ctx context.Context, did string) (*Fetched, error) {
	fetched := &Fetched{}
	latest, err := c.GetLatestCommit(ctx, did)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("getLatestCommit failed, fetching archive without a revision hint",
			"did", did,
			"error", err,
		)
	} else {
		fetched.LatestRev = latest.Rev
	}

	archive, err := c.GetRepo(ctx, did)
	if err != nil {
		return nil, err
	}
	fetched.Archive = archive
	c.logger.Info("fetched repository archive",
		"did", did,
		"bytes", len(archive),
		"latest_rev", fetched.LatestRev,
	)
	return fetched, nil
}

func (c *Client) get(ctx context.Context, method, did, accept string, limit int64) ([]byte, error) {
	requestURL := c.baseURL + "/xrpc/" + method + "?" + url.Values{"did": {did}}.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("xrpc: failed to create request: %w", err)
	}
	request.Header.Set("Accept", accept)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("xrpc: %s request failed: %w", method, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		body, err := netutil.ReadLimited(response.Body, limit)
		if err != nil {
			return nil, fmt.Errorf("xrpc: reading %s response: %w", method, err)
		}
		return body, nil
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("xrpc: reading %s error response: %w", method, err)
	}
	var xrpcErr Error
	if jsonErr := json.Unmarshal(body, &xrpcErr); jsonErr != nil || xrpcErr.Code == "" {
		return nil, fmt.Errorf("xrpc: unexpected %d response from %s: %s",
			response.StatusCode, method, strings.TrimSpace(string(body)))
	}
	xrpcErr.StatusCode = response.StatusCode
	return nil, &xrpcErr
}
