// Package backend is the HTTP client for the election backend's audit and
// anomaly endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/ballotguard/pkg/audit"
	bgio "github.com/hed1ad/ballotguard/pkg/io"
)

// AdminTokenHeader carries the admin API token on every request.
const AdminTokenHeader = "x-admin-token"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout. A client supplied through
// WithHTTPClient is copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// NewClient returns a Client for baseURL authenticated with token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ bgio.Backend = (*Client)(nil)

// Finalized reports whether the election is finalized on chain.
func (c *Client) Finalized(ctx context.Context, electionID int64) (bool, error) {
	var out struct {
		Finalized bool `json:"finalized"`
	}
	path := "/elections/" + strconv.FormatInt(electionID, 10) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Finalized, nil
}

// ElectionEvents returns the audit events of one election.
func (c *Client) ElectionEvents(ctx context.Context, electionID int64) ([]audit.Event, error) {
	var raw json.RawMessage
	path := "/audit/election/" + strconv.FormatInt(electionID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return decodeEvents(raw)
}

// ExportEvents returns the whole audit log.
func (c *Client) ExportEvents(ctx context.Context) ([]audit.Event, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/audit/export", nil, &raw); err != nil {
		return nil, err
	}
	return decodeEvents(raw)
}

// decodeEvents accepts either a bare array or an {"items": [...]} envelope.
func decodeEvents(raw json.RawMessage) ([]audit.Event, error) {
	raw = bytes.TrimSpace(raw)
	var events []audit.Event
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("decode audit events: %w", err)
		}
		return events, nil
	}

	var envelope struct {
		Items []audit.Event `json:"items"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode audit export: %w", err)
	}
	return envelope.Items, nil
}

// FlaggedEventIDs returns the union of audit-log ids already flagged by any
// of methods. A failed query for any method is an error.
func (c *Client) FlaggedEventIDs(ctx context.Context, methods ...bgio.Method) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	for _, m := range methods {
		var items []struct {
			AuditLogID json.Number `json:"AuditLogId"`
		}
		path := "/ml/anomalies?method=" + url.QueryEscape(string(m))
		if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
			return nil, fmt.Errorf("load %s anomalies: %w", m, err)
		}
		for _, it := range items {
			if id, ok := audit.ParseInt(it.AuditLogID.String()); ok {
				ids[id] = struct{}{}
			}
		}
	}
	return ids, nil
}

// Submit posts a batch of anomaly records.
func (c *Client) Submit(ctx context.Context, records []bgio.AnomalyRecord) (int, error) {
	payload := struct {
		Items []bgio.AnomalyRecord `json:"items"`
	}{Items: records}

	var out struct {
		Inserted int `json:"inserted"`
	}
	if err := c.do(ctx, http.MethodPost, "/ml/anomalies", payload, &out); err != nil {
		return 0, err
	}
	return out.Inserted, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(AdminTokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
