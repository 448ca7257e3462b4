// Package d1 talks to the Cloudflare D1 REST query endpoint.
//
// Every call carries exactly one SQL statement. There is no transaction that
// spans calls: Batch simply issues statements one after another and reports
// an Outcome for each.
package d1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// maxErrorBodySize bounds how much of a failed response is kept for logging
const maxErrorBodySize = 64 * 1024

// maxFailureReadSize bounds how much of a non-2xx response is read.
// Successful responses are read in full.
const maxFailureReadSize = 1 << 20

// Executor runs a single statement against the edge database
type Executor interface {
	Execute(ctx context.Context, sql string, params ...any) (*Response, error)
}

// Config holds the endpoint coordinates and credentials
type Config struct {
	BaseURL    string
	AccountID  string
	DatabaseID string
	Email      string
	APIKey     string
	Timeout    time.Duration
}

// Client is a D1 query API client
type Client struct {
	endpoint string
	email    string
	apiKey   string
	http     *http.Client
}

// Response is the envelope returned by the query endpoint
type Response struct {
	Success  bool          `json:"success"`
	Result   []QueryResult `json:"result"`
	Errors   []APIMessage  `json:"errors"`
	Messages []APIMessage  `json:"messages"`

	// Raw is the undecoded body, kept for failure logs
	Raw string `json:"-"`
}

// QueryResult is the outcome of one statement inside a response
type QueryResult struct {
	Results []map[string]any `json:"results"`
	Success bool             `json:"success"`
	Meta    map[string]any   `json:"meta"`
}

// APIMessage is an error or informational message from the API
type APIMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// New creates a new D1 client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		endpoint: fmt.Sprintf("%s/accounts/%s/d1/database/%s/query", base, cfg.AccountID, cfg.DatabaseID),
		email:    cfg.Email,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Execute posts one statement. A transport failure or an undecodable body is
// returned as an error; a statement the API rejected comes back as a
// Response with Success=false.
func (c *Client) Execute(ctx context.Context, sql string, params ...any) (*Response, error) {
	body, err := json.Marshal(queryRequest{SQL: sql, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Auth-Email", c.email)
	req.Header.Set("X-Auth-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	var src io.Reader = resp.Body
	if resp.StatusCode >= http.StatusBadRequest {
		src = io.LimitReader(resp.Body, maxFailureReadSize)
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &Response{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %s", resp.StatusCode, truncate(raw))
	}
	out.Raw = truncate(raw)

	// The API reports failures in the envelope; a non-2xx status without
	// an envelope flag is still a failure
	if resp.StatusCode >= http.StatusBadRequest {
		out.Success = false
	}
	return out, nil
}

// Rows flattens the result sets of every statement in the response
func (r *Response) Rows() []map[string]any {
	if r == nil {
		return nil
	}
	var rows []map[string]any
	for _, res := range r.Result {
		rows = append(rows, res.Results...)
	}
	return rows
}

// Err summarizes an unsuccessful response
func (r *Response) Err() error {
	if r == nil || r.Success {
		return nil
	}
	if len(r.Errors) == 0 {
		return errors.New("d1: query failed")
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = fmt.Sprintf("%d: %s", e.Code, e.Message)
	}
	return fmt.Errorf("d1: %s", strings.Join(msgs, "; "))
}

func truncate(raw []byte) string {
	if len(raw) > maxErrorBodySize {
		return string(raw[:maxErrorBodySize]) + "... (truncated)"
	}
	return string(raw)
}
