// Package client is a minimal Go client for the raceway HTTP API, used
// by the CLI and by tests that drive a running engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mode7labs/raceway/engine"
	"github.com/mode7labs/raceway/spec"
)

// Client talks to one raceway server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status probes GET /status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", &struct{}{})
}

// IngestResponse mirrors the single-event ingest reply.
type IngestResponse struct {
	EventID   string `json:"event_id"`
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ingest posts a batch of events.
func (c *Client) Ingest(ctx context.Context, events []spec.Event) ([]IngestResponse, error) {
	body, err := json.Marshal(spec.Batch{Events: events})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var out struct {
		Results []IngestResponse `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// TraceDetail fetches GET /traces/{id}.
func (c *Client) TraceDetail(ctx context.Context, traceID string) (engine.TraceDetail, error) {
	var detail engine.TraceDetail
	err := c.getJSON(ctx, "/traces/"+traceID, &detail)
	return detail, err
}

// GlobalRaces fetches one page of GET /distributed/global-races.
func (c *Client) GlobalRaces(ctx context.Context, page, perPage int) (json.RawMessage, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/distributed/global-races?page=%d&per_page=%d", page, perPage)
	err := c.getJSON(ctx, path, &raw)
	return raw, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-200 reply decoded from the server's error format.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Error == "" {
		payload.Error = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error, Code: payload.Code}
}
