// Package accumulator is a small client for the accumulator daemon's HTTP API.
package accumulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// CodeRunInProgress is returned by TriggerRun when a run is already active.
const CodeRunInProgress = "RUN_IN_PROGRESS"

// Client wraps the HTTP interactions with the accumulator REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TriggeredRun is the response to a trigger request.
type TriggeredRun struct {
	RunID string `json:"run_id"`
}

// Step is a confirmed transaction of a run.
type Step struct {
	Step string `json:"step"`
	Kind string `json:"kind"`
	Hash string `json:"hash"`
	To   string `json:"to"`
}

// RunStatus describes the latest run known to the daemon.
type RunStatus struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Running    bool      `json:"running"`
	State      string    `json:"state"`
	Deposited  string    `json:"deposited"`
	Error      string    `json:"error"`
	Code       string    `json:"code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Steps      []Step    `json:"steps"`
}

// Transaction is an audited transaction.
type Transaction struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"event_type"`
	Hash      string    `json:"tx_hash"`
	RunID     string    `json:"run_id"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("accumulator api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("accumulator api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon at rawURL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// TriggerRun asks the daemon to start a run in the background.
func (c *Client) TriggerRun(ctx context.Context) (TriggeredRun, error) {
	var run TriggeredRun
	if err := c.send(ctx, http.MethodPost, "/api/v1/runs", nil, &run); err != nil {
		return TriggeredRun{}, err
	}
	return run, nil
}

// LatestRun returns the status of the most recent run.
func (c *Client) LatestRun(ctx context.Context) (RunStatus, error) {
	var status RunStatus
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs/latest", nil, &status); err != nil {
		return RunStatus{}, err
	}
	return status, nil
}

// Transactions lists up to limit audited transactions, newest first.
func (c *Client) Transactions(ctx context.Context, limit int) ([]Transaction, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Transaction
	if err := c.send(ctx, http.MethodGet, "/api/v1/transactions", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForRun polls LatestRun until runID has finished.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (RunStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.LatestRun(ctx)
		if err != nil {
			return RunStatus{}, err
		}
		if status.RunID == runID && !status.Running {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return RunStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
