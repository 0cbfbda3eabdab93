// Package client provides a Go SDK for the job engine's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client communicates with the job engine API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new job engine client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PushJobRequest is the request body for enqueueing a job.
type PushJobRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	DedupKey    string          `json:"dedup_key,omitempty"`
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       string          `json:"state"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DoneAt      *time.Time      `json:"done_at,omitempty"`
}

// PushJob submits a new job and returns its id.
func (c *Client) PushJob(ctx context.Context, req *PushJobRequest) (uuid.UUID, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal request: %w", err)
	}

	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ID, nil
}

// GetJob retrieves a job by id.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs returns jobs in the given state.
func (c *Client) ListJobs(ctx context.Context, state string, limit, offset int) ([]JobResponse, error) {
	path := fmt.Sprintf("/api/v1/jobs?state=%s&limit=%d&offset=%d", state, limit, offset)
	var resp []JobResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// KillJob forces a job into the killed state.
func (c *Client) KillJob(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+id.String(), nil, nil)
}

// Stats returns the number of jobs per state.
func (c *Client) Stats(ctx context.Context) (map[string]int64, error) {
	var resp map[string]int64
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
