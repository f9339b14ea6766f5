// Package api provides the HTTP client for the remote booking backend.
//
// The backend is a Google Apps Script web app that speaks a single action
// envelope: POST {"action": "...", ...fields} and answers
// {"success": bool, ...fields}. Calls prefer the CORS proxy and fall back
// to the Apps Script URL directly when the proxy is unreachable; the
// fallback sticks for the client's lifetime.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/logging"
)

// Config holds the remote endpoints.
type Config struct {
	// ProxyURL is the CORS proxy endpoint, tried first when set.
	ProxyURL string
	// ScriptURL is the Apps Script web app URL, used directly when the
	// proxy is unavailable.
	ScriptURL string
	// Timeout bounds a single remote call.
	Timeout time.Duration
}

// Client talks to the remote booking backend.
type Client struct {
	proxyURL   string
	scriptURL  string
	httpClient *http.Client

	mu       sync.Mutex
	useProxy bool
}

// NewClient creates a Client from the given config.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		proxyURL:   cfg.ProxyURL,
		scriptURL:  cfg.ScriptURL,
		httpClient: &http.Client{Timeout: timeout},
		useProxy:   cfg.ProxyURL != "",
	}
}

// envelope is the common response shape of every backend action.
type envelope struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	JobID         string          `json:"jobId,omitempty"`
	QueuePosition int             `json:"queuePosition,omitempty"`
	Jobs          json.RawMessage `json:"jobs,omitempty"`
}

// ReserveJobID reserves a fresh job identifier from the backend. Each call
// reserves a new identifier; there is no idempotency key, so a reservation
// that is never submitted stays orphaned on the remote side.
func (c *Client) ReserveJobID(ctx context.Context) (string, error) {
	env, err := c.call(ctx, "reserveJobId", nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrReserveFailed, "failed to reserve job ID", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "failed to reserve job ID"
		}
		return "", apperrors.New(apperrors.ErrReserveFailed, msg)
	}
	return env.JobID, nil
}

// SubmitJob submits the job data (which must already carry the reserved
// identifier under "jobId") and returns the assigned queue position.
func (c *Client) SubmitJob(ctx context.Context, jobData map[string]interface{}) (int, error) {
	env, err := c.call(ctx, "submitJob", jobData)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrSubmitFailed, "failed to submit job", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "submit failed"
		}
		return 0, apperrors.New(apperrors.ErrSubmitFailed, msg)
	}
	return env.QueuePosition, nil
}

// GetJobs fetches the current job list for the kanban board.
func (c *Client) GetJobs(ctx context.Context) (json.RawMessage, error) {
	env, err := c.call(ctx, "getJobs", nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteFailed, "failed to fetch jobs", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "getJobs failed"
		}
		return nil, apperrors.New(apperrors.ErrRemoteFailed, msg)
	}
	return env.Jobs, nil
}

// UpdateStatus moves a job to a new kanban status.
func (c *Client) UpdateStatus(ctx context.Context, jobID, status string) error {
	return c.jobAction(ctx, "updateStatus", jobID, map[string]interface{}{"status": status})
}

// TriageJob records triage details (assessment, estimate) against a job.
func (c *Client) TriageJob(ctx context.Context, jobID string, fields map[string]interface{}) error {
	return c.jobAction(ctx, "triageJob", jobID, fields)
}

// CompleteJob marks a job's repair work finished.
func (c *Client) CompleteJob(ctx context.Context, jobID string) error {
	return c.jobAction(ctx, "completeJob", jobID, nil)
}

// ArchiveJob moves a collected job out of the active board.
func (c *Client) ArchiveJob(ctx context.Context, jobID string) error {
	return c.jobAction(ctx, "archiveJob", jobID, nil)
}

// CancelJob cancels a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.jobAction(ctx, "cancelJob", jobID, nil)
}

// jobAction posts an action that addresses one job by its identifier.
func (c *Client) jobAction(ctx context.Context, action, jobID string, fields map[string]interface{}) error {
	data := map[string]interface{}{"jobId": jobID}
	for k, v := range fields {
		data[k] = v
	}

	env, err := c.call(ctx, action, data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteFailed, fmt.Sprintf("%s failed", action), err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("%s failed", action)
		}
		return apperrors.New(apperrors.ErrRemoteFailed, msg)
	}
	return nil
}

// call posts an action envelope, proxy first, direct Apps Script second.
func (c *Client) call(ctx context.Context, action string, data map[string]interface{}) (*envelope, error) {
	payload := map[string]interface{}{"action": action}
	for k, v := range data {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.mu.Lock()
	useProxy := c.useProxy
	c.mu.Unlock()

	if useProxy {
		env, err := c.post(ctx, c.proxyURL, "application/json", body)
		if err == nil {
			return env, nil
		}
		// Proxy failed - fall back to direct Apps Script for good
		logging.Warn("proxy unavailable, falling back to direct Apps Script",
			map[string]interface{}{"error": err.Error()})
		c.mu.Lock()
		c.useProxy = false
		c.mu.Unlock()
	}

	// Apps Script requires text/plain on direct calls
	return c.post(ctx, c.scriptURL, "text/plain", body)
}

func (c *Client) post(ctx context.Context, url, contentType string, body []byte) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("backend returned %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &env, nil
}
