// Package cloud is the client for the remote execution API: the
// fire-and-forget run trigger and the task progress endpoint.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agent/credentials"
	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Client talks to the remote execution API with bearer authentication.
type Client struct {
	baseURL string
	creds   credentials.Provider
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a cloud API client.
func NewClient(baseURL string, creds credentials.Provider, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithFields(zap.String("component", "cloud-client")),
	}
}

// triggerRunRequest is the body of the remote "start run" call.
type triggerRunRequest struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

// progressResponse is the wire shape of the progress endpoint.
type progressResponse struct {
	HasProgress bool                        `json:"has_progress"`
	Progress    agentevent.ProgressSnapshot `json:"progress"`
}

// TriggerRun issues one remote "start run" call for a task. The remote
// system owns all subsequent state; there is nothing to supervise here.
func (c *Client) TriggerRun(ctx context.Context, taskID, workflowID string) error {
	body, err := json.Marshal(triggerRunRequest{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger request: %w", err)
	}

	url := fmt.Sprintf("%s/api/tasks/%s/runs", c.baseURL, taskID)
	resp, err := c.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloud run trigger failed: %s", resp.Status)
	}

	c.logger.Info("triggered cloud run", zap.String("task_id", taskID))
	return nil
}

// TaskProgress queries the remote progress endpoint for a task. The boolean
// reports whether the response carried progress at all.
func (c *Client) TaskProgress(ctx context.Context, taskID string) (*agentevent.ProgressSnapshot, bool, error) {
	url := fmt.Sprintf("%s/api/tasks/%s/progress", c.baseURL, taskID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("progress request failed: %s", resp.Status)
	}

	var parsed progressResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("failed to decode progress response: %w", err)
	}
	if !parsed.HasProgress {
		return nil, false, nil
	}
	snapshot := parsed.Progress
	return &snapshot, true, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	creds, err := c.creds.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud request failed: %w", err)
	}
	return resp, nil
}
