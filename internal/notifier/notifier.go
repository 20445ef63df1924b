// Package notifier reports a worker's final status to the control-plane API.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Final worker statuses
const (
	StatusTerminated = "terminated"
	StatusError      = "error"
)

// FinalReport is what a worker reports once, right before exiting.
type FinalReport struct {
	Status     string
	Reason     string
	ShutdownAt time.Time
}

// UpdateRequest is the PATCH /workers/{workerId} body.
type UpdateRequest struct {
	Status   string         `json:"status"`
	Metadata UpdateMetadata `json:"metadata"`
}

type UpdateMetadata struct {
	FinalUpdate bool   `json:"finalUpdate"`
	Reason      string `json:"reason"`
	ShutdownAt  string `json:"shutdownAt"`
}

// HTTPNotifier reports to the control-plane API over HTTP.
type HTTPNotifier struct {
	baseURL  string
	token    string
	workerID string
	client   *http.Client
}

// New creates a notifier for one worker.
func New(baseURL, token, workerID string) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		workerID: workerID,
		client:   &http.Client{},
	}
}

// SetHTTPClient overrides the HTTP client (for testing)
func (n *HTTPNotifier) SetHTTPClient(c *http.Client) {
	n.client = c
}

// NotifyFinal sends the final status. Any non-2xx response is an error.
func (n *HTTPNotifier) NotifyFinal(ctx context.Context, report FinalReport) error {
	body, err := json.Marshal(UpdateRequest{
		Status: report.Status,
		Metadata: UpdateMetadata{
			FinalUpdate: true,
			Reason:      report.Reason,
			ShutdownAt:  report.ShutdownAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal final update: %w", err)
	}

	endpoint := n.baseURL + "/workers/" + url.PathEscape(n.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build final update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send final update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("final update rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
