package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
)

type WebhookPayload struct {
	Status       string    `json:"status"`
	DatabaseType string    `json:"database_type"`
	DatabaseName string    `json:"database_name"`
	DumpName     string    `json:"dump_name,omitempty"`
	ObjectKey    string    `json:"object_key,omitempty"`
	Size         int64     `json:"size,omitempty"`
	Tables       int       `json:"tables,omitempty"`
	Rows         int64     `json:"rows,omitempty"`
	Duration     string    `json:"duration"`
	DeletedDumps int       `json:"deleted_dumps,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Repository   string    `json:"repository,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	RunURL       string    `json:"run_url,omitempty"`
}

type WebhookNotifier struct {
	url       string
	onSuccess bool
	onFailure bool
	client    *http.Client
	now       func() time.Time
}

func NewWebhookNotifier(url string, onSuccess, onFailure bool) *WebhookNotifier {
	return &WebhookNotifier{
		url:       url,
		onSuccess: onSuccess,
		onFailure: onFailure,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// Enabled reports whether a summary with this outcome would be sent.
func (n *WebhookNotifier) Enabled(success bool) bool {
	if n == nil || n.url == "" {
		return false
	}
	if success {
		return n.onSuccess
	}
	return n.onFailure
}

func (n *WebhookNotifier) Notify(ctx context.Context, summary *DumpSummary) error {
	if !n.Enabled(summary.Success) {
		return nil
	}

	body, err := json.Marshal(n.buildWebhookPayload(summary))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "resumable-db-dump/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrNotificationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", errors.ErrNotificationFailed, resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) buildWebhookPayload(summary *DumpSummary) *WebhookPayload {
	payload := &WebhookPayload{
		DatabaseType: summary.DatabaseType,
		DatabaseName: summary.DatabaseName,
		DumpName:     summary.DumpName,
		Duration:     summary.Duration.String(),
		Timestamp:    n.now().UTC(),
	}

	if summary.Success {
		payload.Status = "success"
		payload.ObjectKey = summary.ObjectKey
		payload.Size = summary.Size
		payload.Tables = summary.Tables
		payload.Rows = summary.Rows
		payload.DeletedDumps = summary.DeletedDumps
	} else {
		payload.Status = "failure"
		if summary.Error != nil {
			payload.Error = summary.Error.Error()
		}
	}

	repo := os.Getenv("GITHUB_REPOSITORY")
	payload.Repository = repo
	if runID := os.Getenv("GITHUB_RUN_ID"); runID != "" {
		payload.RunID = runID
		if serverURL := os.Getenv("GITHUB_SERVER_URL"); serverURL != "" && repo != "" {
			payload.RunURL = fmt.Sprintf("%s/%s/actions/runs/%s", serverURL, repo, runID)
		}
	}

	return payload
}
