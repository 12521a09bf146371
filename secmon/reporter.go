package secmon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
)

// DefaultOutputPath is the snapshot file written at the end of every run.
const DefaultOutputPath = "secmonitor-stats.json"

const maxErrorBody = 512

// Reporter persists and publishes snapshots.
type Reporter struct {
	logger *zap.SugaredLogger
	client *http.Client
}

func NewReporter(logger *zap.SugaredLogger, timeout time.Duration) *Reporter {
	return &Reporter{
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

// WriteFile saves snapshot as a flat {"syscall": count} JSON object, replacing any existing file.
func (r *Reporter) WriteFile(filepath string, snapshot Snapshot) error {
	r.logger.Infow("saving count stats", "path", filepath, "syscalls", len(snapshot), "total", snapshot.Total())

	bts, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	if err := os.WriteFile(filepath, bts, 0o644); err != nil {
		return fmt.Errorf("failed to save syscall stats: %w", err)
	}

	return nil
}

// Push POSTs snapshot as JSON to endpoint. Any non-2xx response is an error.
func (r *Reporter) Push(ctx context.Context, endpoint string, snapshot Snapshot) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid report url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("report url must use http or https, got %q", u.Scheme)
	}

	bts, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(bts))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	r.logger.Infow("pushed count stats", "url", u.Redacted(), "syscalls", len(snapshot))

	return nil
}
