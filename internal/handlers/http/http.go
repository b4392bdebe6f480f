// Package http runs scripts on a remote runner service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conductor/internal/handlers"
)

// Runner posts each run request as JSON to URL and reads a RunResult back.
type Runner struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

func New(url string, timeout time.Duration, headers map[string]string) *Runner {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Runner{
		URL:     strings.TrimRight(url, "/"),
		Headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *Runner) Run(ctx context.Context, req handlers.RunRequest) (handlers.RunResult, error) {
	var res handlers.RunResult
	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("failed to encode run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/run", bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range r.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return res, fmt.Errorf("runner request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("failed to read runner response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return res, fmt.Errorf("runner HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return res, fmt.Errorf("invalid runner response: %w", err)
	}
	return res, nil
}
