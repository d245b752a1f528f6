// Package client is the polling consumer of the job API: a thin HTTP client
// plus a Tracker that turns snapshots into display state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quantlab_backend/models"
	"quantlab_backend/services/datafetcher"
)

// Snapshot is a polled job as returned by GET /{group}/jobs/{id}.
type Snapshot struct {
	JobID           string           `json:"jobId"`
	Kind            models.JobKind   `json:"kind"`
	Status          models.JobStatus `json:"status"`
	Name            string           `json:"name,omitempty"`
	Preset          string           `json:"preset,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	TimeoutAt       *time.Time       `json:"timeoutAt,omitempty"`
	CancelRequested bool             `json:"cancelRequested"`
	Progress        *models.Progress `json:"progress,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Submission acknowledges an admitted job.
type Submission struct {
	JobID   string           `json:"jobId"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// APIError is a non-2xx answer decoded from the error envelope.
type APIError struct {
	StatusCode    int
	Category      string
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Category, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// API talks to one backend instance.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      datafetcher.RetryConfig
}

// NewAPI creates a client; token may be empty when auth is disabled.
func NewAPI(baseURL, token string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := datafetcher.DefaultRetryConfig()
	retry.IsRetryable = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
		}
		return datafetcher.IsRetryable(err)
	}
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}
}

// Submit posts body to path (e.g. "/dataset" or "/backtest").
func (a *API) Submit(ctx context.Context, path string, body any) (Submission, error) {
	var out Submission
	err := a.do(ctx, http.MethodPost, path, body, &out)
	return out, err
}

// GetJob polls one job. Transient failures are retried.
func (a *API) GetJob(ctx context.Context, group, id string) (Snapshot, error) {
	var out Snapshot
	err := datafetcher.Retry(ctx, a.retry, func() error {
		return a.do(ctx, http.MethodGet, jobPath(group, id), nil, &out)
	})
	return out, err
}

// Cancel requests cancellation and returns the server's message.
func (a *API) Cancel(ctx context.Context, group, id string) (string, error) {
	var out cancelResponse
	if err := a.do(ctx, http.MethodDelete, jobPath(group, id), nil, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("cancel of job %s not confirmed: %s", id, out.Message)
	}
	return out.Message, nil
}

func jobPath(group, id string) string {
	return "/" + group + "/jobs/" + id
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Category: http.StatusText(resp.StatusCode), Message: string(raw)}
		var envelope struct {
			Error         string `json:"error"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Message != "" {
			apiErr.Category = envelope.Error
			apiErr.Message = envelope.Message
			apiErr.CorrelationID = envelope.CorrelationID
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
