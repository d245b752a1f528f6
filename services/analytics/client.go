package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"quantlab_backend/logger"
	"quantlab_backend/services/datafetcher"
)

// Client posts signal events to the external attribution service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      datafetcher.RetryConfig
	log        logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, retry datafetcher.RetryConfig, log logger.Logger) *Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		log:        log,
	}
}

type attributionRequest struct {
	HorizonDays int     `json:"horizonDays"`
	Events      []Event `json:"events"`
}

type attributionResponse struct {
	Strategies []StrategyAttribution `json:"strategies"`
}

// Attribute sends events and returns the service's per-strategy summary.
func (c *Client) Attribute(ctx context.Context, horizonDays int, events []Event) ([]StrategyAttribution, error) {
	body, err := json.Marshal(attributionRequest{HorizonDays: horizonDays, Events: events})
	if err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}

	var resp attributionResponse
	attempt := 0
	err = datafetcher.Retry(ctx, c.retry, func() error {
		attempt++
		err := c.post(ctx, "/v1/attribution", body, &resp)
		if err != nil && attempt > 1 {
			c.log.Warn("Attribution request failed", logger.Int("attempt", attempt), logger.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp.Strategies, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call analytics service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &datafetcher.StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
