package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

// ClientConfig configures a ChunkClient.
type ClientConfig struct {
	// BaseURL is the receiving server, e.g. http://lens:8080.
	BaseURL string
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// Timeout for one request (default 30s).
	Timeout time.Duration
	// MaxRetries for 429, 5xx and transport errors (default 3).
	MaxRetries int
	// RatePerSecond bounds requests (default 10), with RateBurst (default 5).
	RatePerSecond float64
	RateBurst     int
	// Transport allows a custom round tripper in tests.
	Transport http.RoundTripper
}

// ChunkClient sends chunks to a remote /api/chunks endpoint. Staging is
// idempotent per chunk index, so a chunk is safe to resend after any
// ambiguous failure.
type ChunkClient struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

var _ core.ChunkSender = (*ChunkClient)(nil)

// NewChunkClient returns a rate-limited, retrying client.
func NewChunkClient(cfg ClientConfig) *ChunkClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	return &ChunkClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
}

// HTTPError is a non-2xx answer from the receiving server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// SendChunk posts chunk and returns the receipt. A receipt reporting a
// failed row processing trigger comes back with a *core.TriggerError, as
// from an in-process receiver.
func (c *ChunkClient) SendChunk(ctx context.Context, chunk core.Chunk) (core.ChunkReceipt, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return core.ChunkReceipt{}, fmt.Errorf("marshal chunk: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return core.ChunkReceipt{}, fmt.Errorf("rate limiter: %w", err)
		}

		receipt, err := c.post(ctx, body)
		if err == nil {
			if receipt.TriggerErr != "" {
				return receipt, &core.TriggerError{
					JobID:     chunk.JobID,
					SheetName: chunk.SheetName,
					Err:       errors.New(receipt.TriggerErr),
				}
			}
			return receipt, nil
		}
		lastErr = err

		wait := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		var herr *HTTPError
		if errors.As(err, &herr) {
			if !herr.retryable() {
				return core.ChunkReceipt{}, err
			}
			if herr.RetryAfter > wait {
				wait = herr.RetryAfter
			}
		}
		if ctx.Err() != nil {
			return core.ChunkReceipt{}, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return core.ChunkReceipt{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return core.ChunkReceipt{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *ChunkClient) post(ctx context.Context, body []byte) (core.ChunkReceipt, error) {
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/chunks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.ChunkReceipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "portfoliolens/1.0")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.ChunkReceipt{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ChunkReceipt{}, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			herr.Message, herr.Code = er.Message, er.Code
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			herr.RetryAfter = time.Duration(secs) * time.Second
		}
		if herr.Code == "CHK002" {
			return core.ChunkReceipt{}, fmt.Errorf("%w: %w", core.ErrInvalidChunk, herr)
		}
		return core.ChunkReceipt{}, herr
	}

	var receipt core.ChunkReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return core.ChunkReceipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return receipt, nil
}
