package artifact

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behaviour for receiver uploads.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// RetryableHTTPClient retries requests on transport errors and retryable
// status codes with jittered exponential backoff.
type RetryableHTTPClient struct {
	client *http.Client
	retry  RetryConfig
}

func NewRetryableHTTPClient(timeout time.Duration, retry RetryConfig) *RetryableHTTPClient {
	return &RetryableHTTPClient{client: &http.Client{Timeout: timeout}, retry: retry}
}

// Do sends the request produced by build, calling build again for every
// attempt so that request bodies are fresh.
func (c *RetryableHTTPClient) Do(ctx context.Context, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || attempt == c.retry.MaxRetries {
				break
			}
			delay := c.delay(attempt)
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_retries", c.retry.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("HTTP request failed, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		if c.shouldRetry(resp.StatusCode) && attempt < c.retry.MaxRetries {
			resp.Body.Close()
			delay := c.delay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_retries", c.retry.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("HTTP request returned retryable status, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *RetryableHTTPClient) shouldRetry(status int) bool {
	for _, code := range c.retry.RetryableStatus {
		if status == code {
			return true
		}
	}
	return false
}

// delay is exponential backoff with ±25% jitter, capped at MaxDelay.
func (c *RetryableHTTPClient) delay(attempt int) time.Duration {
	d := float64(c.retry.InitialDelay) * math.Pow(c.retry.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if limit := float64(c.retry.MaxDelay); limit > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
