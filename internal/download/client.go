// Package download fetches small remote artifacts, such as the vendor
// Docker install script, with retries and a size bound.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/3frustratedDucks/linux-containers-portainer/internal/safety"
)

// DefaultMaxSize bounds a fetched artifact when Options.MaxSize is zero.
const DefaultMaxSize = 4 << 20

// Options configures a single fetch.
type Options struct {
	URL              string
	DestPath         string
	ExpectedChecksum string // SHA256 hex, empty to skip
	MaxSize          int64
	RetryCount       int // 0 defaults to 3
}

// Result describes a completed fetch.
type Result struct {
	Path     string
	Size     int64
	SHA256   string
	Attempts int
	Duration time.Duration
}

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// Client fetches artifacts over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	backoff    func(attempt int) time.Duration
}

// NewClient creates a client. A nil httpClient uses safety.NewHTTPClient.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(2 * time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		userAgent:  "portainerctl",
		backoff:    backoffDelay,
	}
}

// Fetch downloads opts.URL to opts.DestPath. The destination only appears
// once the body has been fully read, size-checked and (optionally) verified.
func (c *Client) Fetch(ctx context.Context, opts Options) (*Result, error) {
	if _, err := safety.ValidateHTTPURL(opts.URL); err != nil {
		return nil, err
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		res, err := c.attempt(ctx, opts)
		if err == nil {
			res.Attempts = attempt
			res.Duration = time.Since(start)
			return res, nil
		}
		lastErr = err
		c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !retryable(err) {
			return nil, err
		}
		if attempt < opts.RetryCount {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", opts.RetryCount, lastErr)
}

func (c *Client) attempt(ctx context.Context, opts Options) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := safety.ReadAllWithLimit(resp.Body, opts.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if opts.ExpectedChecksum != "" && digest != opts.ExpectedChecksum {
		return nil, fmt.Errorf("checksum mismatch: got %s, expected %s", digest, opts.ExpectedChecksum)
	}

	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(opts.DestPath, body, 0o600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", opts.DestPath, err)
	}

	return &Result{Path: opts.DestPath, Size: int64(len(body)), SHA256: digest}, nil
}

// backoffDelay doubles from one second with up to 50% jitter.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

// retryable reports whether err is worth another attempt. 4xx other than 429
// and oversized bodies are final.
func retryable(err error) bool {
	if errors.Is(err, safety.ErrBodyTooLarge) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
