package signal

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonrepair"
)

// ScannerClient pulls observations from an external market scanner over
// HTTP. The scanner emits hand-assembled JSON and occasionally truncates or
// malforms it, so the payload is repaired before decoding.
type ScannerClient struct {
	url        string
	maxRetries int
	httpClient *http.Client
}

// NewScannerClient creates a scanner signal source
func NewScannerClient(url string, timeout time.Duration) *ScannerClient {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &ScannerClient{
		url:        url,
		maxRetries: 3,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (c *ScannerClient) Name() string { return "scanner" }

// Fetch retrieves one batch of ticks, retrying transient network failures
// with a short backoff. Gives up early on non-retryable errors and on
// context cancellation.
func (c *ScannerClient) Fetch(ctx context.Context) ([]Tick, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			log.Printf("⚠️  Scanner fetch failed, retrying (%d/%d)...", attempt, c.maxRetries)
		}

		ticks, err := c.fetchOnce(ctx)
		if err == nil {
			return ticks, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("scanner fetch cancelled: %w", ErrUnavailable)
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("scanner failed (%v): %w", lastErr, ErrUnavailable)
}

func (c *ScannerClient) fetchOnce(ctx context.Context) ([]Tick, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build scanner request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scanner request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scanner response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scanner returned status %d: %s", resp.StatusCode, string(body))
	}

	repaired, err := jsonrepair.JSONRepair(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to repair scanner JSON: %w", err)
	}

	var ticks []Tick
	if err := json.Unmarshal([]byte(repaired), &ticks); err != nil {
		return nil, fmt.Errorf("failed to parse scanner ticks: %w", err)
	}
	return ticks, nil
}

// isRetryableError network-level failures are worth retrying, API-level
// rejections are not
func isRetryableError(err error) bool {
	errStr := err.Error()
	retryable := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
	}
	for _, s := range retryable {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
