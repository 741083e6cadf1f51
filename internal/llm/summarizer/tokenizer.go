package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/metrics"
)

// TokenCounter counts tokens in a string. Count never fails.
type TokenCounter interface {
	Count(ctx context.Context, text string) int
}

// Estimate is the heuristic used when no exact count is available.
func Estimate(text string) int {
	return len(text) / 4
}

// EstimateCounter counts with Estimate only.
type EstimateCounter struct{}

// Count implements TokenCounter.
func (EstimateCounter) Count(_ context.Context, text string) int { return Estimate(text) }

const (
	defaultMemoSize = 4096
	// failureCooldown is how long the client estimates locally after the
	// tokenizer fails, so a dead endpoint costs one timeout, not one per call.
	failureCooldown = 30 * time.Second
)

// TokenizerClient asks an HTTP tokenizer service for exact counts and falls
// back to Estimate on any failure. Exact counts are memoised per string.
type TokenizerClient struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	memo      map[string]int
	order     []string
	memoCap   int
	downUntil time.Time
}

// NewTokenizerClient creates a client for url. An empty url always estimates.
func NewTokenizerClient(url string, timeout time.Duration, logger *zap.Logger) *TokenizerClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenizerClient{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		memo:       make(map[string]int),
		memoCap:    defaultMemoSize,
	}
}

// Count implements TokenCounter.
func (c *TokenizerClient) Count(ctx context.Context, text string) int {
	if c.url == "" || text == "" {
		return Estimate(text)
	}

	c.mu.Lock()
	if n, ok := c.memo[text]; ok {
		c.mu.Unlock()
		return n
	}
	down := time.Now().Before(c.downUntil)
	c.mu.Unlock()
	if down {
		metrics.TokenizerFallbacksTotal.Inc()
		return Estimate(text)
	}

	n, err := c.remoteCount(ctx, text)
	if err != nil {
		metrics.TokenizerFallbacksTotal.Inc()
		c.logger.Debug("tokenizer unavailable, estimating", zap.Error(err))
		if ctx.Err() == nil {
			c.mu.Lock()
			c.downUntil = time.Now().Add(failureCooldown)
			c.mu.Unlock()
		}
		return Estimate(text)
	}

	c.mu.Lock()
	if _, ok := c.memo[text]; !ok {
		if len(c.order) >= c.memoCap {
			delete(c.memo, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, text)
	}
	c.memo[text] = n
	c.mu.Unlock()
	return n
}

func (c *TokenizerClient) remoteCount(ctx context.Context, text string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("tokenizer status %d", resp.StatusCode)
	}

	var out struct {
		Count *int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode tokenizer response: %w", err)
	}
	if out.Count == nil || *out.Count < 0 {
		return 0, fmt.Errorf("tokenizer response has no count")
	}
	return *out.Count, nil
}
