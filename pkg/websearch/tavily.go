// Package websearch fetches live web results from the Tavily search API.
// Failures never reach the caller: Search logs them and returns no results.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

// Defaults.
const (
	DefaultBaseURL    = "https://api.tavily.com"
	DefaultMaxResults = 5
	DefaultTimeout    = 15 * time.Second
)

// Config configures a Tavily client. APIKey is required.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// RatePerSecond and Burst bound outgoing searches. Zero values mean 2/s, burst 4.
	RatePerSecond float64
	Burst         int
	Breaker       resilience.BreakerOpts
}

// Tavily is a rate-limited, circuit-broken Tavily client.
type Tavily struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	breaker     *resilience.Breaker
	logger      *slog.Logger
}

// New creates a Tavily client. A missing API key fails with
// domain.ErrMissingCredential.
func New(cfg Config, logger *slog.Logger) (*Tavily, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("websearch: api key: %w", domain.ErrMissingCredential)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tavily{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:     resilience.NewBreaker("tavily", cfg.Breaker),
		logger:      logger,
	}, nil
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search returns up to max results for query. Any failure, including an open
// breaker or a cancelled context, yields an empty slice.
func (t *Tavily) Search(ctx context.Context, query string, max int) []domain.WebResult {
	if max <= 0 {
		max = DefaultMaxResults
	}

	var results []domain.WebResult
	err := t.rateLimiter.Wait(ctx)
	if err == nil {
		err = t.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			results, err = t.search(ctx, query, max)
			return err
		})
	}
	if err != nil {
		t.logger.Warn("web search failed", "query", truncate(query, 50), "err", err)
		return nil
	}

	t.logger.Info("web search complete", "query", truncate(query, 50), "results", len(results))
	return results
}

func (t *Tavily) search(ctx context.Context, query string, max int) ([]domain.WebResult, error) {
	body, err := json.Marshal(searchRequest{
		APIKey:      t.apiKey,
		Query:       query,
		MaxResults:  max,
		SearchDepth: "basic",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	out := make([]domain.WebResult, 0, len(sr.Results))
	for _, r := range sr.Results {
		title := r.Title
		if title == "" {
			title = "No Title"
		}
		out = append(out, domain.WebResult{Title: title, URL: r.URL, Content: r.Content})
	}
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// Format renders results as numbered blocks for the LLM prompt. No results
// render as the empty string.
func Format(results []domain.WebResult) string {
	if len(results) == 0 {
		return ""
	}
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = "**[" + strconv.Itoa(i+1) + "] " + r.Title + "**\n" +
			"URL: " + r.URL + "\n" +
			r.Content + "\n"
	}
	return strings.Join(blocks, "\n---\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
