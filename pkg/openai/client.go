// Package openai is a client for OpenAI-compatible chat APIs such as Groq.
// It provides streaming generation, query classification and image
// description.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1"
	DefaultChatModel   = "llama-3.3-70b-versatile"
	DefaultVisionModel = "llama-3.2-90b-vision-preview"
	DefaultTimeout     = 120 * time.Second
)

// Config configures a Client. APIKey is required.
type Config struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	VisionModel string
	Temperature float64
	Timeout     time.Duration // per non-streaming request
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	http        *http.Client
	baseURL     string
	apiKey      string
	chatModel   string
	visionModel string
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates a Client. A missing API key fails with domain.ErrMissingCredential.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key: %w", domain.ErrMissingCredential)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		chatModel:   cfg.ChatModel,
		visionModel: cfg.VisionModel,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger,
	}, nil
}

// chatMessage content is either a string or a list of typed parts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

func (c *Client) post(ctx context.Context, path string, body any, stream bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var wrapped struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, wrapped.Error.Message)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// complete runs a non-streaming completion and returns the first choice.
func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/chat/completions", req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return out.Choices[0].Message.Content, nil
}
