// Package ollama talks to a local Ollama server for embeddings, streaming
// chat, query classification and image description.
package ollama

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
)

// Default models.
const (
	DefaultEmbedModel  = "nomic-embed-text"
	DefaultChatModel   = "llama3.1:8b"
	DefaultVisionModel = "llava"
)

// Config configures a Client. Zero fields take defaults.
type Config struct {
	BaseURL     string
	EmbedModel  string
	ChatModel   string
	VisionModel string
	Temperature float64
	Timeout     time.Duration // per non-streaming request
}

// Client is an Ollama HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	embedModel  string
	chatModel   string
	visionModel string
	temperature float64
	timeout     time.Duration
	http        *http.Client
	logger      *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		embedModel:  cfg.EmbedModel,
		chatModel:   cfg.ChatModel,
		visionModel: cfg.VisionModel,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		http:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:      logger,
	}
	if c.baseURL == "" {
		c.baseURL = "http://localhost:11434"
	}
	if c.embedModel == "" {
		c.embedModel = DefaultEmbedModel
	}
	if c.chatModel == "" {
		c.chatModel = DefaultChatModel
	}
	if c.visionModel == "" {
		c.visionModel = DefaultVisionModel
	}
	if c.temperature == 0 {
		c.temperature = 0.7
	}
	if c.timeout == 0 {
		c.timeout = 2 * time.Minute
	}
	return c
}

// message is one entry of an Ollama chat transcript.
type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// post sends a JSON request and returns the response, which the caller must
// close. Non-2xx statuses are returned as errors.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// chatOnce runs a non-streaming chat completion and returns the reply text.
func (c *Client) chatOnce(ctx context.Context, model string, msgs []message, options map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/chat", chatRequest{Model: model, Messages: msgs, Options: options})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.Message.Content, nil
}
