package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/WessleyAI/docchat/engine/domain"
)

// StreamGenerate starts a streaming completion over server-sent events.
// Fragments arrive in order; the final value has Done or Err set, then the
// channel is closed.
func (c *Client) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamToken, error) {
	turns := req.Messages()
	msgs := make([]chatMessage, len(turns))
	for i, t := range turns {
		msgs[i] = chatMessage{Role: string(t.Role), Content: t.Content}
	}

	resp, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.chatModel,
		Messages:    msgs,
		Stream:      true,
		Temperature: c.temperature,
		TopP:        0.9,
		MaxTokens:   2048,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("openai: chat: %w", err)
	}

	ch := make(chan domain.StreamToken)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(tok domain.StreamToken) bool {
			select {
			case ch <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue // blank separators, comments, event names
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				send(domain.StreamToken{Done: true})
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Warn("openai: skipping malformed event", "err", err)
				continue
			}
			if chunk.Error != nil {
				send(domain.StreamToken{Err: fmt.Errorf("openai: chat: %s", chunk.Error.Message)})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !send(domain.StreamToken{Content: text}) {
					return
				}
			}
		}

		err := scanner.Err()
		if err == nil {
			err = errors.New("stream ended before [DONE]")
		}
		if ctx.Err() != nil {
			return
		}
		send(domain.StreamToken{Err: fmt.Errorf("openai: chat: %w", err)})
	}()
	return ch, nil
}

// Classify asks the chat model to label query with a route.
func (c *Client) Classify(ctx context.Context, query string, hasDocuments bool) (domain.Route, error) {
	reply, err := c.complete(ctx, chatRequest{
		Model: c.chatModel,
		Messages: []chatMessage{{
			Role:    string(domain.RoleUser),
			Content: domain.ClassificationPrompt(query, hasDocuments),
		}},
		Temperature: 0,
		MaxTokens:   20,
	})
	if err != nil {
		return "", fmt.Errorf("openai: classify: %w", err)
	}
	route, ok := domain.ParseClassification(reply)
	if !ok {
		return "", fmt.Errorf("openai: classify: unexpected label %q", reply)
	}
	return route, nil
}
