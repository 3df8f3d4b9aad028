package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/WessleyAI/docchat/engine/domain"
)

// StreamGenerate starts a streaming chat completion. Fragments arrive on the
// returned channel in order; the last value has Done or Err set and the
// channel is then closed. Cancelling ctx stops the stream.
func (c *Client) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamToken, error) {
	turns := req.Messages()
	msgs := make([]message, len(turns))
	for i, t := range turns {
		msgs[i] = message{Role: string(t.Role), Content: t.Content}
	}

	resp, err := c.post(ctx, "/api/chat", chatRequest{
		Model:    c.chatModel,
		Messages: msgs,
		Stream:   true,
		Options:  map[string]any{"temperature": c.temperature, "top_p": 0.9, "num_predict": 2048},
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: %w", err)
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
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				c.logger.Warn("ollama: skipping malformed stream line", "err", err)
				continue
			}
			if chunk.Error != "" {
				send(domain.StreamToken{Err: fmt.Errorf("ollama: chat: %s", chunk.Error)})
				return
			}
			if chunk.Message.Content != "" {
				if !send(domain.StreamToken{Content: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				send(domain.StreamToken{Done: true})
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = errors.New("stream ended before completion")
		}
		if ctx.Err() != nil {
			return
		}
		send(domain.StreamToken{Err: fmt.Errorf("ollama: chat: %w", err)})
	}()
	return ch, nil
}

// Classify asks the chat model to label query with a route.
func (c *Client) Classify(ctx context.Context, query string, hasDocuments bool) (domain.Route, error) {
	reply, err := c.chatOnce(ctx, c.chatModel,
		[]message{{Role: string(domain.RoleUser), Content: domain.ClassificationPrompt(query, hasDocuments)}},
		map[string]any{"temperature": 0, "num_predict": 20},
	)
	if err != nil {
		return "", fmt.Errorf("ollama: classify: %w", err)
	}
	route, ok := domain.ParseClassification(reply)
	if !ok {
		return "", fmt.Errorf("ollama: classify: unexpected label %q", reply)
	}
	return route, nil
}
