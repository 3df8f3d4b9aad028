package ollama

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/fn"
)

// EmbedBatchSize is the maximum number of texts sent in one /api/embed call.
const EmbedBatchSize = 64

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text, in order. Texts are sent in batches of
// EmbedBatchSize. An empty input fails with domain.ErrEmptyBatch.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, domain.ErrEmptyBatch
	}

	out := make([][]float32, 0, len(texts))
	for i, batch := range fn.Chunk(texts, EmbedBatchSize) {
		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("ollama: embed batch %d: %w", i, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}
