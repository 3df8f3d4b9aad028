package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Describe sends image to the vision model as a data URL and returns its
// description.
func (c *Client) Describe(ctx context.Context, image []byte) (string, error) {
	url := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	reply, err := c.complete(ctx, chatRequest{
		Model: c.visionModel,
		Messages: []chatMessage{{
			Role: string(domain.RoleUser),
			Content: []contentPart{
				{Type: "text", Text: domain.VisionPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: url}},
			},
		}},
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", fmt.Errorf("openai: describe: %w", err)
	}
	reply = strings.TrimSpace(reply)
	c.logger.Info("vision analysis complete", "chars", len(reply))
	return reply, nil
}
