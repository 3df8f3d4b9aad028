package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Describe asks the vision model for a detailed description of an image.
func (c *Client) Describe(ctx context.Context, image []byte) (string, error) {
	reply, err := c.chatOnce(ctx, c.visionModel, []message{{
		Role:    string(domain.RoleUser),
		Content: domain.VisionPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	}}, map[string]any{"temperature": 0.3, "num_predict": 1024})
	if err != nil {
		return "", fmt.Errorf("ollama: describe: %w", err)
	}
	reply = strings.TrimSpace(reply)
	c.logger.Info("vision analysis complete", "chars", len(reply))
	return reply, nil
}
