// Package chunk splits extracted document text into overlapping,
// boundary-aware chunks ready for embedding.
package chunk

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/docchat/engine/domain"
)

const (
	// DefaultSize is the maximum number of characters per raw chunk.
	DefaultSize = 500
	// DefaultOverlap is the number of trailing characters carried into the next chunk.
	DefaultOverlap = 50
)

// separators in priority order: paragraph, line, clause punctuation, word.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " "}

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	hspaceRe     = regexp.MustCompile(`[ \t]+`)
)

// Chunker is a recursive character splitter. It is safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
	logger  *slog.Logger
}

// New creates a Chunker. Overlap must be non-negative and strictly less than size.
func New(size, overlap int, logger *slog.Logger) (*Chunker, error) {
	if size <= 0 {
		return nil, domain.NewConfigError("chunk_size", "must be positive")
	}
	if overlap < 0 {
		return nil, domain.NewConfigError("chunk_overlap", "must not be negative")
	}
	if overlap >= size {
		return nil, domain.NewConfigError("chunk_overlap", "must be less than chunk_size")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{size: size, overlap: overlap, logger: logger}, nil
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text into chunks tagged with source. Empty or whitespace-only
// text yields no chunks.
func (c *Chunker) Chunk(text, source string) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	cleaned := Clean(text)
	raw := c.split(cleaned, 0)
	withOverlap := c.applyOverlap(raw)

	chunks := make([]domain.Chunk, 0, len(withOverlap))
	for _, s := range withOverlap {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		chunks = append(chunks, domain.Chunk{
			Text:       s,
			Source:     source,
			ChunkIndex: len(chunks),
		})
	}

	c.logger.Debug("chunked text",
		"source", source,
		"chars", utf8.RuneCountInString(cleaned),
		"chunks", len(chunks),
		"size", c.size,
		"overlap", c.overlap,
	)
	return chunks
}

// Clean normalizes line endings, collapses blank-line runs to one empty line,
// squeezes horizontal whitespace and trims the result.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	text = hspaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// split returns raw chunks, each at most c.size characters.
func (c *Chunker) split(text string, sepIndex int) []string {
	if runeLen(text) <= c.size {
		return []string{text}
	}
	if sepIndex >= len(separators) {
		return hardSplit(text, c.size)
	}

	sep := separators[sepIndex]
	var (
		chunks  []string
		current string
	)
	for _, part := range strings.Split(text, sep) {
		candidate := part
		if current != "" {
			candidate = current + sep + part
		}
		if runeLen(candidate) <= c.size {
			current = candidate
			continue
		}

		if current != "" {
			chunks = append(chunks, current)
		}
		if runeLen(part) > c.size {
			chunks = append(chunks, c.split(part, sepIndex+1)...)
			current = ""
		} else {
			current = part
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// applyOverlap prefixes every chunk after the first with the tail of the
// previous raw chunk.
func (c *Chunker) applyOverlap(raw []string) []string {
	if len(raw) == 0 || c.overlap == 0 {
		return raw
	}
	out := make([]string, len(raw))
	out[0] = raw[0]
	for i := 1; i < len(raw); i++ {
		out[i] = tail(raw[i-1], c.overlap) + raw[i]
	}
	return out
}

func hardSplit(text string, size int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		out = append(out, string(runes[i:end]))
	}
	return out
}

func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
