// Package extract turns uploaded file bytes into plain text. Dispatch is a
// switch over a fixed set of formats; images are handed to an OCR engine.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/docchat/engine/domain"
)

// EmptyPlaceholder replaces text for files that yield nothing readable.
const EmptyPlaceholder = "[No readable text content found in this file.]"

// Extractor extracts text from supported document formats.
type Extractor struct {
	ocr    OCR
	logger *slog.Logger
}

// New creates an Extractor. ocr may be nil, in which case images yield no text
// of their own and rely on vision analysis.
func New(ocr OCR, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{ocr: ocr, logger: logger}
}

// Extract reads data according to the format implied by name. Unsupported or
// corrupt input fails with a *domain.ExtractionError.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (domain.Document, error) {
	format := FormatFor(name)

	var (
		text string
		err  error
	)
	switch format {
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatDOCX:
		text, err = extractDOCX(data)
	case FormatTXT:
		text = decodeText(data)
	case FormatCSV:
		text, err = extractCSV(data)
	case FormatJPEG, FormatPNG:
		text, err = e.extractImage(ctx, data)
	default:
		err = fmt.Errorf("%w: %q (supported: %s)", domain.ErrUnsupportedFormat, name, strings.Join(Extensions(), ", "))
	}
	if err != nil {
		return domain.Document{}, &domain.ExtractionError{Source: name, Wrapped: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		e.logger.Warn("no text extracted", "source", name)
		text = EmptyPlaceholder
	}

	e.logger.Info("extracted document",
		"source", name,
		"type", format.Label(),
		"chars", utf8.RuneCountInString(text),
	)
	return domain.Document{
		Source:  name,
		Text:    text,
		Type:    format.Label(),
		IsImage: format.IsImage(),
	}, nil
}
