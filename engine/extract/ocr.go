package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os/exec"
	"strings"
)

// OCR recognizes text in an image.
type OCR interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// TesseractOCR runs the tesseract command-line tool, piping the image over
// stdin and reading text from stdout.
type TesseractOCR struct {
	Path     string // binary, default "tesseract"
	Language string // default "eng"
}

// Recognize implements OCR.
func (t TesseractOCR) Recognize(ctx context.Context, img []byte) (string, error) {
	path := t.Path
	if path == "" {
		path = "tesseract"
	}
	lang := t.Language
	if lang == "" {
		lang = "eng"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "stdin", "stdout", "-l", lang)
	cmd.Stdin = bytes.NewReader(img)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.Join(strings.Fields(stdout.String()), " "), nil
}

// extractImage validates the image and runs OCR when an engine is configured.
func (e *Extractor) extractImage(ctx context.Context, data []byte) (string, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("image: decode: %w", err)
	}
	if e.ocr == nil {
		return "", nil
	}
	text, err := e.ocr.Recognize(ctx, data)
	if err != nil {
		return "", fmt.Errorf("image: ocr: %w", err)
	}
	return text, nil
}
