package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrapper types below unwrap to one of these.
var (
	ErrConfiguration     = errors.New("invalid configuration")
	ErrMissingCredential = errors.New("missing credential")
	ErrExtraction        = errors.New("extraction failed")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmbedding         = errors.New("embedding unavailable")
	ErrEmptyBatch        = errors.New("cannot embed an empty batch")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrGeneration        = errors.New("generation failed")
	ErrEmptyQuery        = errors.New("empty query")
	ErrInvalidSource     = errors.New("invalid source name")
)

// ConfigError reports an invalid configuration value. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// NewConfigError creates a ConfigError.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// ExtractionError reports an unreadable or unsupported file.
type ExtractionError struct {
	Source  string
	Wrapped error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q: %v", e.Source, e.Wrapped)
}

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

func (e *ExtractionError) Unwrap() error { return e.Wrapped }

// EmbeddingError reports a failed or rejected embedding request.
type EmbeddingError struct {
	Op      string
	Wrapped error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %s: %v", e.Op, e.Wrapped)
}

func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbedding }

func (e *EmbeddingError) Unwrap() error { return e.Wrapped }

// GenerationError reports a streaming failure after zero or more fragments.
type GenerationError struct {
	Emitted int // fragments already delivered to the caller
	Wrapped error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: after %d fragments: %v", e.Emitted, e.Wrapped)
}

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

func (e *GenerationError) Unwrap() error { return e.Wrapped }
