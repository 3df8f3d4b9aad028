package domain

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxSourceLength = 255

// ValidateQuery checks a chat message before it enters the pipeline.
func ValidateQuery(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyQuery
	}
	return nil
}

// ValidateSource checks a document name used as the source identifier.
// Names must be plain file names: no directories, no control characters.
func ValidateSource(name string) error {
	if strings.TrimSpace(name) == "" || utf8.RuneCountInString(name) > maxSourceLength {
		return ErrInvalidSource
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return ErrInvalidSource
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidSource
		}
	}
	return nil
}
