package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText reads UTF-8 (with or without BOM) and falls back to Latin-1,
// which maps every byte to a rune and so never fails.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		b.WriteRune(rune(c))
	}
	return b.String()
}

// extractCSV renders rows as a pipe-separated table with a rule under the header.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(strings.NewReader(decodeText(data)))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("csv: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	header := strings.Join(rows[0], " | ")
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, header, strings.Repeat("-", utf8.RuneCountInString(header)))
	for _, row := range rows[1:] {
		lines = append(lines, strings.Join(row, " | "))
	}
	return strings.Join(lines, "\n"), nil
}
