package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const documentPart = "word/document.xml"

// extractDOCX returns non-empty paragraphs followed by tables, each table
// rendered one row per line with cells joined by " | ".
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("docx: open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != documentPart {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("docx: open %s: %w", documentPart, err)
		}
		defer rc.Close()
		return parseDocumentXML(rc)
	}
	return "", fmt.Errorf("docx: %s not found", documentPart)
}

// parseDocumentXML walks WordprocessingML tokens. Paragraph text is the
// concatenation of its <w:t> runs; paragraphs inside table cells belong to
// the cell instead of the body.
func parseDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		paragraphs []string
		tables     []string
		para       strings.Builder
		cell       []string
		row        []string
		rows       []string
		inText     bool
		tableDepth int
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docx: parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			case "tbl":
				tableDepth++
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := para.String()
				para.Reset()
				switch {
				case strings.TrimSpace(text) == "":
				case tableDepth > 0:
					cell = append(cell, strings.TrimSpace(text))
				default:
					paragraphs = append(paragraphs, text)
				}
			case "tc":
				row = append(row, strings.Join(cell, " "))
				cell = nil
			case "tr":
				rows = append(rows, strings.Join(row, " | "))
				row = nil
			case "tbl":
				tableDepth--
				if tableDepth == 0 && len(rows) > 0 {
					tables = append(tables, strings.Join(rows, "\n"))
					rows = nil
				}
			}
		}
	}
	return strings.Join(append(paragraphs, tables...), "\n\n"), nil
}
