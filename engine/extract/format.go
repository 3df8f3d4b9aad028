package extract

import (
	"path/filepath"
	"strings"
)

// Format is one of the closed set of supported upload formats.
type Format int

const (
	FormatUnknown Format = iota
	FormatPDF
	FormatDOCX
	FormatTXT
	FormatCSV
	FormatJPEG
	FormatPNG
)

var extensions = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".txt":  FormatTXT,
	".csv":  FormatCSV,
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
}

// FormatFor picks the format from a file name's extension, case-insensitively.
func FormatFor(name string) Format {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// Supported reports whether name has an extension Extract can handle.
func Supported(name string) bool {
	return FormatFor(name) != FormatUnknown
}

// Extensions lists the accepted file extensions.
func Extensions() []string {
	return []string{".pdf", ".docx", ".txt", ".csv", ".jpg", ".jpeg", ".png"}
}

// Label is the human-readable document type reported in ingest stats.
func (f Format) Label() string {
	switch f {
	case FormatPDF:
		return "PDF Document"
	case FormatDOCX:
		return "Word Document"
	case FormatTXT:
		return "Text File"
	case FormatCSV:
		return "CSV File"
	case FormatJPEG:
		return "JPEG Image"
	case FormatPNG:
		return "PNG Image"
	default:
		return "Unknown"
	}
}

// IsImage reports whether the format goes through OCR and vision analysis.
func (f Format) IsImage() bool {
	return f == FormatJPEG || f == FormatPNG
}
