package domain

// Document is the text extracted from one uploaded file.
type Document struct {
	Source  string `json:"source"`
	Text    string `json:"text"`
	Type    string `json:"type"`
	IsImage bool   `json:"is_image"`
}

// IngestStats reports what happened to a single ingested file.
type IngestStats struct {
	Source         string `json:"source"`
	Type           string `json:"type"`
	ChunksStored   int    `json:"chunks_stored"`
	VisionAnalysis string `json:"vision_analysis,omitempty"`
	// ChunksReplaced counts chunks of an earlier version that were removed.
	ChunksReplaced int `json:"chunks_replaced,omitempty"`
}
