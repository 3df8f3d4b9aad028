// Package domain defines the core data model and error taxonomy shared by the
// docchat engine packages. It has no dependencies outside the standard library.
package domain

// Chunk is a bounded slice of a source document's text, the unit of retrieval.
type Chunk struct {
	Text       string `json:"text"`
	Source     string `json:"source"`
	ChunkIndex int    `json:"chunk_index"`
}

// IndexedEntry is a Chunk as stored in the vector index.
type IndexedEntry struct {
	ID        string    `json:"id"`
	Chunk     Chunk     `json:"chunk"`
	Embedding []float32 `json:"-"`
}

// SearchResult is a single retrieval hit. It is never persisted.
type SearchResult struct {
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	ChunkIndex int     `json:"chunk_index"`
	Distance   float64 `json:"distance"`
	Relevance  float64 `json:"relevance_score"`
}

// Relevance converts a cosine distance in [0,2] to a score in [0,1] where 1 means identical.
func Relevance(distance float64) float64 {
	return 1 - distance/2
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one message in the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Route is the retrieval strategy chosen for a query.
type Route string

const (
	RouteDocsOnly Route = "DOCS_ONLY"
	RouteWebOnly  Route = "WEB_ONLY"
	RouteBoth     Route = "BOTH"
	RouteGeneral  Route = "GENERAL"
)

// ParseRoute maps a label onto a Route. Unknown labels report false.
func ParseRoute(s string) (Route, bool) {
	switch r := Route(s); r {
	case RouteDocsOnly, RouteWebOnly, RouteBoth, RouteGeneral:
		return r, true
	}
	return "", false
}

// UsesDocs reports whether the route consults the vector index.
func (r Route) UsesDocs() bool { return r == RouteDocsOnly || r == RouteBoth }

// UsesWeb reports whether the route consults web search.
func (r Route) UsesWeb() bool { return r == RouteWebOnly || r == RouteBoth }

// WebResult is a single web search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// StreamToken is one fragment of a streaming LLM response.
type StreamToken struct {
	Content string
	Done    bool
	Err     error
}
