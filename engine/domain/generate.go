package domain

import "strings"

// GenerateRequest is everything a chat model needs for one grounded answer.
type GenerateRequest struct {
	SystemPrompt string
	History      []Turn // prior turns, excluding Message
	DocContext   string // formatted document chunks, may be empty
	WebContext   string // formatted web results, may be empty
	Message      string
}

// Messages flattens the request into the chat transcript sent to a model:
// system prompt, history, then the user message augmented with any context.
func (r GenerateRequest) Messages() []Turn {
	out := make([]Turn, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		out = append(out, Turn{Role: RoleSystem, Content: r.SystemPrompt})
	}
	out = append(out, r.History...)
	return append(out, Turn{Role: RoleUser, Content: r.augmented()})
}

func (r GenerateRequest) augmented() string {
	var parts []string
	if r.DocContext != "" {
		parts = append(parts, "### 📄 Relevant Document Context:\n"+r.DocContext)
	}
	if r.WebContext != "" {
		parts = append(parts, "### 🌐 Web Search Results:\n"+r.WebContext)
	}
	if len(parts) == 0 {
		return r.Message
	}
	return strings.Join(parts, "\n\n") + "\n\n### 💬 User Question:\n" + r.Message
}

// ClassificationPrompt asks a model to label a query with exactly one route.
func ClassificationPrompt(query string, hasDocuments bool) string {
	loaded := "False"
	if hasDocuments {
		loaded = "True"
	}
	return `Classify this user query into exactly one category.
Available categories:
- DOCS_ONLY: The user is asking about uploaded documents or files.
- WEB_ONLY: The user is asking about current events, news, or real-time information.
- BOTH: The user wants to compare document info with web info.
- GENERAL: General conversation, greetings, or questions not needing search.

User has documents loaded: ` + loaded + `

Query: "` + query + `"

Respond with ONLY the category name (e.g., DOCS_ONLY). Nothing else.`
}

// ParseClassification normalizes a model's reply into a Route.
func ParseClassification(reply string) (Route, bool) {
	return ParseRoute(strings.ToUpper(strings.TrimSpace(reply)))
}

// VisionPrompt is the instruction sent with images for visual analysis.
const VisionPrompt = "Describe this image in detail. Extract all text, data, diagrams, and visual information."
