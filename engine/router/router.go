// Package router decides which information sources a query should consult.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Classifier labels ambiguous queries, typically with an LLM.
type Classifier interface {
	Classify(ctx context.Context, query string, hasDocuments bool) (domain.Route, error)
}

// Time, news and market terms.
var webKeywords = wordSet(
	"latest", "recent", "news", "today", "current", "trending",
	"update", "2024", "2025", "2026", "live", "now", "breaking",
	"weather", "stock", "price", "score", "result",
)

// Document and structural terms. Multi-word phrases can never match a
// single token, so the stems they are built from are listed instead.
var docKeywords = wordSet(
	"document", "documents", "file", "files", "uploaded", "upload",
	"pdf", "docx", "csv", "spreadsheet", "page", "pages", "paragraph",
	"section", "chapter", "table", "figure", "according",
	"report", "paper", "mentioned", "states", "says",
)

// Greetings and meta questions, matched as plain prefixes.
var generalPhrases = []string{
	"hello", "hi", "hey", "thanks", "thank you", "bye", "help",
	"who are you", "what can you do", "how are you",
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Router applies keyword heuristics and falls back to a Classifier for
// ambiguous queries. It holds no mutable state.
type Router struct {
	classifier Classifier
	logger     *slog.Logger
}

// New creates a Router. classifier may be nil.
func New(classifier Classifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{classifier: classifier, logger: logger}
}

// Route classifies query. hasDocuments reports whether the index holds any entries.
func (r *Router) Route(ctx context.Context, query string, hasDocuments bool) domain.Route {
	route, reason := r.decide(ctx, query, hasDocuments)
	r.logger.Info("query routed", "route", route, "reason", reason, "query", truncate(query, 50))
	return route
}

func (r *Router) decide(ctx context.Context, query string, hasDocuments bool) (domain.Route, string) {
	q := strings.ToLower(strings.TrimSpace(query))
	if isGeneral(q) {
		return domain.RouteGeneral, "general"
	}

	tokens := wordRe.FindAllString(q, -1)
	hasWeb := containsAny(tokens, webKeywords)
	hasDoc := containsAny(tokens, docKeywords)

	switch {
	case hasDoc && !hasWeb:
		return domain.RouteDocsOnly, "keywords"
	case hasWeb && !hasDoc:
		return domain.RouteWebOnly, "keywords"
	case hasWeb && hasDoc:
		if hasDocuments {
			return domain.RouteBoth, "keywords"
		}
		return domain.RouteWebOnly, "keywords"
	}

	if r.classifier == nil {
		if hasDocuments {
			return domain.RouteDocsOnly, "default"
		}
		return domain.RouteGeneral, "default"
	}

	route, err := r.classifier.Classify(ctx, query, hasDocuments)
	if err != nil {
		r.logger.Warn("classifier failed", "err", err)
		return domain.RouteGeneral, "classifier-error"
	}
	if _, ok := domain.ParseRoute(string(route)); !ok {
		r.logger.Warn("classifier returned unknown label", "label", route)
		return domain.RouteGeneral, "classifier-invalid"
	}
	return route, "classifier"
}

// isGeneral expects q lower-cased and trimmed.
func isGeneral(q string) bool {
	for _, p := range generalPhrases {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return len(strings.Fields(q)) <= 2 && !strings.ContainsAny(q, "?.")
}

func containsAny(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
