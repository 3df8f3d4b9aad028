package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRelevance(t *testing.T) {
	cases := []struct {
		distance float64
		want     float64
	}{
		{0, 1},
		{1, 0.5},
		{2, 0},
		{0.5, 0.75},
	}
	for _, c := range cases {
		if got := Relevance(c.distance); got != c.want {
			t.Errorf("Relevance(%v) = %v, want %v", c.distance, got, c.want)
		}
	}
}

func TestRelevance_Monotonic(t *testing.T) {
	prev := Relevance(0)
	for d := 0.05; d <= 2.0; d += 0.05 {
		r := Relevance(d)
		if r >= prev {
			t.Fatalf("relevance not decreasing at distance %v: %v >= %v", d, r, prev)
		}
		if r < 0 || r > 1 {
			t.Fatalf("relevance %v out of range for distance %v", r, d)
		}
		prev = r
	}
}

func TestParseRoute(t *testing.T) {
	for _, s := range []string{"DOCS_ONLY", "WEB_ONLY", "BOTH", "GENERAL"} {
		r, ok := ParseRoute(s)
		if !ok || string(r) != s {
			t.Errorf("ParseRoute(%q) = %q, %v", s, r, ok)
		}
	}
	if _, ok := ParseRoute("docs_only"); ok {
		t.Error("labels are case sensitive")
	}
	if _, ok := ParseRoute(""); ok {
		t.Error("empty label should not parse")
	}
}

func TestRouteUses(t *testing.T) {
	if !RouteBoth.UsesDocs() || !RouteBoth.UsesWeb() {
		t.Error("BOTH uses docs and web")
	}
	if RouteGeneral.UsesDocs() || RouteGeneral.UsesWeb() {
		t.Error("GENERAL uses neither")
	}
	if !RouteDocsOnly.UsesDocs() || RouteDocsOnly.UsesWeb() {
		t.Error("DOCS_ONLY uses docs only")
	}
	if RouteWebOnly.UsesDocs() || !RouteWebOnly.UsesWeb() {
		t.Error("WEB_ONLY uses web only")
	}
}

func TestValidateQuery(t *testing.T) {
	if err := ValidateQuery("what is in the report?"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, q := range []string{"", "   ", "\n\t"} {
		if !errors.Is(ValidateQuery(q), ErrEmptyQuery) {
			t.Errorf("expected ErrEmptyQuery for %q", q)
		}
	}
}

func TestValidateSource(t *testing.T) {
	valid := []string{"report.pdf", "Q3 numbers.csv", "scan.png"}
	for _, s := range valid {
		if err := ValidateSource(s); err != nil {
			t.Errorf("expected valid for %q, got %v", s, err)
		}
	}
	invalid := []string{"", " ", "../etc/passwd", "dir/file.txt", "..", "bad\x00name.txt", strings.Repeat("a", 300)}
	for _, s := range invalid {
		if !errors.Is(ValidateSource(s), ErrInvalidSource) {
			t.Errorf("expected ErrInvalidSource for %q", s)
		}
	}
}

func TestErrorTypes(t *testing.T) {
	cause := errors.New("boom")

	var err error = &ExtractionError{Source: "a.pdf", Wrapped: cause}
	if !errors.Is(err, ErrExtraction) || !errors.Is(err, cause) {
		t.Error("ExtractionError should match ErrExtraction and its cause")
	}

	err = fmt.Errorf("index: add: %w", &EmbeddingError{Op: "batch", Wrapped: cause})
	if !errors.Is(err, ErrEmbedding) {
		t.Error("wrapped EmbeddingError should match ErrEmbedding")
	}
	var ee *EmbeddingError
	if !errors.As(err, &ee) || ee.Op != "batch" {
		t.Error("errors.As should find EmbeddingError")
	}

	err = &GenerationError{Emitted: 3, Wrapped: cause}
	if !errors.Is(err, ErrGeneration) {
		t.Error("GenerationError should match ErrGeneration")
	}

	err = NewConfigError("chunk_overlap", "must be less than chunk_size")
	if !errors.Is(err, ErrConfiguration) {
		t.Error("ConfigError should match ErrConfiguration")
	}
	if !strings.Contains(err.Error(), "chunk_overlap") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestGenerateRequest_Messages(t *testing.T) {
	req := GenerateRequest{
		SystemPrompt: "sys",
		History:      []Turn{{Role: RoleUser, Content: "q1"}, {Role: RoleAssistant, Content: "a1"}},
		Message:      "q2",
	}
	msgs := req.Messages()
	if len(msgs) != 4 || msgs[0].Role != RoleSystem || msgs[3].Content != "q2" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	req.DocContext = "doc"
	req.WebContext = "web"
	last := req.Messages()[3].Content
	if !strings.HasPrefix(last, "### 📄 Relevant Document Context:\ndoc\n\n### 🌐 Web Search Results:\nweb") {
		t.Errorf("unexpected augmented message: %q", last)
	}
	if !strings.HasSuffix(last, "### 💬 User Question:\nq2") {
		t.Errorf("user question missing: %q", last)
	}
}

func TestParseClassification(t *testing.T) {
	if r, ok := ParseClassification("  both\n"); !ok || r != RouteBoth {
		t.Errorf("got %q, %v", r, ok)
	}
	if _, ok := ParseClassification("DOCS_ONLY because the user asked"); ok {
		t.Error("extra words should not parse")
	}
	if !strings.Contains(ClassificationPrompt("hi", true), "User has documents loaded: True") {
		t.Error("prompt should state document availability")
	}
}
