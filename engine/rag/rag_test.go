package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/docchat/engine/chunk"
	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/memory"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/metrics"
)

// --- fakes ---

type fakeIndex struct {
	mu        sync.Mutex
	chunks    []domain.Chunk
	results   []domain.SearchResult
	searchErr error
	searches  int
}

func (f *fakeIndex) Add(_ context.Context, c []domain.Chunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c...)
	return len(c), nil
}

func (f *fakeIndex) Search(context.Context, string, int) ([]domain.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return f.results, f.searchErr
}

func (f *fakeIndex) Sources(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, c := range f.chunks {
		if !seen[c.Source] {
			seen[c.Source] = true
			out = append(out, c.Source)
		}
	}
	return out, nil
}

func (f *fakeIndex) DeleteBySource(_ context.Context, source string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.chunks[:0]
	n := 0
	for _, c := range f.chunks {
		if c.Source == source {
			n++
			continue
		}
		kept = append(kept, c)
	}
	f.chunks = kept
	return n, nil
}

func (f *fakeIndex) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = nil
	return nil
}

func (f *fakeIndex) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks), nil
}

type fixedRouter domain.Route

func (r fixedRouter) Route(context.Context, string, bool) domain.Route { return domain.Route(r) }

type fakeWeb struct {
	results []domain.WebResult
	calls   int
}

func (f *fakeWeb) Search(context.Context, string, int) []domain.WebResult {
	f.calls++
	return f.results
}

// fakeGen replays tokens and records the last request.
type fakeGen struct {
	tokens []domain.StreamToken
	err    error
	req    domain.GenerateRequest
}

func (f *fakeGen) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamToken, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.StreamToken)
	go func() {
		defer close(ch)
		for _, t := range f.tokens {
			select {
			case ch <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func words(parts ...string) []domain.StreamToken {
	out := make([]domain.StreamToken, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, domain.StreamToken{Content: p})
	}
	return append(out, domain.StreamToken{Done: true})
}

type textExtractor struct{}

func (textExtractor) Extract(_ context.Context, name string, data []byte) (domain.Document, error) {
	if strings.HasSuffix(name, ".bin") {
		return domain.Document{}, &domain.ExtractionError{Source: name, Wrapped: domain.ErrUnsupportedFormat}
	}
	return domain.Document{Source: name, Text: string(data), Type: "Text"}, nil
}

type fakeCatalog struct {
	recorded []string
	removed  []string
	cleared  bool
}

func (f *fakeCatalog) Record(_ context.Context, s domain.IngestStats) error {
	f.recorded = append(f.recorded, s.Source)
	return nil
}
func (f *fakeCatalog) Remove(_ context.Context, s string) error {
	f.removed = append(f.removed, s)
	return nil
}
func (f *fakeCatalog) RemoveAll(context.Context) error {
	f.cleared = true
	return nil
}

type harness struct {
	engine *Engine
	index  *fakeIndex
	mem    *memory.Memory
	web    *fakeWeb
	gen    *fakeGen
	reg    *metrics.Registry
}

func newHarness(t *testing.T, route domain.Route) *harness {
	t.Helper()
	ch, err := chunk.New(500, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		index: &fakeIndex{},
		mem:   memory.New(10),
		web:   &fakeWeb{},
		gen:   &fakeGen{tokens: words("Hello", " there")},
		reg:   metrics.New(),
	}
	e, err := New(Deps{
		Extractor: textExtractor{},
		Chunker:   ch,
		Index:     h.index,
		Memory:    h.mem,
		Router:    fixedRouter(route),
		WebSearch: h.web,
		Generator: h.gen,
		Metrics:   metrics.NewDocchat(h.reg),
	}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	h.engine = e
	return h
}

// drain consumes a query stream and returns the concatenated text and the last error.
func drain(seq func(func(string, error) bool)) (string, error) {
	var (
		b       strings.Builder
		lastErr error
	)
	for frag, err := range seq {
		b.WriteString(frag)
		if err != nil {
			lastErr = err
		}
	}
	return b.String(), lastErr
}

// --- tests ---

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	h := newHarness(t, domain.RouteGeneral)
	opts := DefaultOptions()
	opts.TopK = 0
	_, err = New(Deps{
		Extractor: textExtractor{}, Chunker: mustChunker(t), Index: h.index,
		Memory: h.mem, Router: fixedRouter(domain.RouteGeneral), Generator: h.gen,
	}, opts)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for top_k, got %v", err)
	}
}

func mustChunker(t *testing.T) *chunk.Chunker {
	t.Helper()
	c, err := chunk.New(500, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestIngest_CountMatchesChunker(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	text := strings.Repeat("The quarterly report shows strong growth in every region. ", 21)[:1200]

	stats, err := h.engine.Ingest(context.Background(), "report.txt", []byte(text))
	if err != nil {
		t.Fatal(err)
	}
	want := len(mustChunker(t).Chunk(text, "report.txt"))
	if stats.ChunksStored != want {
		t.Errorf("stored %d chunks, chunker gives %d", stats.ChunksStored, want)
	}
	if n, _ := h.engine.DocumentCount(context.Background()); n != want {
		t.Errorf("count = %d, want %d", n, want)
	}
	sources, _ := h.engine.Sources(context.Background())
	if len(sources) != 1 || sources[0] != "report.txt" {
		t.Errorf("sources = %v", sources)
	}
	if !strings.Contains(h.reg.Render(), `docchat_ingest_docs_total{type="Text"} 1`) {
		t.Error("ingest metric not recorded")
	}
}

func TestIngest_ExtractionErrorKeepsIndex(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	if _, err := h.engine.Ingest(context.Background(), "a.txt", []byte("first document")); err != nil {
		t.Fatal(err)
	}
	_, err := h.engine.Ingest(context.Background(), "blob.bin", []byte{0, 1})
	var ee *domain.ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if n, _ := h.engine.DocumentCount(context.Background()); n != 1 {
		t.Errorf("count = %d, prior document should survive", n)
	}
}

// termEmbedder gives each text a vector over a few fixed terms plus a
// constant axis so no vector is zero.
type termEmbedder []string

func (e termEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(e)+1)
		v[len(e)] = 1
		for j, term := range e {
			if strings.Contains(strings.ToLower(t), term) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

func TestIngest_NewVersionReplacesOldChunks(t *testing.T) {
	ctx := context.Background()
	index, err := semantic.NewIndex(termEmbedder{"budget", "dollars"}, semantic.NewMemoryStore(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Deps{
		Extractor: textExtractor{},
		Chunker:   mustChunker(t),
		Index:     index,
		Memory:    memory.New(10),
		Router:    fixedRouter(domain.RouteDocsOnly),
		Generator: &fakeGen{tokens: words("ok")},
	}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Ingest(ctx, "notes.txt", []byte("old version: the budget is 10 dollars.")); err != nil {
		t.Fatal(err)
	}
	stats, err := e.Ingest(ctx, "notes.txt", []byte("new version: the budget is 99 dollars."))
	if err != nil {
		t.Fatal(err)
	}
	if stats.ChunksReplaced != 1 {
		t.Errorf("replaced = %d, want 1", stats.ChunksReplaced)
	}
	if n, _ := e.DocumentCount(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	results, err := index.Search(ctx, "what is the budget in dollars?", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if strings.Contains(r.Text, "old version") {
			t.Errorf("stale chunk still searchable: %q", r.Text)
		}
	}
	if len(results) != 1 || !strings.Contains(results[0].Text, "99 dollars") {
		t.Errorf("results = %+v", results)
	}
}

func TestQuery_StreamsAndRecordsMemory(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)

	var info QueryInfo
	out, err := drain(h.engine.Query(context.Background(), "hello", WithInfo(func(i QueryInfo) { info = i })))
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello there" {
		t.Errorf("out = %q", out)
	}
	if info.Route != domain.RouteGeneral || info.Effective != domain.RouteGeneral {
		t.Errorf("info = %+v", info)
	}
	hist := h.mem.History()
	if len(hist) != 2 || hist[0] != (domain.Turn{Role: domain.RoleUser, Content: "hello"}) ||
		hist[1] != (domain.Turn{Role: domain.RoleAssistant, Content: "Hello there"}) {
		t.Errorf("history = %+v", hist)
	}
	if h.gen.req.SystemPrompt != DefaultSystemPrompt || h.gen.req.Message != "hello" {
		t.Errorf("unexpected request: %+v", h.gen.req)
	}
	if h.index.searches != 0 || h.web.calls != 0 {
		t.Error("GENERAL should consult neither source")
	}
}

func TestQuery_HistoryExcludesCurrentMessage(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	drain(h.engine.Query(context.Background(), "first"))
	drain(h.engine.Query(context.Background(), "second"))

	hist := h.gen.req.History
	if len(hist) != 2 || hist[0].Content != "first" || hist[1].Content != "Hello there" {
		t.Errorf("history passed to generator = %+v", hist)
	}
}

func TestQuery_IsLazy(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	_ = h.engine.Query(context.Background(), "hello")
	if h.mem.Count() != 0 {
		t.Error("query should do nothing until consumed")
	}
}

func TestQuery_DocsContext(t *testing.T) {
	h := newHarness(t, domain.RouteDocsOnly)
	h.index.chunks = []domain.Chunk{{Text: "x", Source: "r.pdf"}}
	h.index.results = []domain.SearchResult{
		{Text: "Revenue was 10M.", Source: "r.pdf", Relevance: 0.876},
		{Text: "Costs were flat.", Source: "r.pdf", Relevance: 0.5},
	}

	if _, err := drain(h.engine.Query(context.Background(), "what does the report say about revenue?")); err != nil {
		t.Fatal(err)
	}
	want := "**[Chunk 1]** (Source: r.pdf, Relevance: 88%)\nRevenue was 10M.\n\n---\n\n**[Chunk 2]** (Source: r.pdf, Relevance: 50%)\nCosts were flat."
	if h.gen.req.DocContext != want {
		t.Errorf("doc context = %q", h.gen.req.DocContext)
	}
	if h.web.calls != 0 || h.gen.req.WebContext != "" {
		t.Error("web should not be consulted when documents matched")
	}
}

func TestQuery_DocsOnlyFallsBackToWeb(t *testing.T) {
	h := newHarness(t, domain.RouteDocsOnly)
	h.web.results = []domain.WebResult{{Title: "T", URL: "https://x", Content: "c"}}

	var info QueryInfo
	if _, err := drain(h.engine.Query(context.Background(), "summarize the document", WithInfo(func(i QueryInfo) { info = i }))); err != nil {
		t.Fatal(err)
	}
	if !info.Fallback || info.Route != domain.RouteDocsOnly || info.Effective != domain.RouteWebOnly || info.WebHits != 1 {
		t.Errorf("info = %+v", info)
	}
	if h.web.calls != 1 || !strings.Contains(h.gen.req.WebContext, "https://x") {
		t.Errorf("web context = %q", h.gen.req.WebContext)
	}
	out := h.reg.Render()
	if !strings.Contains(out, "docchat_web_fallback_total 1") || !strings.Contains(out, `docchat_queries_total{route="WEB_ONLY"} 1`) {
		t.Errorf("metrics missing:\n%s", out)
	}
}

func TestQuery_BothConsultsBoth(t *testing.T) {
	h := newHarness(t, domain.RouteBoth)
	h.index.results = []domain.SearchResult{{Text: "doc", Source: "a.txt", Relevance: 1}}
	h.web.results = []domain.WebResult{{Title: "T", URL: "https://x", Content: "web"}}

	if _, err := drain(h.engine.Query(context.Background(), "compare")); err != nil {
		t.Fatal(err)
	}
	if h.index.searches != 1 || h.web.calls != 1 {
		t.Errorf("searches=%d web=%d", h.index.searches, h.web.calls)
	}
	if h.gen.req.DocContext == "" || h.gen.req.WebContext == "" {
		t.Error("both contexts expected")
	}
}

func TestQuery_SearchFailureLeavesMemory(t *testing.T) {
	h := newHarness(t, domain.RouteDocsOnly)
	h.index.searchErr = &domain.EmbeddingError{Op: "search", Wrapped: errors.New("down")}

	var frags int
	var gotErr error
	for _, err := range h.engine.Query(context.Background(), "what is in the file?") {
		frags++
		gotErr = err
	}
	if frags != 1 || !errors.Is(gotErr, domain.ErrEmbedding) {
		t.Fatalf("frags=%d err=%v", frags, gotErr)
	}
	if h.mem.Count() != 0 {
		t.Error("memory must not be touched on retrieval failure")
	}
}

func TestQuery_GenerationFailureMidStream(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	h.gen.tokens = []domain.StreamToken{{Content: "Partial"}, {Err: errors.New("connection reset")}}

	out, err := drain(h.engine.Query(context.Background(), "tell me something"))
	var ge *domain.GenerationError
	if !errors.As(err, &ge) || ge.Emitted != 1 {
		t.Fatalf("expected GenerationError after 1 fragment, got %v", err)
	}
	if !strings.HasPrefix(out, "Partial"+ErrorMarker) || !strings.Contains(out, "connection reset") {
		t.Errorf("out = %q", out)
	}
	hist := h.mem.History()
	if len(hist) != 1 || hist[0].Role != domain.RoleUser {
		t.Errorf("only the user turn should be recorded: %+v", hist)
	}
}

func TestQuery_GenerationStartFailure(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	h.gen.err = errors.New("401 unauthorized")

	out, err := drain(h.engine.Query(context.Background(), "hi there friend"))
	if !errors.Is(err, domain.ErrGeneration) || !strings.HasPrefix(out, ErrorMarker) {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if h.mem.Count() != 1 {
		t.Errorf("user turn should be kept, memory has %d", h.mem.Count())
	}
}

func TestQuery_StreamClosedEarly(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	h.gen.tokens = []domain.StreamToken{{Content: "a"}}

	_, err := drain(h.engine.Query(context.Background(), "tell me"))
	if !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
}

func TestQuery_AbandonedStreamRecordsNoAnswer(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	h.gen.tokens = words("one", "two", "three")

	for frag := range h.engine.Query(context.Background(), "count") {
		if frag == "one" {
			break
		}
	}
	hist := h.mem.History()
	if len(hist) != 1 || hist[0].Content != "count" {
		t.Errorf("history = %+v", hist)
	}
}

func TestQuery_EmptyMessage(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	_, err := drain(h.engine.Query(context.Background(), "   "))
	if !errors.Is(err, domain.ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	cat := &fakeCatalog{}
	h.engine.catalog = cat
	ctx := context.Background()

	h.engine.Ingest(ctx, "a.txt", []byte("alpha"))
	h.engine.Ingest(ctx, "b.txt", []byte("beta"))
	h.mem.AddUser("hi")

	n, err := h.engine.DeleteSource(ctx, "a.txt")
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	sources, _ := h.engine.Sources(ctx)
	if len(sources) != 1 || sources[0] != "b.txt" {
		t.Errorf("sources = %v", sources)
	}
	if len(cat.removed) != 1 || cat.removed[0] != "a.txt" {
		t.Errorf("catalog removals = %v", cat.removed)
	}

	if err := h.engine.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.engine.DocumentCount(ctx); c != 0 || h.engine.MemoryCount() != 0 || !cat.cleared {
		t.Errorf("clear all: count=%d memory=%d catalog=%v", c, h.engine.MemoryCount(), cat.cleared)
	}
}

func TestClearHistoryKeepsDocuments(t *testing.T) {
	h := newHarness(t, domain.RouteGeneral)
	ctx := context.Background()
	h.engine.Ingest(ctx, "a.txt", []byte("alpha"))
	drain(h.engine.Query(ctx, "hello"))

	h.engine.ClearHistory()
	if h.engine.MemoryCount() != 0 {
		t.Error("history not cleared")
	}
	if c, _ := h.engine.DocumentCount(ctx); c != 1 {
		t.Errorf("documents should survive, count=%d", c)
	}
}

func TestFormatDocContext_Empty(t *testing.T) {
	if got := FormatDocContext(nil); got != "" {
		t.Errorf("got %q", got)
	}
}
