package catalog

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/repo"
)

type fakeRepo struct {
	items     map[string]Entry
	err       error
	lastOpts  repo.ListOpts
	schemaRan bool
}

func newFakeRepo() *fakeRepo { return &fakeRepo{items: map[string]Entry{}} }

func (f *fakeRepo) Get(_ context.Context, id string) (Entry, error) {
	if f.err != nil {
		return Entry{}, f.err
	}
	e, ok := f.items[id]
	if !ok {
		return Entry{}, repo.ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) List(_ context.Context, opts repo.ListOpts) ([]Entry, error) {
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	var out []Entry
	for _, e := range f.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngestedAt.After(out[j].IngestedAt) })
	return out, nil
}

func (f *fakeRepo) Upsert(_ context.Context, e Entry) (Entry, error) {
	if f.err != nil {
		return Entry{}, f.err
	}
	f.items[e.Source] = e
	return e, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.items[id]
	delete(f.items, id)
	return ok, nil
}

func (f *fakeRepo) DeleteAll(_ context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := len(f.items)
	f.items = map[string]Entry{}
	return n, nil
}

func (f *fakeRepo) EnsureSchema(context.Context) error {
	f.schemaRan = true
	return f.err
}

func newTestCatalog(r *fakeRepo) *Catalog {
	c := NewWithRepo(r, nil)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return c
}

func TestRecordAndList(t *testing.T) {
	r := newFakeRepo()
	c := newTestCatalog(r)
	ctx := context.Background()

	if err := c.Record(ctx, domain.IngestStats{Source: "a.pdf", Type: "PDF Document", ChunksStored: 3}); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(ctx, domain.IngestStats{Source: "b.png", Type: "PNG Image", ChunksStored: 1, VisionAnalysis: "a chart"}); err != nil {
		t.Fatal(err)
	}

	entries, err := c.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Source != "b.png" || entries[0].Vision != "a chart" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if r.lastOpts.SortBy != "ingested_at" || !r.lastOpts.Desc {
		t.Errorf("unexpected list options: %+v", r.lastOpts)
	}

	got, err := c.Get(ctx, "a.pdf")
	if err != nil || got.Chunks != 3 || got.Type != "PDF Document" {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestRecord_ReplacesExisting(t *testing.T) {
	r := newFakeRepo()
	c := newTestCatalog(r)
	ctx := context.Background()

	c.Record(ctx, domain.IngestStats{Source: "a.txt", ChunksStored: 2})
	c.Record(ctx, domain.IngestStats{Source: "a.txt", ChunksStored: 5})
	if len(r.items) != 1 || r.items["a.txt"].Chunks != 5 {
		t.Fatalf("unexpected items: %+v", r.items)
	}
}

func TestRemove(t *testing.T) {
	r := newFakeRepo()
	c := newTestCatalog(r)
	ctx := context.Background()
	c.Record(ctx, domain.IngestStats{Source: "a.txt"})
	c.Record(ctx, domain.IngestStats{Source: "b.txt"})

	if err := c.Remove(ctx, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "a.txt"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := c.RemoveAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(r.items) != 0 {
		t.Errorf("items left: %v", r.items)
	}
}

func TestErrorsWrapped(t *testing.T) {
	boom := errors.New("neo4j unavailable")
	r := newFakeRepo()
	r.err = boom
	c := newTestCatalog(r)
	ctx := context.Background()

	checks := map[string]error{
		"record":     c.Record(ctx, domain.IngestStats{Source: "a"}),
		"remove":     c.Remove(ctx, "a"),
		"remove all": c.RemoveAll(ctx),
		"init":       c.Init(ctx),
	}
	_, checks["list"] = c.List(ctx)
	_, checks["get"] = c.Get(ctx, "a")
	for name, err := range checks {
		if !errors.Is(err, boom) {
			t.Errorf("%s: expected wrapped cause, got %v", name, err)
		}
	}
	if !r.schemaRan {
		t.Error("Init should ensure the schema")
	}
}

func TestFromRecord(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	props := map[string]any{"source": "a.pdf", "type": "PDF Document", "chunks": int64(7), "vision": "", "ingested_at": at}

	for name, v := range map[string]any{"node": dbtype.Node{Props: props}, "map": props} {
		e, err := fromRecord(&neo4j.Record{Keys: []string{"n"}, Values: []any{v}})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if e.Source != "a.pdf" || e.Chunks != 7 || !e.IngestedAt.Equal(at) {
			t.Errorf("%s: unexpected entry %+v", name, e)
		}
	}

	bad := []*neo4j.Record{
		{},
		{Values: []any{"string"}},
		{Values: []any{map[string]any{"type": "x"}}},
	}
	for i, rec := range bad {
		if _, err := fromRecord(rec); !errors.Is(err, errBadRecord) {
			t.Errorf("record %d: expected errBadRecord, got %v", i, err)
		}
	}
}

func TestToMap(t *testing.T) {
	m := toMap(Entry{Source: "a", Chunks: 2})
	if m["source"] != "a" || m["chunks"] != int64(2) {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestNewRepo_Database(t *testing.T) {
	for _, db := range []string{"", "docs"} {
		if got := newRepo(nil, db).Database(); got != db {
			t.Errorf("newRepo(%q).Database() = %q", db, got)
		}
	}
}
