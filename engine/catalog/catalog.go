// Package catalog keeps a Neo4j record of every ingested document: its
// type, how many chunks it produced and any vision analysis.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/repo"
)

const label = "Document"

// Entry is one catalogued document.
type Entry struct {
	Source     string    `json:"source"`
	Type       string    `json:"type"`
	Chunks     int       `json:"chunks"`
	Vision     string    `json:"vision_analysis,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Catalog records ingested documents in Neo4j.
type Catalog struct {
	repo   repo.Repository[Entry, string]
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Catalog backed by driver. An empty database uses the
// server default.
func New(driver neo4j.DriverWithContext, database string, logger *slog.Logger) *Catalog {
	return NewWithRepo(newRepo(driver, database), logger)
}

func newRepo(driver neo4j.DriverWithContext, database string) *repo.Neo4jRepo[Entry, string] {
	opts := []repo.Neo4jOption[Entry, string]{repo.WithIDKey[Entry, string]("source")}
	if database != "" {
		opts = append(opts, repo.WithDatabase[Entry, string](database))
	}
	return repo.NewNeo4jRepo[Entry, string](driver, label, toMap, fromRecord, opts...)
}

// NewWithRepo creates a Catalog over any repository.
func NewWithRepo(r repo.Repository[Entry, string], logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{repo: r, now: time.Now, logger: logger}
}

// Init creates the uniqueness constraint when the repository supports it.
func (c *Catalog) Init(ctx context.Context) error {
	if s, ok := c.repo.(interface{ EnsureSchema(context.Context) error }); ok {
		return s.EnsureSchema(ctx)
	}
	return nil
}

// Record stores or replaces the entry for stats.Source.
func (c *Catalog) Record(ctx context.Context, stats domain.IngestStats) error {
	_, err := c.repo.Upsert(ctx, Entry{
		Source:     stats.Source,
		Type:       stats.Type,
		Chunks:     stats.ChunksStored,
		Vision:     stats.VisionAnalysis,
		IngestedAt: c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("catalog: record %q: %w", stats.Source, err)
	}
	c.logger.Debug("catalogued document", "source", stats.Source, "chunks", stats.ChunksStored)
	return nil
}

// Get returns the entry for source. A missing entry reports repo.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, source string) (Entry, error) {
	e, err := c.repo.Get(ctx, source)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: get %q: %w", source, err)
	}
	return e, nil
}

// List returns entries, most recently ingested first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	entries, err := c.repo.List(ctx, repo.ListOpts{Limit: 1000, SortBy: "ingested_at", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return entries, nil
}

// Remove deletes the entry for source.
func (c *Catalog) Remove(ctx context.Context, source string) error {
	if _, err := c.repo.Delete(ctx, source); err != nil {
		return fmt.Errorf("catalog: remove %q: %w", source, err)
	}
	return nil
}

// RemoveAll deletes every entry.
func (c *Catalog) RemoveAll(ctx context.Context) error {
	n, err := c.repo.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("catalog: remove all: %w", err)
	}
	c.logger.Info("catalog cleared", "removed", n)
	return nil
}

func toMap(e Entry) map[string]any {
	return map[string]any{
		"source":      e.Source,
		"type":        e.Type,
		"chunks":      int64(e.Chunks),
		"vision":      e.Vision,
		"ingested_at": e.IngestedAt,
	}
}

var errBadRecord = errors.New("unexpected record shape")

func fromRecord(rec *neo4j.Record) (Entry, error) {
	if len(rec.Values) == 0 {
		return Entry{}, errBadRecord
	}
	var props map[string]any
	switch v := rec.Values[0].(type) {
	case dbtype.Node:
		props = v.Props
	case map[string]any:
		props = v
	default:
		return Entry{}, fmt.Errorf("%w: %T", errBadRecord, v)
	}

	e := Entry{}
	e.Source, _ = props["source"].(string)
	e.Type, _ = props["type"].(string)
	e.Vision, _ = props["vision"].(string)
	if n, ok := props["chunks"].(int64); ok {
		e.Chunks = int(n)
	}
	if t, ok := props["ingested_at"].(time.Time); ok {
		e.IngestedAt = t
	}
	if e.Source == "" {
		return Entry{}, fmt.Errorf("%w: missing source", errBadRecord)
	}
	return e, nil
}
