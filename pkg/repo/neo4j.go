package repo

import (
	"context"
	"fmt"
	"regexp"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// identRe limits labels and property names spliced into Cypher.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Neo4jRepo is a generic Neo4j-backed repository. Each entity is one node
// with the configured label; idKey holds its unique ID.
type Neo4jRepo[T any, ID comparable] struct {
	driver     neo4j.DriverWithContext
	database   string
	label      string
	idKey      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
	newSession func(ctx context.Context) runner // for testing
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// WithDatabase selects a named database instead of the server default.
func WithDatabase[T any, ID comparable](name string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.database = name }
}

// NewNeo4jRepo creates a repository. It panics if label or the ID key is not
// a plain identifier, since both are interpolated into queries.
func NewNeo4jRepo[T any, ID comparable](
	driver neo4j.DriverWithContext,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		driver:     driver,
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	if !identRe.MatchString(r.label) || !identRe.MatchString(r.idKey) {
		panic(fmt.Sprintf("repo: invalid label %q or id key %q", r.label, r.idKey))
	}
	return r
}

// Database returns the configured database name, empty for the server default.
func (r *Neo4jRepo[T, ID]) Database() string { return r.database }

// Compile-time interface check.
var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jRepo[T, ID]) session(ctx context.Context) runner {
	if r.newSession != nil {
		return r.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})}
}

// EnsureSchema creates a uniqueness constraint on the ID property.
func (r *Neo4jRepo[T, ID]) EnsureSchema(ctx context.Context) error {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("CREATE CONSTRAINT %s_%s_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		r.label, r.idKey, r.label, r.idKey)
	if _, err := sess.Run(ctx, cypher, nil); err != nil {
		return fmt.Errorf("repo: %s schema: %w", r.label, err)
	}
	return nil
}

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, err
	}
	if !result.Next(ctx) {
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	return r.fromRecord(result.Record())
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	order := ""
	if opts.SortBy != "" {
		if !identRe.MatchString(opts.SortBy) {
			return nil, fmt.Errorf("repo: invalid sort key %q", opts.SortBy)
		}
		order = " ORDER BY n." + opts.SortBy
		if opts.Desc {
			order += " DESC"
		}
	}

	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n%s SKIP $offset LIMIT $limit", r.label, order)
	result, err := sess.Run(ctx, cypher, map[string]any{"offset": opts.Offset, "limit": limit})
	if err != nil {
		return nil, err
	}

	var items []T
	for result.Next(ctx) {
		item, err := r.fromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Upsert merges on the ID property and replaces all other properties.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, entity T) (T, error) {
	var zero T
	sess := r.session(ctx)
	defer sess.Close(ctx)

	props := r.toMap(entity)
	id, ok := props[r.idKey]
	if !ok {
		return zero, fmt.Errorf("repo: %s upsert: missing %s", r.label, r.idKey)
	}

	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n = $props RETURN n", r.label, r.idKey)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id, "props": props})
	if err != nil {
		return zero, err
	}
	if !result.Next(ctx) {
		return zero, fmt.Errorf("repo: %s upsert returned no rows", r.label)
	}
	return r.fromRecord(result.Record())
}

// Delete removes the node with the given ID and reports whether it existed.
func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) (bool, error) {
	n, err := r.deleteWhere(ctx, fmt.Sprintf("MATCH (n:%s {%s: $id})", r.label, r.idKey), map[string]any{"id": id})
	return n > 0, err
}

// DeleteAll removes every node with the repository's label.
func (r *Neo4jRepo[T, ID]) DeleteAll(ctx context.Context) (int, error) {
	return r.deleteWhere(ctx, fmt.Sprintf("MATCH (n:%s)", r.label), nil)
}

func (r *Neo4jRepo[T, ID]) deleteWhere(ctx context.Context, match string, params map[string]any) (int, error) {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, match+" DETACH DELETE n RETURN count(n) AS deleted", params)
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	v, _ := result.Record().Get("deleted")
	n, _ := v.(int64)
	return int(n), nil
}
