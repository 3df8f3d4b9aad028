package semantic

import (
	"context"
	"fmt"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/docchat/engine/domain"
)

const scrollPageSize = 256

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantStore is a Backend that owns all Qdrant operations for one collection.
// The collection is created on the first upsert with the dimension of the
// vectors being written, and dropped entirely by Clear.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string

	mu     sync.Mutex
	exists bool
}

// NewQdrantStore connects to Qdrant at the given gRPC address.
func NewQdrantStore(addr, collection string) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients creates a store over pre-built clients, mainly for tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *QdrantStore {
	return &QdrantStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Init checks whether the collection already exists so a restarted process
// sees previously indexed documents.
func (s *QdrantStore) Init(ctx context.Context) error {
	found, err := s.lookup(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.exists = found
	s.mu.Unlock()
	return nil
}

func (s *QdrantStore) lookup(ctx context.Context) (bool, error) {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return true, nil
		}
	}
	return false, nil
}

// EnsureCollection creates the collection with cosine distance if it doesn't exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx, dims)
}

func (s *QdrantStore) ensureLocked(ctx context.Context, dims int) error {
	if s.exists {
		return nil
	}
	found, err := s.lookup(ctx)
	if err != nil {
		return err
	}
	if !found {
		_, err = s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(dims),
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: create collection %s: %w", s.collection, err)
		}
	}
	s.exists = true
	return nil
}

func (s *QdrantStore) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

// Upsert writes all entries in a single request and waits for them to be
// applied, so readers never observe part of a batch.
func (s *QdrantStore) Upsert(ctx context.Context, entries []domain.IndexedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, len(entries[0].Embedding)); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: e.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: e.Embedding},
				},
			},
			Payload: toPayload(map[string]any{
				keyText:       e.Chunk.Text,
				keySource:     e.Chunk.Source,
				keyChunkIndex: e.Chunk.ChunkIndex,
			}),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(entries), err)
	}
	return nil
}

// Query performs k-NN search. Qdrant reports cosine similarity, which is
// converted to distance as 1 - similarity.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, limit int) ([]domain.SearchResult, error) {
	if !s.ready() {
		return nil, nil
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]domain.SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		p := r.GetPayload()
		results[i] = domain.SearchResult{
			Text:       p[keyText].GetStringValue(),
			Source:     p[keySource].GetStringValue(),
			ChunkIndex: int(p[keyChunkIndex].GetIntegerValue()),
			Distance:   1 - float64(r.GetScore()),
		}
	}
	return results, nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	return s.count(ctx, nil)
}

func (s *QdrantStore) count(ctx context.Context, filter *pb.Filter) (int, error) {
	if !s.ready() {
		return 0, nil
	}
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Sources scrolls the collection and returns each distinct source once.
func (s *QdrantStore) Sources(ctx context.Context) ([]string, error) {
	if !s.ready() {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var sources []string
	var offset *pb.PointId
	limit := uint32(scrollPageSize)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: []string{keySource}},
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			src := p.GetPayload()[keySource].GetStringValue()
			if _, ok := seen[src]; !ok {
				seen[src] = struct{}{}
				sources = append(sources, src)
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return sources, nil
		}
	}
}

// DeleteBySource removes all points whose source matches and returns how many there were.
func (s *QdrantStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	filter := &pb.Filter{Must: []*pb.Condition{fieldMatch(keySource, source)}}
	n, err := s.count(ctx, filter)
	if err != nil || n == 0 {
		return 0, err
	}

	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: delete by source %s: %w", source, err)
	}
	return n, nil
}

// Clear drops the collection. It is recreated by the next upsert.
func (s *QdrantStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists {
		return nil
	}
	if err := s.deleteCollection(ctx); err != nil {
		return err
	}
	s.exists = false
	return nil
}

func (s *QdrantStore) deleteCollection(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: s.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", s.collection, err)
	}
	return nil
}

func toPayload(fields map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(fields))
	for k, val := range fields {
		switch tv := val.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return payload
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
