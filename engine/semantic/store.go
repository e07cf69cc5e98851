// Package semantic owns the Qdrant listing-embedding collection: creation,
// upserts from the backfill job and nearest-neighbour queries for search.
package semantic

import (
	"context"
	"errors"
	"fmt"

	"github.com/WessleyAI/carsearch/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrInvalidQuery is returned for an empty vector or non-positive k.
var ErrInvalidQuery = errors.New("semantic: invalid query")

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations. Point ids are
// listing ids and the collection uses cosine similarity.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a store over already-constructed clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection, if the store owns one.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
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
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert writes listing embeddings. Metadata must already be sanitized;
// a missing or null key is rejected before anything is sent.
func (v *VectorStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		if err := p.Metadata.Validate(); err != nil {
			return fmt.Errorf("semantic: point %d: %w", p.ID, err)
		}
		if p.ID <= 0 {
			return fmt.Errorf("semantic: point id %d must be positive", p.ID)
		}
		payload := make(map[string]*pb.Value, len(p.Metadata)+1)
		for k, val := range p.Metadata {
			payload[k] = toValue(val)
		}
		if p.Document != "" {
			payload[DocumentKey] = toValue(p.Document)
		}
		structs[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(p.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Query returns the k nearest listings to vector. fields restricts the
// returned payload; nil returns every metadata key. Distance is cosine
// distance, 1 - similarity, never negative.
func (v *VectorStore) Query(ctx context.Context, vector []float32, k int, fields []string) (Hits, error) {
	if len(vector) == 0 {
		return Hits{}, fmt.Errorf("%w: empty vector", ErrInvalidQuery)
	}
	if k <= 0 {
		return Hits{}, fmt.Errorf("%w: k=%d", ErrInvalidQuery, k)
	}
	if fields == nil {
		fields = domain.MetaKeys
	}

	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: fields},
			},
		},
	})
	if err != nil {
		return Hits{}, fmt.Errorf("semantic: search: %w", err)
	}

	scored := resp.GetResult()
	hits := Hits{
		IDs:       make([]int64, 0, len(scored)),
		Distances: make([]float64, 0, len(scored)),
		Metadata:  make([]domain.Metadata, 0, len(scored)),
	}
	for _, r := range scored {
		id, err := pointID(r.GetId())
		if err != nil {
			return Hits{}, err
		}
		meta := make(domain.Metadata, len(r.GetPayload()))
		for key, val := range r.GetPayload() {
			meta[key] = fromValue(val)
		}
		hits.IDs = append(hits.IDs, id)
		hits.Distances = append(hits.Distances, distance(r.GetScore()))
		hits.Metadata = append(hits.Metadata, meta)
	}
	return hits, nil
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return resp.GetResult().GetCount(), nil
}

func distance(score float32) float64 {
	d := 1 - float64(score)
	if d < 0 {
		return 0
	}
	return d
}

func pointID(id *pb.PointId) (int64, error) {
	num, ok := id.GetPointIdOptions().(*pb.PointId_Num)
	if !ok {
		return 0, fmt.Errorf("semantic: non-numeric point id %v", id)
	}
	return int64(num.Num), nil
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(val *pb.Value) any {
	switch kv := val.GetKind().(type) {
	case *pb.Value_StringValue:
		return kv.StringValue
	case *pb.Value_IntegerValue:
		return kv.IntegerValue
	case *pb.Value_DoubleValue:
		return kv.DoubleValue
	case *pb.Value_BoolValue:
		return kv.BoolValue
	default:
		return nil
	}
}
