package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const upsertBatchSize = 256

// spectrumNamespace derives stable point ids from spectrum ids.
var spectrumNamespace = uuid.MustParse("5b3f2a5e-9c1d-4f6e-8a47-2d8c1e0b7f90")

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host             string
	Port             int
	CollectionPrefix string
	APIKey           string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS           bool   // Explicitly enable TLS without API Key
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// EmbeddingIndex mirrors the served embeddings of each ion mode into a
// Qdrant collection, with the precursor m/z in the payload so candidate
// search can filter by mass window.
type EmbeddingIndex struct {
	conn          *grpc.ClientConn
	pointsClient  pb.PointsClient
	collectClient pb.CollectionsClient
	prefix        string
}

// NewEmbeddingIndex connects to Qdrant.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewEmbeddingIndex(cfg *QdrantConnectionConfig) (*EmbeddingIndex, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	idx := NewEmbeddingIndexWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg.CollectionPrefix)
	idx.conn = conn
	return idx, nil
}

// NewEmbeddingIndexWithClients builds an index over existing gRPC clients.
func NewEmbeddingIndexWithClients(points pb.PointsClient, collections pb.CollectionsClient, prefix string) *EmbeddingIndex {
	if prefix == "" {
		prefix = "ms2sim"
	}
	return &EmbeddingIndex{pointsClient: points, collectClient: collections, prefix: prefix}
}

// Close closes the gRPC connection
func (r *EmbeddingIndex) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Collection names the collection of mode.
func (r *EmbeddingIndex) Collection(mode domain.IonMode) string {
	return fmt.Sprintf("%s_embeddings_%s", r.prefix, mode)
}

// PointID is the point id of a spectrum.
func PointID(spectrumID string) string {
	return uuid.NewSHA1(spectrumNamespace, []byte(spectrumID)).String()
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	params := info.GetConfig().GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	return 0, false
}

// Replace drops the collection of mode and fills it with embeddings. The
// collection is recreated so a model with a new embedding size can be
// served.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - mode: ion mode whose collection is replaced.
//   - embeddings: vectors of the new run, all of one dimension.
//   - precursorMZ: precursor m/z per spectrum id, stored for range filters.
// Returns:
//   - error: non-nil if any Qdrant call fails.
func (r *EmbeddingIndex) Replace(ctx context.Context, mode domain.IonMode, embeddings []domain.Embedding, precursorMZ map[string]float64) error {
	name := r.Collection(mode)
	if _, err := r.collectClient.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		logger.CtxDebug(ctx, "Deleting collection %s: %v", name, err)
	}
	if len(embeddings) == 0 {
		return nil
	}

	dim := uint64(len(embeddings[0].Vector))
	_, err := r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: dim, Distance: pb.Distance_Cosine},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return domain.Transient("create collection", err)
	}

	wait := true
	for start := 0; start < len(embeddings); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(embeddings))
		points := make([]*pb.PointStruct, 0, end-start)
		for _, e := range embeddings[start:end] {
			if uint64(len(e.Vector)) != dim {
				return domain.Invalid("index embeddings", "embedding %s has dimension %d, want %d", e.SpectrumID, len(e.Vector), dim)
			}
			points = append(points, &pb.PointStruct{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(e.SpectrumID)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
				Payload: map[string]*pb.Value{
					"spectrum_id":  {Kind: &pb.Value_StringValue{StringValue: e.SpectrumID}},
					"inchikey":     {Kind: &pb.Value_StringValue{StringValue: e.InChIKey}},
					"run_id":       {Kind: &pb.Value_StringValue{StringValue: e.RunID}},
					"precursor_mz": {Kind: &pb.Value_DoubleValue{DoubleValue: precursorMZ[e.SpectrumID]}},
				},
			})
		}
		if _, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{CollectionName: name, Wait: &wait, Points: points}); err != nil {
			return domain.Transient("upsert embeddings", err)
		}
	}
	logger.With(logger.Fields{logger.FieldCount: len(embeddings), logger.FieldIonMode: mode}).
		Info(ctx, "Mirrored embeddings into %s", name)
	return nil
}

// Match is one search hit.
type Match struct {
	SpectrumID string
	Score      float64
}

// SearchRange returns up to limit spectra of mode whose precursor m/z lies
// in [minMZ, maxMZ], most similar first.
func (r *EmbeddingIndex) SearchRange(ctx context.Context, mode domain.IonMode, vector []float32, minMZ, maxMZ float64, limit int) ([]Match, error) {
	if maxMZ < minMZ || limit <= 0 {
		return nil, nil
	}
	resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: r.Collection(mode),
		Vector:         vector,
		Limit:          uint64(limit),
		Filter: &pb.Filter{Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   "precursor_mz",
				Range: &pb.Range{Gte: &minMZ, Lte: &maxMZ},
			}},
		}}},
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: []string{"spectrum_id"}},
			},
		},
	})
	if err != nil {
		return nil, domain.Transient("search embeddings", err)
	}
	out := make([]Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		out = append(out, Match{
			SpectrumID: p.GetPayload()["spectrum_id"].GetStringValue(),
			Score:      float64(p.GetScore()),
		})
	}
	return out, nil
}

// Dimension returns the vector size of mode's collection, or 0 when the
// collection does not exist.
func (r *EmbeddingIndex) Dimension(ctx context.Context, mode domain.IonMode) (int, error) {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: r.Collection(mode)})
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Transient("get collection", err)
	}
	size, _ := collectionVectorSize(info.GetResult())
	return int(size), nil
}
