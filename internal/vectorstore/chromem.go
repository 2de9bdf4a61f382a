package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("cisod.vectorstore.chromem")

// dimensionsFile records the vector size each collection was created with,
// since chromem does not expose dimensionality for persisted collections.
const dimensionsFile = "dimensions.json"

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/cisod/vectorstore"
	}
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go is an embeddable vector database with no external service
// dependency, persisted to gob files. It is the default backend for
// single-node deployments and tests.
type ChromemStore struct {
	db     *chromem.DB
	embed  Embedder
	config ChromemConfig
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	dims map[string]int
}

// NewChromemStore creates a new ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, embed Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	s := &ChromemStore{
		db:     db,
		embed:  embed,
		config: config,
		logger: logger,
		path:   path,
		dims:   map[string]int{},
	}
	if err := s.loadDims(); err != nil {
		return nil, err
	}

	logger.Info("chromem store initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
	)
	return s, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) loadDims() error {
	data, err := os.ReadFile(filepath.Join(s.path, dimensionsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dimensions file: %w", err)
	}
	if err := json.Unmarshal(data, &s.dims); err != nil {
		return fmt.Errorf("parsing dimensions file: %w", err)
	}
	return nil
}

// saveDims persists the collection dimension map. Callers hold s.mu.
func (s *ChromemStore) saveDims() error {
	data, err := json.Marshal(s.dims)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.path, dimensionsFile), data, 0o644)
}

// embeddingFunc adapts the Embedder interface to chromem.
func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embed.EmbedQuery(ctx, text)
	}
}

// EnsureCollection creates the collection if missing, recreating it when the
// recorded vector dimensionality differs from the requested one.
func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("vector_size", vectorSize),
	)

	if vectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.dims[collection]; ok && current != vectorSize {
		s.logger.Warn("vector size changed, recreating collection",
			zap.String("collection", collection),
			zap.Int("previous", current),
			zap.Int("requested", vectorSize),
		)
		if err := s.db.DeleteCollection(collection); err != nil {
			span.RecordError(err)
			return fmt.Errorf("deleting collection %s: %w", collection, err)
		}
	}

	if _, err := s.db.GetOrCreateCollection(collection, nil, s.embeddingFunc()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}

	s.dims[collection] = vectorSize
	if err := s.saveDims(); err != nil {
		return fmt.Errorf("persisting collection dimensions: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Upsert embeds and stores documents in the given collection.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) ([]string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("getting collection %s: %w", collection, err)
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	vectors, err := s.embed.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: vectors[i],
		}
	}

	// Concurrency of 1: embeddings are already computed.
	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added documents to chromem",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return ids, nil
}

// Query performs similarity search scoped by a metadata filter.
func (s *ChromemStore) Query(ctx context.Context, collection string, query string, k int, filter map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		span.SetStatus(codes.Ok, "missing collection")
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= matching doc count; with a filter the
	// matching count is unknown, so cap at the collection total and let
	// fewer results come back.
	count := col.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.Query(ctx, query, k, filter, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// DeleteByFilter removes every document whose metadata matches all filter entries.
func (s *ChromemStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByFilter")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if len(filter) == 0 {
		return fmt.Errorf("filter cannot be empty")
	}

	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		span.SetStatus(codes.Ok, "missing collection")
		return nil
	}

	if err := col.Delete(ctx, filter, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("deleted documents from chromem",
		zap.String("collection", collection),
	)
	return nil
}

// Close closes the ChromemStore. chromem persists automatically.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

var _ Store = (*ChromemStore)(nil)
