// Package memory implements the per-user semantic memory store.
//
// Memory lives in one vector collection split into two logical partitions
// per owner: conversational Q&A exchanges (kind=qa) and uploaded-document
// chunks (kind=document). Every retrieval is scoped by owner and kind;
// items are never readable across owners.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aegisops/cisod/internal/vectorstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Item kinds within the memory collection.
const (
	KindQA       = "qa"
	KindDocument = "document"
)

// qaSeparator joins retrieved Q&A memories in similarity order.
const qaSeparator = "\n\n---\n\n"

// documentSentinel is the fixed query used to fetch document chunks. The
// intent is "fetch everything for this owner", not similarity; reading
// order is restored by chunk index afterwards.
const documentSentinel = "retrieve document content"

// upsertBatchSize bounds a single write to respect backend limits.
const upsertBatchSize = 50

// Config holds memory store configuration.
type Config struct {
	// Collection is the vector collection holding all memory items.
	Collection string

	// ChunkSize and ChunkOverlap control document chunking.
	ChunkSize    int
	ChunkOverlap int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "chat_memory"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
}

// Store provides per-user Q&A and document memory on a vector store.
type Store struct {
	store  vectorstore.Store
	config Config
	logger *zap.Logger
}

// NewStore creates a memory store backed by the given vector store.
func NewStore(store vectorstore.Store, config Config, logger *zap.Logger) (*Store, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must satisfy 0 <= overlap < size %d",
			config.ChunkOverlap, config.ChunkSize)
	}
	return &Store{store: store, config: config, logger: logger}, nil
}

// StoreQA stores one question/answer exchange as a single qa item.
func (s *Store) StoreQA(ctx context.Context, owner, question, answer string) error {
	if owner == "" {
		return fmt.Errorf("owner is required")
	}

	text := fmt.Sprintf("User: %s\nAssistant: %s", question, answer)
	doc := vectorstore.Document{
		ID:      uuid.NewString(),
		Content: text,
		Metadata: map[string]string{
			"owner":      owner,
			"kind":       KindQA,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if _, err := s.store.Upsert(ctx, s.config.Collection, []vectorstore.Document{doc}); err != nil {
		return fmt.Errorf("storing qa memory: %w", err)
	}

	s.logger.Debug("stored qa memory", zap.String("owner", owner))
	return nil
}

// StoreDocument chunks text and stores it as the owner's document memory.
// With replace set, the owner's previous document generation is removed
// first by an exact owner+kind deletion, so at most one generation is live.
func (s *Store) StoreDocument(ctx context.Context, owner, text string, replace bool) error {
	if owner == "" {
		return fmt.Errorf("owner is required")
	}

	chunks, err := Chunk(text, s.config.ChunkSize, s.config.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("chunking document: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	if replace {
		filter := map[string]string{"owner": owner, "kind": KindDocument}
		if err := s.store.DeleteByFilter(ctx, s.config.Collection, filter); err != nil {
			return fmt.Errorf("removing previous document memory: %w", err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	docs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = vectorstore.Document{
			ID:      uuid.NewString(),
			Content: chunk,
			Metadata: map[string]string{
				"owner":       owner,
				"kind":        KindDocument,
				"chunk_index": strconv.Itoa(i),
				"created_at":  now,
			},
		}
	}

	for start := 0; start < len(docs); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if _, err := s.store.Upsert(ctx, s.config.Collection, docs[start:end]); err != nil {
			return fmt.Errorf("storing document chunks %d-%d: %w", start, end-1, err)
		}
	}

	s.logger.Debug("stored document memory",
		zap.String("owner", owner),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// RetrieveQA returns the owner's Q&A memories most similar to query,
// concatenated in similarity rank order. Empty string when nothing matches.
func (s *Store) RetrieveQA(ctx context.Context, owner, query string, topK int) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	if topK <= 0 {
		topK = 5
	}

	filter := map[string]string{"owner": owner, "kind": KindQA}
	results, err := s.store.Query(ctx, s.config.Collection, query, topK, filter)
	if err != nil {
		return "", fmt.Errorf("retrieving qa memory: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}

	out := ""
	for i, r := range results {
		if i > 0 {
			out += qaSeparator
		}
		out += r.Content
	}
	return out, nil
}

// RetrieveDocument returns the owner's document memory re-assembled in
// reading order: chunks are fetched with a fixed sentinel query, then
// sorted by chunk index ascending before concatenation.
func (s *Store) RetrieveDocument(ctx context.Context, owner string, topK int) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	if topK <= 0 {
		topK = 50
	}

	filter := map[string]string{"owner": owner, "kind": KindDocument}
	results, err := s.store.Query(ctx, s.config.Collection, documentSentinel, topK, filter)
	if err != nil {
		return "", fmt.Errorf("retrieving document memory: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}

	sort.SliceStable(results, func(i, j int) bool {
		return chunkIndex(results[i]) < chunkIndex(results[j])
	})

	out := ""
	for i, r := range results {
		if i > 0 {
			out += "\n\n"
		}
		out += r.Content
	}
	return out, nil
}

func chunkIndex(r vectorstore.SearchResult) int {
	n, err := strconv.Atoi(r.Metadata["chunk_index"])
	if err != nil {
		return 0
	}
	return n
}
