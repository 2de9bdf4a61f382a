// Package vectorstore defines the unified retrieval adapter used by both
// the per-user semantic memory and the organization-wide policy corpus.
//
// One Store capability (upsert, query, delete scoped by a metadata filter),
// parameterized by collection, backs every vector partition in cisod.
// Implementations:
//   - ChromemStore: embedded chromem-go (default, no external service)
//   - QdrantStore: external Qdrant over gRPC
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates the backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document represents a document to be stored in the vector store.
type Document struct {
	// ID is the unique identifier. QdrantStore requires a UUID or an
	// unsigned integer in string form.
	ID string

	// Content is the text content of the document.
	Content string

	// Metadata contains key-value pairs used for scoped retrieval.
	// Common fields: owner, kind, chunk_index, ordinal, created_at.
	Metadata map[string]string
}

// SearchResult represents a search result from the vector store.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Store is the unified interface for vector storage operations.
type Store interface {
	// EnsureCollection creates the collection if missing. If it exists with
	// a different vector dimensionality, it is dropped and recreated so the
	// index always matches the active embedding model.
	EnsureCollection(ctx context.Context, collection string, vectorSize int) error

	// Upsert embeds and stores documents. Returns the stored IDs.
	Upsert(ctx context.Context, collection string, docs []Document) ([]string, error)

	// Query performs similarity search scoped by a metadata filter.
	// Results are ordered by similarity score, highest first. An empty or
	// nil filter matches everything. Querying a missing collection returns
	// no results rather than an error.
	Query(ctx context.Context, collection string, query string, k int, filter map[string]string) ([]SearchResult, error)

	// DeleteByFilter removes every document whose metadata matches all
	// filter entries. This is the exact secondary lookup that document
	// replacement relies on; it must not be approximated by similarity
	// search.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error

	// Close releases backend resources.
	Close() error
}
