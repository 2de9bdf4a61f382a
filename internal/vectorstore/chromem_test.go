package vectorstore

import (
	"context"
	"hash/fnv"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder produces deterministic normalized vectors from a text hash.
// Identical texts embed identically, so querying with a stored text ranks
// that document first.
type fakeEmbedder struct {
	dims int
}

var _ Embedder = (*fakeEmbedder)(nil)

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	dims := e.dims
	if dims == 0 {
		dims = 8
	}
	vec := make([]float32, dims)
	h := fnv.New64a()
	for i := range vec {
		h.Write([]byte(text))
		vec[i] = float32(h.Sum64()%1000) / 1000.0
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (e *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newTestChromem(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, &fakeEmbedder{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChromemUpsertAndQuery(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "test", 8))

	_, err := store.Upsert(ctx, "test", []Document{
		{ID: "1", Content: "password rotation policy", Metadata: map[string]string{"kind": "qa"}},
		{ID: "2", Content: "visitor escort procedure", Metadata: map[string]string{"kind": "qa"}},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, "test", "password rotation policy", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)
	assert.Equal(t, "password rotation policy", results[0].Content)
	assert.Equal(t, "qa", results[0].Metadata["kind"])
}

func TestChromemQueryMetadataFilter(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "test", []Document{
		{ID: "1", Content: "alpha content", Metadata: map[string]string{"owner": "alice"}},
		{ID: "2", Content: "alpha content twin", Metadata: map[string]string{"owner": "bob"}},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, "test", "alpha content", 10, map[string]string{"owner": "bob"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].ID)
}

func TestChromemQueryMissingCollection(t *testing.T) {
	store := newTestChromem(t)

	results, err := store.Query(context.Background(), "absent", "anything", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemDeleteByFilter(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "test", []Document{
		{ID: "1", Content: "keep me around", Metadata: map[string]string{"owner": "alice", "kind": "document"}},
		{ID: "2", Content: "delete me now", Metadata: map[string]string{"owner": "bob", "kind": "document"}},
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteByFilter(ctx, "test", map[string]string{"owner": "bob", "kind": "document"}))

	results, err := store.Query(ctx, "test", "delete me now", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)
}

func TestChromemDeleteRequiresFilter(t *testing.T) {
	store := newTestChromem(t)

	err := store.DeleteByFilter(context.Background(), "test", nil)
	assert.Error(t, err)
}

func TestChromemEnsureCollectionRecreatesOnDimensionChange(t *testing.T) {
	store := newTestChromem(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "test", 8))
	_, err := store.Upsert(ctx, "test", []Document{
		{ID: "1", Content: "stale embedding content"},
	})
	require.NoError(t, err)

	// A dimension change means a new embedding model; old vectors are
	// unusable and the collection starts over.
	require.NoError(t, store.EnsureCollection(ctx, "test", 16))

	results, err := store.Query(ctx, "test", "stale embedding content", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemUpsertEmpty(t *testing.T) {
	store := newTestChromem(t)

	_, err := store.Upsert(context.Background(), "test", nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)
}

func TestNewChromemStoreRequiresEmbedder(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
