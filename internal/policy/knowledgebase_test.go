package policy

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/cisod/internal/vectorstore"
)

// fakeStore returns query results in reverse insertion order, standing in
// for similarity ranking that disagrees with document order.
type fakeStore struct {
	docs []vectorstore.Document
}

var _ vectorstore.Store = (*fakeStore)(nil)

func (f *fakeStore) EnsureCollection(context.Context, string, int) error { return nil }

func (f *fakeStore) Upsert(_ context.Context, _ string, docs []vectorstore.Document) ([]string, error) {
	ids := make([]string, len(docs))
	for i, doc := range docs {
		f.docs = append(f.docs, doc)
		ids[i] = doc.ID
	}
	return ids, nil
}

func (f *fakeStore) Query(_ context.Context, _ string, _ string, k int, _ map[string]string) ([]vectorstore.SearchResult, error) {
	var results []vectorstore.SearchResult
	for i := len(f.docs) - 1; i >= 0 && len(results) < k; i-- {
		results = append(results, vectorstore.SearchResult{
			ID:       f.docs[i].ID,
			Content:  f.docs[i].Content,
			Metadata: f.docs[i].Metadata,
		})
	}
	return results, nil
}

func (f *fakeStore) DeleteByFilter(context.Context, string, map[string]string) error { return nil }
func (f *fakeStore) Close() error                                                    { return nil }

func newTestKB(t *testing.T, fake *fakeStore) *KnowledgeBase {
	t.Helper()
	kb, err := NewKnowledgeBase(fake, Config{VectorSize: 4}, nil)
	require.NoError(t, err)
	return kb
}

func TestIngestSplitsParagraphs(t *testing.T) {
	fake := &fakeStore{}
	kb := newTestKB(t, fake)

	corpus := "Passwords must be at least 12 characters long.\n\n" +
		"   \n\n" +
		"Access to production systems requires an approved change ticket.\n\n\n" +
		"Visitors must be escorted at all times within secure areas."

	count, err := kb.Ingest(context.Background(), corpus)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for i, doc := range fake.docs {
		assert.Equal(t, strconv.Itoa(i), doc.Metadata["ordinal"])
	}
}

func TestIngestEmptyCorpus(t *testing.T) {
	kb := newTestKB(t, &fakeStore{})

	_, err := kb.Ingest(context.Background(), "\n\n   \n\n")
	assert.Error(t, err)
}

func TestQueryContextOrdinalOrder(t *testing.T) {
	fake := &fakeStore{}
	kb := newTestKB(t, fake)
	ctx := context.Background()

	corpus := "All laptops must run full-disk encryption at all times.\n\n" +
		"Passwords must be at least 12 characters and rotated yearly.\n\n" +
		"Third-party vendors require a signed security assessment."
	_, err := kb.Ingest(ctx, corpus)
	require.NoError(t, err)

	// The fake returns results in reverse ordinal order; the output must
	// still be strictly increasing in ordinal.
	chunks, err := kb.QueryContext(ctx, "passwords", 5)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Contains(t, chunks[0], "laptops")
	assert.Contains(t, chunks[1], "Passwords")
	assert.Contains(t, chunks[2], "vendors")
}

func TestQueryContextCleaning(t *testing.T) {
	fake := &fakeStore{}
	kb := newTestKB(t, fake)
	ctx := context.Background()

	corpus := "ACME Inc. Security Policy Handbook\n\n" +
		"Page 3\n\n" +
		"2.1 Access Control\n\n" +
		"short line\n\n" +
		"All privileged accounts must use hardware security keys for login.\n\n" +
		"All privileged accounts must use hardware security keys for login."
	_, err := kb.Ingest(ctx, corpus)
	require.NoError(t, err)

	chunks, err := kb.QueryContext(ctx, "privileged accounts", 10)
	require.NoError(t, err)

	require.Len(t, chunks, 1, "boilerplate, short fragments and duplicates are dropped")
	assert.Contains(t, chunks[0], "hardware security keys")

	for _, chunk := range chunks {
		assert.Greater(t, len(chunk), 40)
	}
}

func TestQueryContextEmptyIndex(t *testing.T) {
	kb := newTestKB(t, &fakeStore{})

	chunks, err := kb.QueryContext(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestNewKnowledgeBaseValidation(t *testing.T) {
	_, err := NewKnowledgeBase(nil, Config{VectorSize: 4}, nil)
	assert.Error(t, err)

	_, err = NewKnowledgeBase(&fakeStore{}, Config{}, nil)
	assert.Error(t, err)
}
