// Package policy implements the organization-wide policy knowledge base.
//
// The corpus is ingested once as paragraph-sized chunks keyed by ordinal
// position. Retrieval follows a fixed three-stage discipline: similarity
// search, reorder by original ordinal, then clean. Cleaning after the
// reorder is what turns relevance-shuffled fragments into contiguous
// readable excerpts.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aegisops/cisod/internal/vectorstore"
	"go.uber.org/zap"
)

// minChunkLength drops tiny fragments from query results.
const minChunkLength = 40

// paragraphSplit matches blank-line runs separating corpus paragraphs.
var paragraphSplit = regexp.MustCompile(`\n{2,}|\r{2,}`)

// Boilerplate patterns removed from query results: stray section headers,
// page-number lines, and cover/title lines.
var boilerplate = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\d+(\.\d+)*\s*[A-Za-z][A-Za-z ]{0,60}$`),
	regexp.MustCompile(`(?i)^Page\s*\d+`),
	regexp.MustCompile(`(?i)^(ACME\s*Inc\.|Company\s*Policy)`),
}

// Config holds knowledge base configuration.
type Config struct {
	// Collection is the vector collection holding the policy corpus.
	Collection string

	// VectorSize is the embedding dimension, checked at ingestion so the
	// index is recreated when the embedding model changes.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "acme_policies"
	}
}

// KnowledgeBase provides policy corpus ingestion and retrieval.
type KnowledgeBase struct {
	store  vectorstore.Store
	config Config
	logger *zap.Logger
}

// NewKnowledgeBase creates a knowledge base on the given vector store.
func NewKnowledgeBase(store vectorstore.Store, config Config, logger *zap.Logger) (*KnowledgeBase, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if config.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", vectorstore.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &KnowledgeBase{store: store, config: config, logger: logger}, nil
}

// Ingest splits the corpus on paragraph boundaries and upserts each
// fragment keyed by its ordinal position. The collection is recreated if
// the embedding dimensionality has changed since the last ingestion.
func (kb *KnowledgeBase) Ingest(ctx context.Context, corpus string) (int, error) {
	if err := kb.store.EnsureCollection(ctx, kb.config.Collection, kb.config.VectorSize); err != nil {
		return 0, fmt.Errorf("ensuring policy collection: %w", err)
	}

	var docs []vectorstore.Document
	for _, raw := range paragraphSplit.Split(corpus, -1) {
		chunk := strings.TrimSpace(raw)
		if chunk == "" {
			continue
		}
		ordinal := len(docs)
		docs = append(docs, vectorstore.Document{
			ID:      strconv.Itoa(ordinal),
			Content: chunk,
			Metadata: map[string]string{
				"ordinal": strconv.Itoa(ordinal),
			},
		})
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("corpus contains no usable paragraphs")
	}

	if _, err := kb.store.Upsert(ctx, kb.config.Collection, docs); err != nil {
		return 0, fmt.Errorf("storing policy chunks: %w", err)
	}

	kb.logger.Info("policy corpus ingested",
		zap.String("collection", kb.config.Collection),
		zap.Int("chunks", len(docs)),
	)
	return len(docs), nil
}

// QueryContext retrieves the topK policy chunks nearest to query, reorders
// them by original ordinal, then cleans: fragments shorter than 40
// characters, boilerplate header/footer lines, and verbatim duplicates are
// dropped. The stage order (retrieve, reorder, clean) is fixed.
func (kb *KnowledgeBase) QueryContext(ctx context.Context, query string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 5
	}

	results, err := kb.store.Query(ctx, kb.config.Collection, query, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("querying policy corpus: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	sort.SliceStable(results, func(i, j int) bool {
		return ordinal(results[i]) < ordinal(results[j])
	})

	seen := make(map[string]bool, len(results))
	var chunks []string
	for _, r := range results {
		text := strings.TrimSpace(r.Content)
		if len(text) <= minChunkLength {
			continue
		}
		if isBoilerplate(text) {
			continue
		}
		if seen[text] {
			continue
		}
		seen[text] = true
		chunks = append(chunks, text)
	}
	return chunks, nil
}

func isBoilerplate(text string) bool {
	for _, re := range boilerplate {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func ordinal(r vectorstore.SearchResult) int {
	n, err := strconv.Atoi(r.Metadata["ordinal"])
	if err != nil {
		return 0
	}
	return n
}
