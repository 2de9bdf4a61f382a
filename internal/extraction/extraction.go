// Package extraction turns uploaded documents into plain text for memory
// ingestion.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ErrUnreadable indicates the document could not be fetched or yields no
// usable text. Callers answer with a fixed apology instead of failing the
// whole turn.
var ErrUnreadable = errors.New("document unreadable")

// maxDocumentBytes bounds how much of an upload is read.
const maxDocumentBytes = 10 << 20

// Extractor produces the plain-text content of a referenced document.
type Extractor interface {
	Extract(ctx context.Context, fileURL string) (string, error)
}

// HTTPExtractor fetches documents over HTTP and accepts only text payloads.
type HTTPExtractor struct {
	client *http.Client
	logger *zap.Logger
}

var _ Extractor = (*HTTPExtractor)(nil)

// NewHTTPExtractor returns an extractor with a bounded request timeout.
func NewHTTPExtractor(logger *zap.Logger) *HTTPExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExtractor{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, fileURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch failed: %v", ErrUnreadable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch returned status %d", ErrUnreadable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read failed: %v", ErrUnreadable, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%w: empty document", ErrUnreadable)
	}
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		e.logger.Warn("rejected non-text document", zap.String("url", fileURL))
		return "", fmt.Errorf("%w: binary content", ErrUnreadable)
	}

	return text, nil
}
