package memory

import "fmt"

// Default sliding window parameters for document chunking.
const (
	DefaultChunkSize    = 3000
	DefaultChunkOverlap = 200
)

// Chunk splits text into overlapping windows of size chars with the given
// overlap. The window cursor is strictly non-decreasing: the next window
// starts at max(end-overlap, end) measured against the previous start, so
// chunking always terminates. Requires size > overlap >= 0.
func Chunk(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must satisfy 0 <= overlap < size %d", overlap, size)
	}

	var chunks []string
	for start := 0; start < len(text); {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
		start = end - overlap
	}
	return chunks, nil
}
