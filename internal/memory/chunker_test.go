package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{
			name:    "text shorter than window",
			text:    "hello",
			size:    10,
			overlap: 2,
			want:    []string{"hello"},
		},
		{
			name:    "exact window size",
			text:    "abcdefghij",
			size:    10,
			overlap: 2,
			want:    []string{"abcdefghij"},
		},
		{
			name:    "two overlapping windows",
			text:    "abcdefghijkl",
			size:    10,
			overlap: 2,
			want:    []string{"abcdefghij", "ijkl"},
		},
		{
			name:    "zero overlap",
			text:    "abcdefgh",
			size:    4,
			overlap: 0,
			want:    []string{"abcd", "efgh"},
		},
		{
			name:    "empty text",
			text:    "",
			size:    10,
			overlap: 2,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Chunk(tt.text, tt.size, tt.overlap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunkInvalidParameters(t *testing.T) {
	_, err := Chunk("text", 0, 0)
	assert.Error(t, err)

	_, err = Chunk("text", 10, -1)
	assert.Error(t, err)

	_, err = Chunk("text", 10, 10)
	assert.Error(t, err)
}

func TestChunkReconstruction(t *testing.T) {
	// Concatenating chunk bodies with the overlap stripped from every chunk
	// after the first reproduces the original text exactly.
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 200)
	const size, overlap = 300, 50

	chunks, err := Chunk(text, size, overlap)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var sb strings.Builder
	sb.WriteString(chunks[0])
	for _, chunk := range chunks[1:] {
		sb.WriteString(chunk[overlap:])
	}
	assert.Equal(t, text, sb.String())
}

func TestChunkTermination(t *testing.T) {
	// The cursor advances by size-overlap per step, so chunk count is
	// bounded by ceil(len/(size-overlap))+1.
	text := strings.Repeat("x", 10007)
	const size, overlap = 100, 30

	chunks, err := Chunk(text, size, overlap)
	require.NoError(t, err)

	bound := (len(text)+(size-overlap)-1)/(size-overlap) + 1
	assert.LessOrEqual(t, len(chunks), bound)
}
