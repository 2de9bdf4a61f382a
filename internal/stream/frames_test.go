package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/cisod/internal/records"
)

func TestParseQuestion(t *testing.T) {
	raw := []byte(`{"question": "Who is high risk?", "token": "tok", "conversationId": "c1"}`)

	q, err := ParseQuestion(raw)
	require.NoError(t, err)
	assert.Equal(t, "Who is high risk?", q.Text)
	assert.Equal(t, "tok", q.Token)
	assert.Equal(t, "c1", q.ConversationID)
	assert.Empty(t, q.FileURL)
}

func TestParseQuestionEnvelope(t *testing.T) {
	raw := []byte(`{"question": "{\"text\": \"Summarize this\", \"fileUrl\": \"https://uploads.local/doc.txt\"}", "token": "tok"}`)

	q, err := ParseQuestion(raw)
	require.NoError(t, err)
	assert.Equal(t, "Summarize this", q.Text)
	assert.Equal(t, "https://uploads.local/doc.txt", q.FileURL)
}

func TestParseQuestionErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `chunk of noise`},
		{"missing question", `{"token": "tok"}`},
		{"missing token", `{"question": "hello"}`},
		{"blank question", `{"question": "   ", "token": "tok"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuestion([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestFrameConstructors(t *testing.T) {
	filter := records.Filter{Risk: records.LevelHigh}

	start := Start("q", &filter, 3)
	assert.Equal(t, FrameStart, start.Type())
	assert.Equal(t, "q", start.Question)
	require.NotNil(t, start.Filter)
	assert.Equal(t, filter, *start.Filter)
	assert.Equal(t, 3, start.Count)

	chunk := Chunk("delta")
	assert.Equal(t, FrameChunk, chunk.Type())
	assert.Equal(t, "delta", chunk.Data)

	assert.Equal(t, FrameEnd, End().Type())

	errFrame := Error("boom")
	assert.Equal(t, FrameError, errFrame.Type())
	assert.Equal(t, "boom", errFrame.Message)
}

func TestFrameWireShape(t *testing.T) {
	data, err := json.Marshal(Chunk("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "chunk", "data": "hello"}`, string(data))

	data, err = json.Marshal(End())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "end"}`, string(data))

	data, err = json.Marshal(Error("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "error", "message": "boom"}`, string(data))

	data, err = json.Marshal(Start("q", &records.Filter{Risk: records.LevelHigh}, 2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "start", "question": "q", "filter": {"risk": "high"}, "count": 2}`, string(data))
}

// A start frame that consulted no records still carries its count; only the
// filter is omitted.
func TestStartFrameZeroCountOnWire(t *testing.T) {
	data, err := json.Marshal(Start("q", nil, 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "start", "question": "q", "count": 0}`, string(data))
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"valid start", Start("q", nil, 0), false},
		{"valid filtered start", Start("q", &records.Filter{Risk: records.LevelLow}, 1), false},
		{"start without question", StartFrame{}, true},
		{"start with negative count", StartFrame{Question: "q", Count: -1}, true},
		{"start with bad filter", StartFrame{Question: "q", Filter: &records.Filter{Risk: "severe"}}, true},
		{"valid chunk", Chunk("x"), false},
		{"empty chunk", ChunkFrame{}, true},
		{"end", End(), false},
		{"valid error", Error("boom"), false},
		{"error without message", ErrorFrame{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
