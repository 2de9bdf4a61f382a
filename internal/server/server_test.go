package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/answer"
	"github.com/aegisops/cisod/internal/auth"
	"github.com/aegisops/cisod/internal/config"
	"github.com/aegisops/cisod/internal/intent"
	"github.com/aegisops/cisod/internal/ledger"
	"github.com/aegisops/cisod/internal/llm"
	"github.com/aegisops/cisod/internal/records"
)

// staticVerifier accepts one token and maps it to one user.
type staticVerifier struct {
	token string
	user  string
}

func (v *staticVerifier) Verify(token string) (auth.Identity, error) {
	if token != v.token {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: v.user}, nil
}

type stubMemory struct{}

func (stubMemory) StoreQA(context.Context, string, string, string) error     { return nil }
func (stubMemory) StoreDocument(context.Context, string, string, bool) error { return nil }
func (stubMemory) RetrieveQA(context.Context, string, string, int) (string, error) {
	return "", nil
}
func (stubMemory) RetrieveDocument(context.Context, string, int) (string, error) {
	return "", nil
}

type stubPolicy struct{}

func (stubPolicy) QueryContext(context.Context, string, int) ([]string, error) { return nil, nil }

type stubRecords struct{}

func (stubRecords) Find(context.Context, records.Filter, int) ([]records.Profile, error) {
	return nil, nil
}

type stubSynth struct{}

func (stubSynth) Synthesize(context.Context, string) (records.Filter, error) {
	return records.Filter{}, nil
}

type stubCompleter struct{}

func (stubCompleter) Stream(ctx context.Context, _, _ string, fn llm.DeltaFunc) (string, error) {
	if err := fn(ctx, "stub answer"); err != nil {
		return "", err
	}
	return "stub answer", nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, string) (string, error) { return "", nil }

// memLedger is a map-backed Ledger for handler tests.
type memLedger struct {
	convs map[string]*ledger.Conversation
}

func newMemLedger() *memLedger {
	return &memLedger{convs: make(map[string]*ledger.Conversation)}
}

func (l *memLedger) Create(_ context.Context, owner, title string) (*ledger.Conversation, error) {
	conv := &ledger.Conversation{
		ID:        fmt.Sprintf("conv-%d", len(l.convs)+1),
		Owner:     owner,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	l.convs[conv.ID] = conv
	return conv, nil
}

func (l *memLedger) Append(_ context.Context, id, owner string, messages ...ledger.Message) (*ledger.Conversation, error) {
	conv, ok := l.convs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if conv.Owner != owner {
		return nil, ledger.ErrWrongOwner
	}
	conv.Messages = append(conv.Messages, messages...)
	return conv, nil
}

func (l *memLedger) Get(_ context.Context, id, owner string) (*ledger.Conversation, error) {
	conv, ok := l.convs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if conv.Owner != owner {
		return nil, ledger.ErrWrongOwner
	}
	return conv, nil
}

func (l *memLedger) List(_ context.Context, owner string) ([]*ledger.Conversation, error) {
	var out []*ledger.Conversation
	for _, conv := range l.convs {
		if conv.Owner == owner {
			out = append(out, conv)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *memLedger) {
	t.Helper()
	led := newMemLedger()
	pipeline := answer.New(
		stubMemory{}, stubPolicy{}, stubRecords{}, stubSynth{},
		intent.NewKeywordClassifier(), stubCompleter{}, led, stubExtractor{},
		config.PipelineConfig{
			RetrievalTimeout: time.Second,
			StreamTimeout:    time.Second,
			MemoryTopK:       5,
			PolicyTopK:       5,
			DocumentTopK:     50,
			RecordLimit:      50,
			ChunkSize:        3000,
			ChunkOverlap:     200,
		}, zap.NewNop())

	srv, err := New(pipeline, &staticVerifier{token: "good-token", user: "user-1"}, led, zap.NewNop(), config.ServerConfig{
		Host: "localhost",
		Port: 0,
	})
	require.NoError(t, err)
	return srv, led
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestAskRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question": "hi"}`))
	req.Header.Set(echoContentType, "application/json")
	rec := do(srv, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question": "hi"}`))
	req.Header.Set(echoContentType, "application/json")
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = do(srv, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

const echoContentType = "Content-Type"

func TestAsk(t *testing.T) {
	srv, led := newTestServer(t)

	body := `{"question": "Which employees are high risk?"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(body))
	req.Header.Set(echoContentType, "application/json")
	req.Header.Set("Authorization", "Bearer good-token")

	rec := do(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result answer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "stub answer", result.Summary)
	assert.NotEmpty(t, result.ConversationID)

	// A record-grounded answer lists employees even when none matched.
	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload, "employees")
	assert.JSONEq(t, `[]`, string(payload["employees"]))

	conv := led.convs[result.ConversationID]
	require.NotNil(t, conv)
	assert.Len(t, conv.Messages, 2)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{}`))
	req.Header.Set(echoContentType, "application/json")
	req.Header.Set("Authorization", "Bearer good-token")

	rec := do(srv, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationEndpoints(t *testing.T) {
	srv, led := newTestServer(t)

	conv, err := led.Create(context.Background(), "user-1", "first")
	require.NoError(t, err)
	_, err = led.Create(context.Background(), "someone-else", "hidden")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := do(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []*ledger.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, conv.ID, listed[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec = do(srv, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec = do(srv, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
