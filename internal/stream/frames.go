// Package stream defines the framed answer protocol spoken over the
// websocket transport and the sink abstraction the pipeline writes to.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aegisops/cisod/internal/records"
)

// FrameType discriminates server frames.
type FrameType string

const (
	// FrameStart opens an answer: one per question, always first.
	FrameStart FrameType = "start"
	// FrameChunk carries one ordered answer fragment.
	FrameChunk FrameType = "chunk"
	// FrameEnd closes a successful answer.
	FrameEnd FrameType = "end"
	// FrameError closes a failed answer. Terminal, like end.
	FrameError FrameType = "error"
)

// ErrInvalidFrame indicates a payload that does not follow the protocol.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one server-to-client protocol message. Each variant carries its
// own required fields, marshals under a "type" tag, and validates itself at
// the channel boundary before being written.
type Frame interface {
	Type() FrameType
	Validate() error
}

// StartFrame opens an answer. Filter and Count describe the record query
// behind the answer; policy-grounded answers carry no filter and a zero
// count.
type StartFrame struct {
	Question string
	Filter   *records.Filter
	Count    int
}

func (f StartFrame) Type() FrameType { return FrameStart }

func (f StartFrame) Validate() error {
	if f.Question == "" {
		return fmt.Errorf("%w: start frame without question", ErrInvalidFrame)
	}
	if f.Count < 0 {
		return fmt.Errorf("%w: negative record count", ErrInvalidFrame)
	}
	if f.Filter != nil {
		if err := f.Filter.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	}
	return nil
}

func (f StartFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     FrameType       `json:"type"`
		Question string          `json:"question"`
		Filter   *records.Filter `json:"filter,omitempty"`
		Count    int             `json:"count"`
	}{FrameStart, f.Question, f.Filter, f.Count})
}

// ChunkFrame carries one ordered answer fragment.
type ChunkFrame struct {
	Data string
}

func (f ChunkFrame) Type() FrameType { return FrameChunk }

func (f ChunkFrame) Validate() error {
	if f.Data == "" {
		return fmt.Errorf("%w: empty chunk", ErrInvalidFrame)
	}
	return nil
}

func (f ChunkFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		Data string    `json:"data"`
	}{FrameChunk, f.Data})
}

// EndFrame is the terminal success frame.
type EndFrame struct{}

func (EndFrame) Type() FrameType { return FrameEnd }

func (EndFrame) Validate() error { return nil }

func (EndFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type FrameType `json:"type"`
	}{FrameEnd})
}

// ErrorFrame is the terminal failure frame.
type ErrorFrame struct {
	Message string
}

func (f ErrorFrame) Type() FrameType { return FrameError }

func (f ErrorFrame) Validate() error {
	if f.Message == "" {
		return fmt.Errorf("%w: error frame without message", ErrInvalidFrame)
	}
	return nil
}

func (f ErrorFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    FrameType `json:"type"`
		Message string    `json:"message"`
	}{FrameError, f.Message})
}

var (
	_ Frame = StartFrame{}
	_ Frame = ChunkFrame{}
	_ Frame = EndFrame{}
	_ Frame = ErrorFrame{}

	_ json.Marshaler = StartFrame{}
	_ json.Marshaler = ChunkFrame{}
	_ json.Marshaler = EndFrame{}
	_ json.Marshaler = ErrorFrame{}
)

// Start builds the opening frame for an answer. A nil filter marks an answer
// that consulted no records.
func Start(question string, filter *records.Filter, count int) StartFrame {
	return StartFrame{Question: question, Filter: filter, Count: count}
}

// Chunk builds an ordered answer fragment frame.
func Chunk(data string) ChunkFrame {
	return ChunkFrame{Data: data}
}

// End builds the terminal success frame.
func End() EndFrame {
	return EndFrame{}
}

// Error builds the terminal failure frame.
func Error(message string) ErrorFrame {
	return ErrorFrame{Message: message}
}

// Question is a parsed client request. The question text may carry an inner
// JSON envelope pointing at an uploaded document.
type Question struct {
	// Text is the question to answer.
	Text string
	// Token is the bearer credential presented by the client.
	Token string
	// ConversationID selects an existing transcript; empty starts a new one.
	ConversationID string
	// FileURL references an uploaded document to ingest before answering.
	FileURL string
}

type clientFrame struct {
	Question       string `json:"question"`
	Token          string `json:"token"`
	ConversationID string `json:"conversationId"`
}

type questionEnvelope struct {
	Text    string `json:"text"`
	FileURL string `json:"fileUrl"`
}

// ParseQuestion decodes a raw client payload. The question field may itself
// be a JSON envelope {"text": ..., "fileUrl": ...}; plain text passes
// through unchanged.
func ParseQuestion(raw []byte) (Question, error) {
	var cf clientFrame
	if err := json.Unmarshal(raw, &cf); err != nil {
		return Question{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	q := Question{
		Text:           strings.TrimSpace(cf.Question),
		Token:          cf.Token,
		ConversationID: cf.ConversationID,
	}

	if strings.HasPrefix(q.Text, "{") {
		var env questionEnvelope
		if err := json.Unmarshal([]byte(q.Text), &env); err == nil && env.Text != "" {
			q.Text = strings.TrimSpace(env.Text)
			q.FileURL = env.FileURL
		}
	}

	return q, q.Validate()
}

// Validate checks the request carries a question and a credential.
func (q Question) Validate() error {
	if q.Text == "" {
		return fmt.Errorf("%w: empty question", ErrInvalidFrame)
	}
	if q.Token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidFrame)
	}
	return nil
}

// Sink receives protocol frames in order. Send returning an error means the
// client is unreachable and the answer in flight must be abandoned.
type Sink interface {
	Send(frame Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(frame Frame) error

func (f SinkFunc) Send(frame Frame) error {
	return f(frame)
}
