// Package llm wraps the chat model behind the small surface the answer
// pipeline needs: an ordered streaming completion.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aegisops/cisod/internal/config"
)

var tracer = otel.Tracer("cisod.llm")

// DeltaFunc receives each non-empty output fragment in generation order.
// Returning an error aborts the stream and surfaces the error to the caller.
type DeltaFunc func(ctx context.Context, delta string) error

// Completer is the chat surface used by the answer pipeline. Both answer
// modes stream; the accumulated text is reused for persistence, never
// re-derived by a second call.
type Completer interface {
	// Stream runs a streaming completion, delivering ordered deltas to fn
	// and returning the accumulated answer.
	Stream(ctx context.Context, system, user string, fn DeltaFunc) (string, error)
}

// Client is the langchaingo-backed Completer.
type Client struct {
	model llms.Model
}

var _ Completer = (*Client)(nil)

// NewClient builds a Client against an OpenAI-compatible endpoint.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
	} else {
		opts = append(opts, openai.WithToken("none"))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return &Client{model: model}, nil
}

// NewClientWithModel wraps an existing model. Used by tests and the filter
// synthesizer, which shares the daemon's chat endpoint.
func NewClientWithModel(model llms.Model) *Client {
	return &Client{model: model}
}

// Model exposes the underlying chat model for components that drive it
// directly, such as the filter synthesizer.
func (c *Client) Model() llms.Model {
	return c.model
}

func (c *Client) Stream(ctx context.Context, system, user string, fn DeltaFunc) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Stream")
	defer span.End()

	var sb strings.Builder
	_, err := c.model.GenerateContent(ctx, messages(system, user),
		llms.WithTemperature(0.2),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			delta := string(chunk)
			if err := fn(ctx, delta); err != nil {
				return err
			}
			sb.WriteString(delta)
			return nil
		}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return "", fmt.Errorf("stream completion: %w", err)
	}

	span.SetAttributes(attribute.Int("answer_length", sb.Len()))
	span.SetStatus(codes.Ok, "")
	return sb.String(), nil
}

func messages(system, user string) []llms.MessageContent {
	return []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(user)},
		},
	}
}
