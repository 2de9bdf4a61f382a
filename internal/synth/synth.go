// Package synth translates free-text questions into structured record
// filters using a JSON-mode chat model.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/records"
)

var tracer = otel.Tracer("cisod.synth")

const systemPrompt = `You convert questions about employee security posture into a JSON filter.

Respond with a single JSON object and nothing else. Allowed keys:
  "risk"          one of "high", "medium", "low"
  "vulnerability" one of "high", "medium", "low"
  "knowledge"     one of "high", "medium", "low"
  "name"          employee name fragment
  "designation"   job title fragment

Omit every key the question does not constrain. If the question asks
nothing about employee records, respond with {}.`

// Synthesizer derives a records.Filter from a natural-language question.
// Any model or parse failure degrades to the empty filter so the caller
// can fall back to an unfiltered record set.
type Synthesizer struct {
	model  llms.Model
	logger *zap.Logger
}

// New returns a Synthesizer backed by the given chat model.
func New(model llms.Model, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{model: model, logger: logger}
}

// Synthesize asks the model for a filter matching the question. It never
// returns an error for malformed model output; the empty filter stands in.
func (s *Synthesizer) Synthesize(ctx context.Context, question string) (records.Filter, error) {
	ctx, span := tracer.Start(ctx, "synth.Synthesize")
	defer span.End()

	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(question)},
		},
	}

	response, err := s.model.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return records.Filter{}, err
	}
	if len(response.Choices) == 0 {
		span.SetStatus(codes.Ok, "no choices")
		return records.Filter{}, nil
	}

	filter, ok := parseFilter(response.Choices[0].Content)
	if !ok {
		s.logger.Warn("unusable filter response, falling back to empty filter",
			zap.String("response", response.Choices[0].Content))
		span.SetStatus(codes.Ok, "unparseable response")
		return records.Filter{}, nil
	}
	if err := filter.Validate(); err != nil {
		s.logger.Warn("filter failed validation, falling back to empty filter", zap.Error(err))
		span.SetStatus(codes.Ok, "invalid filter")
		return records.Filter{}, nil
	}

	span.SetStatus(codes.Ok, "")
	return filter, nil
}

// parseFilter strips markdown fences and decodes the model output strictly.
// Unknown keys mark the response unusable rather than silently dropping them.
func parseFilter(raw string) (records.Filter, bool) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if text == "" {
		return records.Filter{}, false
	}

	var filter records.Filter
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&filter); err != nil {
		return records.Filter{}, false
	}
	normalize(&filter)
	return filter, true
}

func normalize(f *records.Filter) {
	f.Risk = records.Level(strings.ToLower(string(f.Risk)))
	f.Vulnerability = records.Level(strings.ToLower(string(f.Vulnerability)))
	f.Knowledge = records.Level(strings.ToLower(string(f.Knowledge)))
	f.Name = strings.TrimSpace(f.Name)
	f.Designation = strings.TrimSpace(f.Designation)
}
