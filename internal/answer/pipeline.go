// Package answer orchestrates the retrieval-augmented answering pipeline.
//
// Each question drives one run through a fixed state machine: optional
// document extraction, concurrent retrieval (conversational memory, policy
// context, filter synthesis), mode selection, streaming completion, then
// persistence. Retrieval failures degrade to empty context; a streaming
// failure discards the partial answer so the ledger never holds a truncated
// assistant message.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/auth"
	"github.com/aegisops/cisod/internal/config"
	"github.com/aegisops/cisod/internal/extraction"
	"github.com/aegisops/cisod/internal/intent"
	"github.com/aegisops/cisod/internal/ledger"
	"github.com/aegisops/cisod/internal/llm"
	"github.com/aegisops/cisod/internal/memory"
	"github.com/aegisops/cisod/internal/policy"
	"github.com/aegisops/cisod/internal/records"
	"github.com/aegisops/cisod/internal/stream"
	"github.com/aegisops/cisod/internal/synth"
)

var tracer = otel.Tracer("cisod.answer")

// State names one phase of a pipeline run.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateExtracting State = "EXTRACTING"
	StateRetrieval  State = "MEMORY_AND_FILTER_RETRIEVAL"
	StateModeSelect State = "MODE_SELECT"
	StateStreaming  State = "STREAMING"
	StatePersist    State = "PERSIST"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Mode is the answer-grounding strategy chosen per question.
type Mode string

const (
	// ModePolicy grounds the answer exclusively in policy excerpts.
	ModePolicy Mode = "policy"
	// ModeSummary grounds the answer in record results plus any available
	// memory and policy context.
	ModeSummary Mode = "summary"
)

// Apology is the fixed response for unreadable uploaded documents.
const Apology = "I'm sorry, but I couldn't read the document you provided. " +
	"Please upload a readable text document and try again."

const policySystemPrompt = `You are a CISO assistant answering questions about company security policy.
Answer using only the policy excerpts provided. Quote policy language where it
applies. If the excerpts do not cover the question, say so.`

const summarySystemPrompt = `You are a CISO assistant summarizing personnel security posture.
Ground your answer in the employee records and context provided. Be concise
and factual; do not invent employees or ratings that are not in the data.`

var alphanumeric = regexp.MustCompile(`[a-zA-Z0-9]`)

// ErrStreamAborted indicates the client went away mid-stream.
var ErrStreamAborted = errors.New("stream aborted")

// Memory is the per-user semantic memory surface the pipeline consumes.
type Memory interface {
	StoreQA(ctx context.Context, owner, question, answer string) error
	StoreDocument(ctx context.Context, owner, text string, replace bool) error
	RetrieveQA(ctx context.Context, owner, query string, topK int) (string, error)
	RetrieveDocument(ctx context.Context, owner string, topK int) (string, error)
}

var _ Memory = (*memory.Store)(nil)

// PolicySource retrieves cleaned, ordered policy excerpts.
type PolicySource interface {
	QueryContext(ctx context.Context, query string, topK int) ([]string, error)
}

var _ PolicySource = (*policy.KnowledgeBase)(nil)

// FilterSynthesizer derives a structured record filter from a question.
type FilterSynthesizer interface {
	Synthesize(ctx context.Context, question string) (records.Filter, error)
}

var _ FilterSynthesizer = (*synth.Synthesizer)(nil)

// Ledger is the conversation transcript surface the pipeline consumes.
type Ledger interface {
	Create(ctx context.Context, owner, title string) (*ledger.Conversation, error)
	Append(ctx context.Context, id, owner string, messages ...ledger.Message) (*ledger.Conversation, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

// Request is one inbound question.
type Request struct {
	Identity       auth.Identity
	Question       string
	ConversationID string
	// FileURL references an uploaded document to extract and ingest.
	FileURL string
	// UploadedText is pre-extracted document text supplied directly by the
	// synchronous API. Takes precedence over FileURL.
	UploadedText string
}

// Result is the completed answer with its grounding metadata. Employees is
// non-nil whenever records were consulted, so a summary answer that matched
// nothing still serializes an empty employees list; policy answers leave it
// nil and omit the field.
type Result struct {
	ConversationID string            `json:"conversationId"`
	Summary        string            `json:"summary"`
	Mode           Mode              `json:"mode"`
	Filter         *records.Filter   `json:"filter,omitempty"`
	Employees      []records.Profile `json:"employees,omitzero"`
}

// Pipeline composes the retrieval, synthesis, streaming and persistence
// components. All dependencies are injected once at construction.
type Pipeline struct {
	memory    Memory
	policy    PolicySource
	records   records.Source
	synth     FilterSynthesizer
	intent    intent.Classifier
	completer llm.Completer
	ledger    Ledger
	extractor extraction.Extractor
	cfg       config.PipelineConfig
	logger    *zap.Logger
}

// New wires a Pipeline from its dependencies.
func New(
	mem Memory,
	pol PolicySource,
	rec records.Source,
	syn FilterSynthesizer,
	cls intent.Classifier,
	completer llm.Completer,
	led Ledger,
	ext extraction.Extractor,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		memory:    mem,
		policy:    pol,
		records:   rec,
		synth:     syn,
		intent:    cls,
		completer: completer,
		ledger:    led,
		extractor: ext,
		cfg:       cfg,
		logger:    logger,
	}
}

// retrieval is the output of the concurrent retrieval phase.
type retrieval struct {
	memoryContext string
	policyContext []string
	filter        records.Filter
}

// Answer runs the full pipeline for one question, writing protocol frames to
// sink as the answer streams. The returned Result carries the accumulated
// answer and grounding metadata; a nil error means the terminal end frame was
// sent and the transcript persisted.
func (p *Pipeline) Answer(ctx context.Context, req Request, sink stream.Sink) (*Result, error) {
	ctx, span := tracer.Start(ctx, "answer.Answer")
	defer span.End()

	state := StateReceived
	logger := p.logger.With(zap.String("user_id", req.Identity.UserID))
	fail := func(err error, message string) (*Result, error) {
		failedFrom := state
		state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, message)
		logger.Error("pipeline failed", zap.String("state", string(failedFrom)), zap.Error(err))
		if sendErr := sink.Send(stream.Error(message)); sendErr != nil {
			logger.Debug("error frame undeliverable", zap.Error(sendErr))
		}
		return nil, err
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return fail(stream.ErrInvalidFrame, "empty question")
	}

	conversationID, err := p.ensureConversation(ctx, req, question)
	if err != nil {
		return fail(err, "could not open conversation")
	}
	logger = logger.With(zap.String("conversation_id", conversationID))

	if _, err := p.ledger.Append(ctx, conversationID, req.Identity.UserID, ledger.Message{
		Role:      ledger.RoleUser,
		Content:   question,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fail(err, "could not record question")
	}

	// Extraction phase. An unreadable document short-circuits the rest of
	// the pipeline with the fixed apology, which is still persisted.
	documentText, unreadable := p.extractDocument(ctx, req, &state, logger)
	if unreadable {
		return p.apologize(ctx, conversationID, req.Identity.UserID, question, sink, span, logger)
	}

	augmented := question
	if documentText != "" {
		if err := p.memory.StoreDocument(ctx, req.Identity.UserID, documentText, true); err != nil {
			logger.Warn("document memory write failed", zap.Error(err))
		}
		augmented = question + "\n\nDocument content:\n" + documentText
	} else if p.intent.RefersToDocument(question) {
		prior, err := p.memory.RetrieveDocument(ctx, req.Identity.UserID, p.cfg.DocumentTopK)
		if err != nil {
			logger.Warn("document memory retrieval failed", zap.Error(err))
		} else if prior != "" {
			augmented = question + "\n\nDocument content:\n" + prior
		}
	}

	state = StateRetrieval
	ret := p.retrieve(ctx, req.Identity.UserID, question, logger)

	state = StateModeSelect
	mode := ModeSummary
	if p.intent.PolicyIntent(question) && len(ret.policyContext) > 0 {
		mode = ModePolicy
	}
	span.SetAttributes(attribute.String("mode", string(mode)))

	var (
		startFrame stream.Frame
		system     string
		user       string
		result     = &Result{ConversationID: conversationID, Mode: mode}
	)
	switch mode {
	case ModePolicy:
		startFrame = stream.Start(question, nil, 0)
		system = policySystemPrompt
		user = policyPrompt(ret.policyContext, augmented)
	case ModeSummary:
		matched, err := p.records.Find(ctx, ret.filter, p.cfg.RecordLimit)
		if err != nil {
			logger.Warn("record query failed, answering without records", zap.Error(err))
			matched = nil
		}
		if matched == nil {
			matched = []records.Profile{}
		}
		result.Filter = &ret.filter
		result.Employees = matched
		startFrame = stream.Start(question, &ret.filter, len(matched))
		system = summarySystemPrompt
		user = summaryPrompt(ret.memoryContext, ret.policyContext, augmented, matched)
	}

	state = StateStreaming
	if err := sink.Send(startFrame); err != nil {
		state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "client gone before start")
		return nil, fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.cfg.StreamTimeout)
	defer cancel()
	answer, err := p.completer.Stream(streamCtx, system, user, func(_ context.Context, delta string) error {
		return sink.Send(stream.Chunk(delta))
	})
	if err != nil {
		// The partial answer is discarded; the transcript keeps only the
		// user message.
		return fail(err, "answer generation failed")
	}

	state = StatePersist
	if err := p.persist(ctx, conversationID, req.Identity.UserID, question, answer, logger); err != nil {
		return fail(err, "could not record answer")
	}

	if err := sink.Send(stream.End()); err != nil {
		logger.Debug("end frame undeliverable", zap.Error(err))
	}

	state = StateDone
	result.Summary = answer
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// AnswerSync runs the pipeline for the synchronous API, discarding the
// frame stream and returning only the final result.
func (p *Pipeline) AnswerSync(ctx context.Context, req Request) (*Result, error) {
	return p.Answer(ctx, req, stream.SinkFunc(func(stream.Frame) error { return nil }))
}

func (p *Pipeline) ensureConversation(ctx context.Context, req Request, question string) (string, error) {
	if req.ConversationID != "" {
		return req.ConversationID, nil
	}
	conv, err := p.ledger.Create(ctx, req.Identity.UserID, title(question))
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// extractDocument resolves the request's document text, if any. The second
// return value reports an unreadable document.
func (p *Pipeline) extractDocument(ctx context.Context, req Request, state *State, logger *zap.Logger) (string, bool) {
	var text string
	switch {
	case req.UploadedText != "":
		text = req.UploadedText
	case req.FileURL != "":
		*state = StateExtracting
		extracted, err := p.extractor.Extract(ctx, req.FileURL)
		if err != nil {
			logger.Warn("document extraction failed", zap.Error(err))
			return "", true
		}
		text = extracted
	default:
		return "", false
	}

	if !readable(text) {
		logger.Warn("uploaded document failed readability check")
		return "", true
	}
	return text, false
}

// retrieve runs filter synthesis, conversational-memory retrieval and policy
// retrieval concurrently. Each source is bounded by the retrieval timeout and
// degrades to empty on failure.
func (p *Pipeline) retrieve(ctx context.Context, owner, question string, logger *zap.Logger) retrieval {
	var (
		wg  sync.WaitGroup
		ret retrieval
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		srcCtx, cancel := context.WithTimeout(ctx, p.cfg.RetrievalTimeout)
		defer cancel()
		filter, err := p.synth.Synthesize(srcCtx, question)
		if err != nil {
			logger.Warn("filter synthesis failed, using empty filter", zap.Error(err))
			return
		}
		ret.filter = filter
	}()
	go func() {
		defer wg.Done()
		srcCtx, cancel := context.WithTimeout(ctx, p.cfg.RetrievalTimeout)
		defer cancel()
		mem, err := p.memory.RetrieveQA(srcCtx, owner, question, p.cfg.MemoryTopK)
		if err != nil {
			logger.Warn("memory retrieval failed, continuing without memory", zap.Error(err))
			return
		}
		ret.memoryContext = mem
	}()
	go func() {
		defer wg.Done()
		srcCtx, cancel := context.WithTimeout(ctx, p.cfg.RetrievalTimeout)
		defer cancel()
		chunks, err := p.policy.QueryContext(srcCtx, question, p.cfg.PolicyTopK)
		if err != nil {
			logger.Warn("policy retrieval failed, continuing without policy context", zap.Error(err))
			return
		}
		ret.policyContext = chunks
	}()
	wg.Wait()

	return ret
}

// apologize delivers and persists the fixed unreadable-document response. No
// filter synthesis, record query or model call happens on this path.
func (p *Pipeline) apologize(ctx context.Context, conversationID, owner, question string, sink stream.Sink, span trace.Span, logger *zap.Logger) (*Result, error) {
	if err := sink.Send(stream.Start(question, nil, 0)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}
	if err := sink.Send(stream.Chunk(Apology)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}
	if err := p.persist(ctx, conversationID, owner, question, Apology, logger); err != nil {
		if sendErr := sink.Send(stream.Error("could not record answer")); sendErr != nil {
			logger.Debug("error frame undeliverable", zap.Error(sendErr))
		}
		return nil, err
	}
	if err := sink.Send(stream.End()); err != nil {
		logger.Debug("end frame undeliverable", zap.Error(err))
	}
	span.SetStatus(codes.Ok, "unreadable document")
	return &Result{ConversationID: conversationID, Summary: Apology, Mode: ModeSummary}, nil
}

// persist appends the assistant message to the transcript and records the
// exchange in conversational memory. The ledger write is retried once.
func (p *Pipeline) persist(ctx context.Context, conversationID, owner, question, answer string, logger *zap.Logger) error {
	msg := ledger.Message{
		Role:      ledger.RoleAssistant,
		Content:   answer,
		CreatedAt: time.Now().UTC(),
	}
	_, err := p.ledger.Append(ctx, conversationID, owner, msg)
	if err != nil {
		logger.Warn("transcript append failed, retrying once", zap.Error(err))
		if _, err = p.ledger.Append(ctx, conversationID, owner, msg); err != nil {
			return fmt.Errorf("append assistant message: %w", err)
		}
	}

	if err := p.memory.StoreQA(ctx, owner, question, answer); err != nil {
		// Memory is best effort; the transcript is the source of truth.
		logger.Warn("qa memory write failed", zap.Error(err))
	}
	return nil
}

func policyPrompt(policyContext []string, question string) string {
	var sb strings.Builder
	sb.WriteString("Policy excerpts:\n")
	for _, chunk := range policyContext {
		sb.WriteString("- ")
		sb.WriteString(chunk)
		sb.WriteString("\n")
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// summaryPrompt assembles the grounding sections in fixed order:
// conversational memory, policy context, the question, then record results.
func summaryPrompt(memoryContext string, policyContext []string, question string, matched []records.Profile) string {
	var sb strings.Builder
	if memoryContext != "" {
		sb.WriteString("Previous conversation context:\n")
		sb.WriteString(memoryContext)
		sb.WriteString("\n\n")
	}
	if len(policyContext) > 0 {
		sb.WriteString("Relevant policy excerpts:\n")
		for _, chunk := range policyContext {
			sb.WriteString("- ")
			sb.WriteString(chunk)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nEmployee records:\n")
	if data, err := json.Marshal(matched); err == nil {
		sb.Write(data)
	} else {
		sb.WriteString("[]")
	}
	return sb.String()
}

func readable(text string) bool {
	trimmed := strings.TrimSpace(text)
	return len(trimmed) >= 20 && alphanumeric.MatchString(trimmed)
}

func title(question string) string {
	const maxTitle = 80
	if len(question) <= maxTitle {
		return question
	}
	return question[:maxTitle]
}
