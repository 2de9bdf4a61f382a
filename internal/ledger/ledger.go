// Package ledger is the append-only conversation transcript store.
//
// Each conversation is a single value keyed by its identifier; appends read
// the current transcript, extend it, and write back inside one badger
// transaction, so concurrent turns on the same conversation never interleave
// partial histories.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("cisod.ledger")

var (
	// ErrNotFound indicates the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrWrongOwner indicates the conversation belongs to a different user.
	ErrWrongOwner = errors.New("conversation owned by another user")
)

const conversationPrefix = "conv:"

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a full transcript with its ownership metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ledger persists conversations in a badger database.
type Ledger struct {
	db     *badger.DB
	logger *zap.Logger
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, args ...any)   { l.logger.Errorf(msg, args...) }
func (l *badgerLogger) Warningf(msg string, args ...any) { l.logger.Warnf(msg, args...) }
func (l *badgerLogger) Infof(msg string, args ...any)    { l.logger.Debugf(msg, args...) }
func (l *badgerLogger) Debugf(msg string, args ...any)   { l.logger.Debugf(msg, args...) }

// Open opens (creating if necessary) the ledger database at path. An empty
// path opens an in-memory database, used by tests.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{logger: logger.Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func key(id string) []byte {
	return []byte(conversationPrefix + id)
}

// Create starts a new conversation for owner and returns it.
func (l *Ledger) Create(ctx context.Context, owner, title string) (*Conversation, error) {
	_, span := tracer.Start(ctx, "ledger.Create")
	defer span.End()

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return txn.Set(key(conv.ID), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("conversation_id", conv.ID))
	span.SetStatus(codes.Ok, "")
	return conv, nil
}

// Append adds messages to the conversation identified by (id, owner) in one
// transaction. A conflicting concurrent append is retried once; transcripts
// only ever grow.
func (l *Ledger) Append(ctx context.Context, id, owner string, messages ...Message) (*Conversation, error) {
	_, span := tracer.Start(ctx, "ledger.Append")
	defer span.End()

	var conv *Conversation
	attempt := func() error {
		return l.db.Update(func(txn *badger.Txn) error {
			current, err := l.load(txn, id)
			if err != nil {
				return err
			}
			if current.Owner != owner {
				return ErrWrongOwner
			}
			current.Messages = append(current.Messages, messages...)
			current.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("marshal conversation: %w", err)
			}
			if err := txn.Set(key(id), data); err != nil {
				return err
			}
			conv = current
			return nil
		})
	}

	err := attempt()
	if errors.Is(err, badger.ErrConflict) {
		err = attempt()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("conversation_id", id),
		attribute.Int("appended", len(messages)),
	)
	span.SetStatus(codes.Ok, "")
	return conv, nil
}

// Get returns the conversation identified by (id, owner).
func (l *Ledger) Get(ctx context.Context, id, owner string) (*Conversation, error) {
	_, span := tracer.Start(ctx, "ledger.Get")
	defer span.End()

	var conv *Conversation
	err := l.db.View(func(txn *badger.Txn) error {
		current, err := l.load(txn, id)
		if err != nil {
			return err
		}
		if current.Owner != owner {
			return ErrWrongOwner
		}
		conv = current
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return conv, nil
}

// List returns the owner's conversations, most recently updated first.
func (l *Ledger) List(ctx context.Context, owner string) ([]*Conversation, error) {
	_, span := tracer.Start(ctx, "ledger.List")
	defer span.End()

	var convs []*Conversation
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(conversationPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var conv Conversation
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &conv)
			})
			if err != nil {
				return fmt.Errorf("unmarshal conversation: %w", err)
			}
			if conv.Owner != owner {
				continue
			}
			c := conv
			convs = append(convs, &c)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	span.SetAttributes(attribute.Int("count", len(convs)))
	span.SetStatus(codes.Ok, "")
	return convs, nil
}

func (l *Ledger) load(txn *badger.Txn, id string) (*Conversation, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var conv Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}
