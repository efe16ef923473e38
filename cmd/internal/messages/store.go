package messages

import (
	"context"
	"regexp"
	"strings"
	"time"

	"courier/cmd/internal/content"
)

// Repository is the CRUD surface of the message store.
//
// Requirements:
//   - Create is insert-if-absent: an existing id yields Duplicated=true and no write
//   - Metadata and chunks are written and removed atomically
//   - A missing row is reported as found=false, never as an error
type Repository interface {
	Create(ctx context.Context, m Message) (CreateResult, error)
	FindByID(ctx context.Context, id int64) (Message, bool, error)
	FindAll(ctx context.Context) ([]Message, error)
	Remove(ctx context.Context, id int64) error
	// Update replaces the message: Remove(id) then Create(m) in one transaction.
	Update(ctx context.Context, id int64, m Message) (CreateResult, error)
	// ReplaceContent swaps the content of message id in one transaction,
	// keeping the stored metadata and flags. found=false when id is missing.
	ReplaceContent(ctx context.Context, id int64, body string) (Message, bool, error)
	Count(ctx context.Context) (int64, error)
	// NextAvailableID returns the smallest positive id not in use.
	NextAvailableID(ctx context.Context) (int64, error)
	IsAvailable(ctx context.Context, id int64) (bool, error)
}

// Conversations is the query and receipt surface over {sender, receiver} pairs.
type Conversations interface {
	// LatestPerConversation returns the newest message of every pair user is part of.
	LatestPerConversation(ctx context.Context, user string) ([]Message, error)
	// Between returns the pair's messages ordered by SentAt ascending.
	Between(ctx context.Context, userA, userB string) ([]Message, error)
	// MarkReceivedUpTo flags messages sent at or before ref.SentAt as received
	// and returns the ids it changed.
	MarkReceivedUpTo(ctx context.Context, ref Message) ([]int64, error)
	// MarkSeen flags the message as received and seen. found=false when missing.
	MarkSeen(ctx context.Context, id int64) (bool, error)
}

// Store is the full message store.
type Store interface {
	Repository
	Conversations
	Close() error
}

type settings struct {
	schema    string
	chunkSize int
	scope     ReceiptScope
	now       func() time.Time
}

func defaultSettings() settings {
	return settings{
		schema:    "courier",
		chunkSize: content.DefaultChunkSize,
		scope:     ReceiptSameDirection,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Option configures a store.
type Option func(*settings) error

// WithSchema sets the PostgreSQL schema (default: "courier"). SQLite ignores it.
// The name is validated and quoted in queries.
func WithSchema(schema string) Option {
	return func(s *settings) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !isValidIdent(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// WithChunkSize sets the maximum characters per stored chunk (default 256).
func WithChunkSize(n int) Option {
	return func(s *settings) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		s.chunkSize = n
		return nil
	}
}

// WithReceiptScope selects the direction coverage of MarkReceivedUpTo.
func WithReceiptScope(scope ReceiptScope) Option {
	return func(s *settings) error {
		if scope != ReceiptSameDirection && scope != ReceiptBothDirections {
			return ErrInvalidInput
		}
		s.scope = scope
		return nil
	}
}

// WithClock overrides the clock used for messages submitted without SentAt.
func WithClock(now func() time.Time) Option {
	return func(s *settings) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

func applyOptions(opts []Option) (settings, error) {
	st := defaultSettings()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&st); err != nil {
			return settings{}, err
		}
	}
	return st, nil
}

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidIdent(s string) bool {
	return identRE.MatchString(s)
}
