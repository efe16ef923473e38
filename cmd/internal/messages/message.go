package messages

import (
	"fmt"
	"strings"
	"time"

	"courier/cmd/internal/content"
)

// Message is the fully materialized chat message.
type Message struct {
	ID       int64     `json:"id"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Content  string    `json:"content"`
	Received bool      `json:"received"`
	Seen     bool      `json:"seen"`
	SentAt   time.Time `json:"sent_at"`
}

// CreateResult is the outcome of an insert-if-absent write.
type CreateResult struct {
	Stored Message
	// Duplicated is true when a message with the same id already existed.
	// Stored is then the existing record and nothing was written.
	Duplicated bool
}

// ReceiptScope selects which direction of a conversation MarkReceivedUpTo covers.
type ReceiptScope int

const (
	// ReceiptSameDirection only marks messages with the reference's exact
	// sender and receiver.
	ReceiptSameDirection ReceiptScope = iota
	// ReceiptBothDirections marks messages of the pair in either direction.
	ReceiptBothDirections
)

func (s ReceiptScope) String() string {
	switch s {
	case ReceiptBothDirections:
		return "both_directions"
	default:
		return "same_direction"
	}
}

// ParseReceiptScope maps a config value to a ReceiptScope.
func ParseReceiptScope(v string) (ReceiptScope, error) {
	switch v {
	case "", "same_direction":
		return ReceiptSameDirection, nil
	case "both_directions":
		return ReceiptBothDirections, nil
	}
	return ReceiptSameDirection, ErrInvalidInput
}

// normalizeSentAt maps a timestamp onto what DATE + TIME columns can hold.
func normalizeSentAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SentAtInRange reports whether t falls in years 1 through 9999, the range
// every backend stores with a four-digit year.
func SentAtInRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 1 && y <= 9999
}

// HasNUL reports whether s contains a NUL byte. PostgreSQL TEXT cannot hold one.
func HasNUL(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}

// prepare applies write-time normalization shared by every store and rejects
// values some backend could not store faithfully.
func prepare(m Message, now time.Time) (Message, error) {
	if m.SentAt.IsZero() {
		m.SentAt = now
	}
	m.SentAt = normalizeSentAt(m.SentAt)
	if !SentAtInRange(m.SentAt) {
		return Message{}, ErrInvalidInput
	}
	if HasNUL(m.Sender) || HasNUL(m.Receiver) || HasNUL(m.Content) {
		return Message{}, ErrInvalidInput
	}
	if m.Seen {
		m.Received = true
	}
	return m, nil
}

func splitSentAt(t time.Time) (date time.Time, micros int64) {
	t = normalizeSentAt(t)
	date = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	micros = t.Sub(date).Microseconds()
	return date, micros
}

func joinSentAt(date time.Time, micros int64) time.Time {
	d := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return d.Add(time.Duration(micros) * time.Microsecond)
}

// assembleAll fills Content for every meta from its chunks.
// A message without a valid 1..N chunk range is reported as corrupted.
func assembleAll(metas []Message, byID map[int64][]content.Chunk) ([]Message, error) {
	for i := range metas {
		body, err := content.Assemble(byID[metas[i].ID])
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", metas[i].ID, err)
		}
		metas[i].Content = body
	}
	return metas, nil
}
