// Package messaging is the application layer over the message store:
// input validation, per-call timeouts and error translation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier/cmd/internal/messages"
)

// DefaultOpTimeout bounds each store call when Config.OpTimeout is zero.
const DefaultOpTimeout = 5 * time.Second

// Config configures a Service.
type Config struct {
	OpTimeout       time.Duration
	MaxContentChars int
	Logger          *slog.Logger
}

// Service exposes message use cases on top of a messages.Store.
type Service struct {
	store    messages.Store
	timeout  time.Duration
	maxChars int
	log      *slog.Logger
}

// NewService builds a Service. A negative OpTimeout disables the per-call deadline.
func NewService(store messages.Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.MaxContentChars == 0 {
		cfg.MaxContentChars = DefaultMaxContentChars
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:    store,
		timeout:  cfg.OpTimeout,
		maxChars: cfg.MaxContentChars,
		log:      cfg.Logger,
	}, nil
}

// SendInput is a message to store. ID 0 lets the store pick the smallest free id.
// A zero SentAt means now.
type SendInput struct {
	ID       int64
	Sender   string
	Receiver string
	Content  string
	SentAt   time.Time
}

// Send validates and stores a new message.
func (s *Service) Send(ctx context.Context, in SendInput) (messages.Message, error) {
	const op = "messaging.Send"

	sender, receiver := normalizeUser(in.Sender), normalizeUser(in.Receiver)
	if err := validateMessage(op, sender, receiver, in.Content, s.maxChars); err != nil {
		return messages.Message{}, err
	}
	var problems []string
	if in.ID < 0 {
		problems = append(problems, "id must not be negative")
	}
	if !in.SentAt.IsZero() && !messages.SentAtInRange(in.SentAt) {
		problems = append(problems, "sent_at must be within years 1 to 9999")
	}
	if len(problems) > 0 {
		return messages.Message{}, &ValidationError{Op: op, Problems: problems}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.store.Create(ctx, messages.Message{
		ID:       in.ID,
		Sender:   sender,
		Receiver: receiver,
		Content:  in.Content,
		SentAt:   in.SentAt,
	})
	if err != nil {
		return messages.Message{}, s.fail(ctx, op, in.ID, err)
	}
	if res.Duplicated {
		return messages.Message{}, DuplicateError{Op: op, ID: in.ID, Existing: res.Stored}
	}

	s.log.DebugContext(ctx, "message.sent",
		slog.Int64("id", res.Stored.ID),
		slog.String("sender", sender),
		slog.String("receiver", receiver),
	)
	return res.Stored, nil
}

// Get loads one message.
func (s *Service) Get(ctx context.Context, id int64) (messages.Message, error) {
	const op = "messaging.Get"

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	m, found, err := s.store.FindByID(ctx, id)
	if err != nil {
		return messages.Message{}, s.fail(ctx, op, id, err)
	}
	if !found {
		return messages.Message{}, NotFoundError{Op: op, ID: id}
	}
	return m, nil
}

// Conversation returns every message exchanged between a and b, oldest first.
func (s *Service) Conversation(ctx context.Context, a, b string) ([]messages.Message, error) {
	const op = "messaging.Conversation"

	a, b = normalizeUser(a), normalizeUser(b)
	if err := validatePair(op, a, b); err != nil {
		return nil, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	out, err := s.store.Between(ctx, a, b)
	if err != nil {
		return nil, s.fail(ctx, op, 0, err)
	}
	return out, nil
}

// Inbox returns the newest message of each conversation user takes part in.
func (s *Service) Inbox(ctx context.Context, user string) ([]messages.Message, error) {
	const op = "messaging.Inbox"

	user = normalizeUser(user)
	if problems := checkUser("user", user, nil); len(problems) > 0 {
		return nil, &ValidationError{Op: op, Problems: problems}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	out, err := s.store.LatestPerConversation(ctx, user)
	if err != nil {
		return nil, s.fail(ctx, op, 0, err)
	}
	return out, nil
}

// Acknowledge marks message id and everything sent before it in the same
// conversation as received. It returns the ids whose flag changed.
func (s *Service) Acknowledge(ctx context.Context, id int64) ([]int64, error) {
	const op = "messaging.Acknowledge"

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ref, found, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, op, id, err)
	}
	if !found {
		return nil, NotFoundError{Op: op, ID: id}
	}

	changed, err := s.store.MarkReceivedUpTo(ctx, ref)
	if err != nil {
		return nil, s.fail(ctx, op, id, err)
	}
	return changed, nil
}

// MarkSeen flags the message as seen (and received).
func (s *Service) MarkSeen(ctx context.Context, id int64) error {
	const op = "messaging.MarkSeen"

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	found, err := s.store.MarkSeen(ctx, id)
	if err != nil {
		return s.fail(ctx, op, id, err)
	}
	if !found {
		return NotFoundError{Op: op, ID: id}
	}
	return nil
}

// Delete removes the message. Deleting a missing id is not an error.
func (s *Service) Delete(ctx context.Context, id int64) error {
	const op = "messaging.Delete"

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.store.Remove(ctx, id); err != nil {
		return s.fail(ctx, op, id, err)
	}
	return nil
}

// Edit replaces the content of message id. Sender, receiver, SentAt and the
// receipt flags stay as stored at the moment of the write.
func (s *Service) Edit(ctx context.Context, id int64, body string) (messages.Message, error) {
	const op = "messaging.Edit"

	if problems := checkContent(body, s.maxChars, nil); len(problems) > 0 {
		return messages.Message{}, &ValidationError{Op: op, Problems: problems}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	m, found, err := s.store.ReplaceContent(ctx, id, body)
	if err != nil {
		return messages.Message{}, s.fail(ctx, op, id, err)
	}
	if !found {
		return messages.Message{}, NotFoundError{Op: op, ID: id}
	}
	return m, nil
}

// Count returns the number of stored messages.
func (s *Service) Count(ctx context.Context) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, s.fail(ctx, "messaging.Count", 0, err)
	}
	return n, nil
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// fail translates a store error for callers.
func (s *Service) fail(ctx context.Context, op string, id int64, err error) error {
	if messages.IsStorage(err) {
		transient := messages.IsTransient(err)
		s.log.WarnContext(ctx, "message.op.fail",
			slog.String("op", op),
			slog.Int64("id", id),
			slog.Bool("transient", transient),
			slog.Any("err", err),
		)
		return &RetryableError{Op: op, Transient: transient, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
