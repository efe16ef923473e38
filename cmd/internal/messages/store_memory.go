package messages

import (
	"context"
	"sort"
	"sync"

	"courier/cmd/internal/content"
)

// MemoryStore is a dev-only Store kept in process memory.
// It stores content as chunks like the SQL stores so the same invariants hold.
type MemoryStore struct {
	cfg settings

	mu     sync.RWMutex
	metas  map[int64]Message // Content is always empty here
	chunks map[int64][]content.Chunk
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore(opts ...Option) (*MemoryStore, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		cfg:    cfg,
		metas:  make(map[int64]Message),
		chunks: make(map[int64][]content.Chunk),
	}, nil
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(ctx context.Context, m Message) (CreateResult, error) {
	if s == nil || m.ID < 0 {
		return CreateResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, storageErr("Create", m.ID, err)
	}

	m, err := prepare(m, s.cfg.now())
	if err != nil {
		return CreateResult{}, err
	}
	chunks, err := content.Chunks(m.Content, s.cfg.chunkSize)
	if err != nil {
		return CreateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createLocked(m, chunks)
}

func (s *MemoryStore) createLocked(m Message, chunks []content.Chunk) (CreateResult, error) {
	if m.ID == 0 {
		m.ID = s.nextIDLocked()
	}
	if _, taken := s.metas[m.ID]; taken {
		existing, err := s.loadLocked(m.ID)
		if err != nil {
			return CreateResult{}, storageErr("Create", m.ID, err)
		}
		return CreateResult{Stored: existing, Duplicated: true}, nil
	}

	meta := m
	meta.Content = ""
	s.metas[m.ID] = meta
	s.chunks[m.ID] = chunks
	return CreateResult{Stored: m}, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id int64) (Message, bool, error) {
	if s == nil {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, storageErr("FindByID", id, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.metas[id]; !ok {
		return Message{}, false, nil
	}
	m, err := s.loadLocked(id)
	if err != nil {
		return Message{}, false, storageErr("FindByID", id, err)
	}
	return m, true, nil
}

func (s *MemoryStore) FindAll(ctx context.Context) ([]Message, error) {
	return s.selectSorted(ctx, "FindAll", func(Message) bool { return true }, func(a, b Message) bool {
		return a.ID < b.ID
	})
}

func (s *MemoryStore) Remove(ctx context.Context, id int64) error {
	if s == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return storageErr("Remove", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.metas, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id int64, m Message) (CreateResult, error) {
	if s == nil || m.ID < 0 {
		return CreateResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, storageErr("Update", id, err)
	}

	m, err := prepare(m, s.cfg.now())
	if err != nil {
		return CreateResult{}, err
	}
	chunks, err := content.Chunks(m.Content, s.cfg.chunkSize)
	if err != nil {
		return CreateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.metas, id)
	delete(s.chunks, id)
	return s.createLocked(m, chunks)
}

func (s *MemoryStore) ReplaceContent(ctx context.Context, id int64, body string) (Message, bool, error) {
	if s == nil || id <= 0 || HasNUL(body) {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, storageErr("ReplaceContent", id, err)
	}
	chunks, err := content.Chunks(body, s.cfg.chunkSize)
	if err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metas[id]
	if !ok {
		return Message{}, false, nil
	}
	s.chunks[id] = chunks
	m.Content = body
	return m, true, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, storageErr("Count", 0, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.metas)), nil
}

func (s *MemoryStore) NextAvailableID(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, storageErr("NextAvailableID", 0, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIDLocked(), nil
}

// nextIDLocked walks up from 1; at most len(metas)+1 lookups.
func (s *MemoryStore) nextIDLocked() int64 {
	id := int64(1)
	for {
		if _, taken := s.metas[id]; !taken {
			return id
		}
		id++
	}
}

func (s *MemoryStore) IsAvailable(ctx context.Context, id int64) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, storageErr("IsAvailable", id, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, taken := s.metas[id]
	return !taken, nil
}

func (s *MemoryStore) LatestPerConversation(ctx context.Context, user string) ([]Message, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("LatestPerConversation", 0, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[[2]string]Message)
	for _, m := range s.metas {
		if m.Sender != user && m.Receiver != user {
			continue
		}
		key := pairKey(m.Sender, m.Receiver)
		if cur, ok := latest[key]; !ok || newer(m, cur) {
			latest[key] = m
		}
	}

	out := make([]Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })

	out, err := s.fillLocked(out)
	if err != nil {
		return nil, storageErr("LatestPerConversation", 0, err)
	}
	return out, nil
}

func (s *MemoryStore) Between(ctx context.Context, userA, userB string) ([]Message, error) {
	return s.selectSorted(ctx, "Between",
		func(m Message) bool {
			return (m.Sender == userA && m.Receiver == userB) || (m.Sender == userB && m.Receiver == userA)
		},
		func(a, b Message) bool { return newer(b, a) },
	)
}

func (s *MemoryStore) MarkReceivedUpTo(ctx context.Context, ref Message) ([]int64, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("MarkReceivedUpTo", ref.ID, err)
	}

	cutoff := normalizeSentAt(ref.SentAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int64
	for id, m := range s.metas {
		if m.Received || m.SentAt.After(cutoff) || !s.inReceiptScope(m, ref) {
			continue
		}
		m.Received = true
		s.metas[id] = m
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *MemoryStore) inReceiptScope(m, ref Message) bool {
	if m.Sender == ref.Sender && m.Receiver == ref.Receiver {
		return true
	}
	return s.cfg.scope == ReceiptBothDirections && m.Sender == ref.Receiver && m.Receiver == ref.Sender
}

func (s *MemoryStore) MarkSeen(ctx context.Context, id int64) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, storageErr("MarkSeen", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metas[id]
	if !ok {
		return false, nil
	}
	m.Received, m.Seen = true, true
	s.metas[id] = m
	return true, nil
}

func (s *MemoryStore) selectSorted(ctx context.Context, op string, keep func(Message) bool, less func(a, b Message) bool) ([]Message, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, 0, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.metas {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })

	out, err := s.fillLocked(out)
	if err != nil {
		return nil, storageErr(op, 0, err)
	}
	return out, nil
}

func (s *MemoryStore) loadLocked(id int64) (Message, error) {
	out, err := s.fillLocked([]Message{s.metas[id]})
	if err != nil {
		return Message{}, err
	}
	return out[0], nil
}

func (s *MemoryStore) fillLocked(metas []Message) ([]Message, error) {
	byID := make(map[int64][]content.Chunk, len(metas))
	for _, m := range metas {
		byID[m.ID] = s.chunks[m.ID]
	}
	return assembleAll(metas, byID)
}

// newer reports whether a comes before b in newest-first order.
func newer(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return a.ID > b.ID
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
