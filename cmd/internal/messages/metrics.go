package messages

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels recorded by InstrumentedStore.
const (
	resultOK        = "ok"
	resultNotFound  = "not_found"
	resultDuplicate = "duplicate"
	resultError     = "error"
)

// Metrics holds the store collectors.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the store collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Message store operations by outcome.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Message store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// InstrumentedStore records counters and latency for every call to the
// wrapped Store and logs failures.
type InstrumentedStore struct {
	inner   Store
	metrics *Metrics
	log     *slog.Logger
}

// NewInstrumentedStore wraps inner.
func NewInstrumentedStore(inner Store, metrics *Metrics, log *slog.Logger) (*InstrumentedStore, error) {
	if inner == nil || metrics == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	return &InstrumentedStore{inner: inner, metrics: metrics, log: log}, nil
}

func (s *InstrumentedStore) observe(ctx context.Context, op string, id int64, start time.Time, result string, err error) {
	if err != nil {
		result = resultError
	}
	s.metrics.ops.WithLabelValues(op, result).Inc()
	s.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		s.log.ErrorContext(ctx, "store.op.fail",
			slog.String("op", op),
			slog.Int64("id", id),
			slog.Any("err", err),
		)
	}
}

func createResult(res CreateResult) string {
	if res.Duplicated {
		return resultDuplicate
	}
	return resultOK
}

func foundResult(found bool) string {
	if found {
		return resultOK
	}
	return resultNotFound
}

func (s *InstrumentedStore) Create(ctx context.Context, m Message) (CreateResult, error) {
	start := time.Now()
	res, err := s.inner.Create(ctx, m)
	s.observe(ctx, "Create", m.ID, start, createResult(res), err)
	return res, err
}

func (s *InstrumentedStore) FindByID(ctx context.Context, id int64) (Message, bool, error) {
	start := time.Now()
	m, found, err := s.inner.FindByID(ctx, id)
	s.observe(ctx, "FindByID", id, start, foundResult(found), err)
	return m, found, err
}

func (s *InstrumentedStore) FindAll(ctx context.Context) ([]Message, error) {
	start := time.Now()
	out, err := s.inner.FindAll(ctx)
	s.observe(ctx, "FindAll", 0, start, resultOK, err)
	return out, err
}

func (s *InstrumentedStore) Remove(ctx context.Context, id int64) error {
	start := time.Now()
	err := s.inner.Remove(ctx, id)
	s.observe(ctx, "Remove", id, start, resultOK, err)
	return err
}

func (s *InstrumentedStore) Update(ctx context.Context, id int64, m Message) (CreateResult, error) {
	start := time.Now()
	res, err := s.inner.Update(ctx, id, m)
	s.observe(ctx, "Update", id, start, createResult(res), err)
	return res, err
}

func (s *InstrumentedStore) ReplaceContent(ctx context.Context, id int64, body string) (Message, bool, error) {
	start := time.Now()
	m, found, err := s.inner.ReplaceContent(ctx, id, body)
	s.observe(ctx, "ReplaceContent", id, start, foundResult(found), err)
	return m, found, err
}

func (s *InstrumentedStore) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.inner.Count(ctx)
	s.observe(ctx, "Count", 0, start, resultOK, err)
	return n, err
}

func (s *InstrumentedStore) NextAvailableID(ctx context.Context) (int64, error) {
	start := time.Now()
	id, err := s.inner.NextAvailableID(ctx)
	s.observe(ctx, "NextAvailableID", 0, start, resultOK, err)
	return id, err
}

func (s *InstrumentedStore) IsAvailable(ctx context.Context, id int64) (bool, error) {
	start := time.Now()
	ok, err := s.inner.IsAvailable(ctx, id)
	s.observe(ctx, "IsAvailable", id, start, resultOK, err)
	return ok, err
}

func (s *InstrumentedStore) LatestPerConversation(ctx context.Context, user string) ([]Message, error) {
	start := time.Now()
	out, err := s.inner.LatestPerConversation(ctx, user)
	s.observe(ctx, "LatestPerConversation", 0, start, resultOK, err)
	return out, err
}

func (s *InstrumentedStore) Between(ctx context.Context, userA, userB string) ([]Message, error) {
	start := time.Now()
	out, err := s.inner.Between(ctx, userA, userB)
	s.observe(ctx, "Between", 0, start, resultOK, err)
	return out, err
}

func (s *InstrumentedStore) MarkReceivedUpTo(ctx context.Context, ref Message) ([]int64, error) {
	start := time.Now()
	ids, err := s.inner.MarkReceivedUpTo(ctx, ref)
	s.observe(ctx, "MarkReceivedUpTo", ref.ID, start, resultOK, err)
	return ids, err
}

func (s *InstrumentedStore) MarkSeen(ctx context.Context, id int64) (bool, error) {
	start := time.Now()
	found, err := s.inner.MarkSeen(ctx, id)
	s.observe(ctx, "MarkSeen", id, start, foundResult(found), err)
	return found, err
}

func (s *InstrumentedStore) Close() error { return s.inner.Close() }
