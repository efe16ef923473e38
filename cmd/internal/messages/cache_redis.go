package messages

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCacheTTL bounds how long a cached message may outlive a missed invalidation.
	DefaultCacheTTL = 5 * time.Minute

	defaultCachePrefix = "courier:msg:"
)

// CacheConfig configures CachedStore.
type CacheConfig struct {
	TTL       time.Duration
	KeyPrefix string
	Logger    *slog.Logger
}

// CachedStore is a read-through Redis cache in front of another Store.
//
// Only FindByID is served from Redis. Every mutation invalidates the ids it
// touched once the underlying write has succeeded. Redis faults are logged
// and bypassed; errors from the wrapped store are always returned.
type CachedStore struct {
	Store

	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewCachedStore wraps inner. The Redis client is owned by the caller.
func NewCachedStore(inner Store, rdb redis.UniversalClient, cfg CacheConfig) (*CachedStore, error) {
	if inner == nil || rdb == nil {
		return nil, ErrInvalidInput
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultCachePrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CachedStore{
		Store:  inner,
		rdb:    rdb,
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		log:    cfg.Logger,
	}, nil
}

// Keys share a hash tag so the entry and its generation live in one cluster slot.
func (c *CachedStore) key(id int64) string {
	return c.prefix + "{" + strconv.FormatInt(id, 10) + "}"
}

func (c *CachedStore) genKey(id int64) string {
	return c.key(id) + ":gen"
}

// FindByID serves from Redis when possible and fills the cache on a miss.
// Absent messages are not cached. A fill is dropped when an invalidation of
// the same id happened while the message was being loaded.
func (c *CachedStore) FindByID(ctx context.Context, id int64) (Message, bool, error) {
	if m, ok := c.get(ctx, id); ok {
		return m, true, nil
	}

	gen, genOK := c.generation(ctx, id)
	m, found, err := c.Store.FindByID(ctx, id)
	if err != nil || !found {
		return m, found, err
	}
	if genOK {
		c.put(ctx, m, gen)
	}
	return m, true, nil
}

// ReplaceContent invalidates id once the new content is committed.
func (c *CachedStore) ReplaceContent(ctx context.Context, id int64, body string) (Message, bool, error) {
	m, found, err := c.Store.ReplaceContent(ctx, id, body)
	if err != nil {
		return m, found, err
	}
	if found {
		c.invalidate(ctx, id)
	}
	return m, found, nil
}

func (c *CachedStore) Create(ctx context.Context, m Message) (CreateResult, error) {
	res, err := c.Store.Create(ctx, m)
	if err != nil {
		return res, err
	}
	if !res.Duplicated {
		c.invalidate(ctx, res.Stored.ID)
	}
	return res, nil
}

func (c *CachedStore) Remove(ctx context.Context, id int64) error {
	if err := c.Store.Remove(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

// Update invalidates both the replaced id and the id the replacement landed on.
func (c *CachedStore) Update(ctx context.Context, id int64, m Message) (CreateResult, error) {
	res, err := c.Store.Update(ctx, id, m)
	if err != nil {
		return res, err
	}
	c.invalidate(ctx, id, res.Stored.ID)
	return res, nil
}

func (c *CachedStore) MarkReceivedUpTo(ctx context.Context, ref Message) ([]int64, error) {
	ids, err := c.Store.MarkReceivedUpTo(ctx, ref)
	if err != nil {
		return ids, err
	}
	c.invalidate(ctx, ids...)
	return ids, nil
}

func (c *CachedStore) MarkSeen(ctx context.Context, id int64) (bool, error) {
	found, err := c.Store.MarkSeen(ctx, id)
	if err != nil {
		return found, err
	}
	if found {
		c.invalidate(ctx, id)
	}
	return found, nil
}

func (c *CachedStore) get(ctx context.Context, id int64) (Message, bool) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, false
	}
	if err != nil {
		c.fault(ctx, "get", id, err)
		return Message{}, false
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		c.fault(ctx, "decode", id, err)
		c.invalidate(ctx, id)
		return Message{}, false
	}
	return m, true
}

// errStaleFill aborts a fill whose generation moved on.
var errStaleFill = errors.New("cache fill raced an invalidation")

func (c *CachedStore) generation(ctx context.Context, id int64) (int64, bool) {
	gen, err := c.rdb.Get(ctx, c.genKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		c.fault(ctx, "gen", id, err)
		return 0, false
	}
	return gen, true
}

// put stores m only if the generation read before the load is still current.
// WATCH makes a concurrent invalidation abort the transaction.
func (c *CachedStore) put(ctx context.Context, m Message, gen int64) {
	raw, err := json.Marshal(m)
	if err != nil {
		c.fault(ctx, "encode", m.ID, err)
		return
	}

	genKey := c.genKey(m.ID)
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(m.ID), raw, c.ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil, errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
	default:
		c.fault(ctx, "set", m.ID, err)
	}
}

// invalidate bumps the generation of every id and drops its entry in one
// MULTI/EXEC, so in-flight fills for those ids are discarded.
func (c *CachedStore) invalidate(ctx context.Context, ids ...int64) {
	live := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range live {
			genKey := c.genKey(id)
			pipe.Incr(ctx, genKey)
			pipe.Expire(ctx, genKey, c.genTTL())
			pipe.Del(ctx, c.key(id))
		}
		return nil
	})
	if err != nil {
		// Stale entries expire after the TTL.
		c.fault(ctx, "del", live[0], err)
	}
}

// genTTL outlives any cached entry so a fill never sees a reset generation.
func (c *CachedStore) genTTL() time.Duration {
	return 2 * c.ttl
}

func (c *CachedStore) fault(ctx context.Context, action string, id int64, err error) {
	c.log.WarnContext(ctx, "store.cache.fail",
		slog.String("action", action),
		slog.Int64("id", id),
		slog.Any("err", err),
	)
}
