package messages

import (
	"context"
	"errors"

	"courier/cmd/internal/content"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxAllocAttempts bounds retries when an allocated id collides with a
// concurrent insert that carried an explicit id.
const maxAllocAttempts = 5

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Create/Update run in one READ COMMITTED transaction each, so metadata is
//     never visible without its chunks.
//   - Store-assigned ids are allocated under a transactional advisory lock.
//   - Multi-statement reads run in a REPEATABLE READ read-only snapshot.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  settings

	messages string
	chunks   string
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		pool:     pool,
		cfg:      cfg,
		messages: pgIdent(cfg.schema, "messages"),
		chunks:   pgIdent(cfg.schema, "message_content"),
	}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Create stores m and its chunks unless the id is taken.
func (s *PostgresStore) Create(ctx context.Context, m Message) (CreateResult, error) {
	if s == nil || s.pool == nil || m.ID < 0 {
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

	var res CreateResult
	err = s.withWriteTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = s.createTx(ctx, tx, m, chunks)
		return err
	})
	if err != nil {
		return CreateResult{}, storageErr("Create", m.ID, err)
	}
	return res, nil
}

// FindByID loads one message with its reassembled content.
func (s *PostgresStore) FindByID(ctx context.Context, id int64) (Message, bool, error) {
	if s == nil || s.pool == nil {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, storageErr("FindByID", id, err)
	}

	var (
		out   Message
		found bool
	)
	err := s.withReadTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, found, err = s.loadTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return Message{}, false, storageErr("FindByID", id, err)
	}
	return out, found, nil
}

// FindAll returns every message ordered by id.
func (s *PostgresStore) FindAll(ctx context.Context) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	out, err := s.queryMessages(ctx,
		`SELECT `+metaColumns+` FROM `+s.messages+` ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("FindAll", 0, err)
	}
	return out, nil
}

// Remove deletes the message; chunks follow through ON DELETE CASCADE.
func (s *PostgresStore) Remove(ctx context.Context, id int64) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return storageErr("Remove", id, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.messages+` WHERE id = $1`, id); err != nil {
		return storageErr("Remove", id, err)
	}
	return nil
}

// Update replaces message id with m in a single transaction.
func (s *PostgresStore) Update(ctx context.Context, id int64, m Message) (CreateResult, error) {
	if s == nil || s.pool == nil || m.ID < 0 {
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

	var res CreateResult
	err = s.withWriteTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM `+s.messages+` WHERE id = $1`, id); err != nil {
			return err
		}
		var err error
		res, err = s.createTx(ctx, tx, m, chunks)
		return err
	})
	if err != nil {
		return CreateResult{}, storageErr("Update", id, err)
	}
	return res, nil
}

// ReplaceContent rewrites the chunks of message id under a row lock, so
// concurrent receipts and removals are never lost or undone.
func (s *PostgresStore) ReplaceContent(ctx context.Context, id int64, body string) (Message, bool, error) {
	if s == nil || s.pool == nil || id <= 0 || HasNUL(body) {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, storageErr("ReplaceContent", id, err)
	}
	chunks, err := content.Chunks(body, s.cfg.chunkSize)
	if err != nil {
		return Message{}, false, err
	}

	var (
		out   Message
		found bool
	)
	err = s.withWriteTx(ctx, func(tx pgx.Tx) error {
		m, err := scanMeta(tx.QueryRow(ctx,
			`SELECT `+metaColumns+` FROM `+s.messages+` WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+s.chunks+` WHERE message_id = $1`, id); err != nil {
			return err
		}
		if err := s.copyChunksTx(ctx, tx, id, chunks); err != nil {
			return err
		}
		m.Content = body
		out, found = m, true
		return nil
	})
	if err != nil {
		return Message{}, false, storageErr("ReplaceContent", id, err)
	}
	return out, found, nil
}

// Count returns the number of stored messages.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.messages).Scan(&n); err != nil {
		return 0, storageErr("Count", 0, err)
	}
	return n, nil
}

// NextAvailableID returns the smallest positive id not in use (1 on an empty store).
func (s *PostgresStore) NextAvailableID(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrInvalidInput
	}
	var id int64
	if err := s.pool.QueryRow(ctx, s.nextIDQuery()).Scan(&id); err != nil {
		return 0, storageErr("NextAvailableID", 0, err)
	}
	return id, nil
}

// IsAvailable reports whether no message uses id.
func (s *PostgresStore) IsAvailable(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrInvalidInput
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.messages+` WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, storageErr("IsAvailable", id, err)
	}
	return !exists, nil
}

// LatestPerConversation returns the newest message of each pair user belongs to,
// newest conversation first. Exact timestamp ties go to the higher id.
func (s *PostgresStore) LatestPerConversation(ctx context.Context, user string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	out, err := s.queryMessages(ctx,
		`SELECT `+metaColumns+` FROM (
		   SELECT DISTINCT ON (LEAST(sender, receiver), GREATEST(sender, receiver))
		          `+metaColumns+`
		     FROM `+s.messages+`
		    WHERE sender = $1 OR receiver = $1
		    ORDER BY LEAST(sender, receiver), GREATEST(sender, receiver),
		             sent_date DESC, sent_time DESC, id DESC
		 ) latest
		 ORDER BY sent_date DESC, sent_time DESC, id DESC`,
		user,
	)
	if err != nil {
		return nil, storageErr("LatestPerConversation", 0, err)
	}
	return out, nil
}

// Between returns the pair's messages in either direction, oldest first.
func (s *PostgresStore) Between(ctx context.Context, userA, userB string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	out, err := s.queryMessages(ctx,
		`SELECT `+metaColumns+`
		   FROM `+s.messages+`
		  WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		  ORDER BY sent_date ASC, sent_time ASC, id ASC`,
		userA, userB,
	)
	if err != nil {
		return nil, storageErr("Between", 0, err)
	}
	return out, nil
}

// MarkReceivedUpTo flags every not-yet-received message of ref's pair sent at or
// before ref.SentAt. The direction coverage follows the store's ReceiptScope.
func (s *PostgresStore) MarkReceivedUpTo(ctx context.Context, ref Message) ([]int64, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("MarkReceivedUpTo", ref.ID, err)
	}

	pair := `sender = $1 AND receiver = $2`
	if s.cfg.scope == ReceiptBothDirections {
		pair = `((sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1))`
	}

	date, micros := splitSentAt(ref.SentAt)
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.messages+`
		    SET received = true
		  WHERE `+pair+`
		    AND received = false
		    AND (sent_date < $3 OR (sent_date = $3 AND sent_time <= $4))
		RETURNING id`,
		ref.Sender, ref.Receiver, pgDate(date), pgTime(micros),
	)
	if err != nil {
		return nil, storageErr("MarkReceivedUpTo", ref.ID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, storageErr("MarkReceivedUpTo", ref.ID, err)
	}
	return ids, nil
}

// MarkSeen flags the message as received and seen.
func (s *PostgresStore) MarkSeen(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.messages+` SET received = true, seen = true WHERE id = $1`, id)
	if err != nil {
		return false, storageErr("MarkSeen", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, sql string, args ...any) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Message
	err := s.withReadTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		metas, err := collectMeta(rows)
		if err != nil {
			return err
		}
		out, err = s.attachContentTx(ctx, tx, metas)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) nextIDQuery() string {
	return `SELECT CASE
	          WHEN NOT EXISTS (SELECT 1 FROM ` + s.messages + ` WHERE id = 1) THEN 1
	          ELSE (SELECT MIN(m1.id + 1)
	                  FROM ` + s.messages + ` m1
	                  LEFT JOIN ` + s.messages + ` m2 ON m2.id = m1.id + 1
	                 WHERE m2.id IS NULL)
	        END`
}

var (
	// errVanished means the row that blocked our insert was deleted before we could read it.
	errVanished = errors.New("conflicting message disappeared during create")

	errAllocExhausted = errors.New("could not allocate a free message id")
)

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
