package messages

import (
	"context"
	"errors"
	"time"

	"courier/cmd/internal/content"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const metaColumns = `id, sender, receiver, sent_date, sent_time, received, seen`

func (s *PostgresStore) withWriteTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, fn)
}

func (s *PostgresStore) withReadTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) withTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// createTx inserts metadata and chunks, or returns the existing row on id conflict.
// m must already be prepared.
func (s *PostgresStore) createTx(ctx context.Context, tx pgx.Tx, m Message, chunks []content.Chunk) (CreateResult, error) {
	allocate := m.ID == 0
	if allocate {
		// Serialize id allocation so two store-assigned creates never pick the same gap.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.messages+".id"); err != nil {
			return CreateResult{}, err
		}
	}

	date, micros := splitSentAt(m.SentAt)

	for attempt := 0; ; attempt++ {
		if allocate {
			if err := tx.QueryRow(ctx, s.nextIDQuery()).Scan(&m.ID); err != nil {
				return CreateResult{}, err
			}
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO `+s.messages+` (`+metaColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.Sender, m.Receiver, pgDate(date), pgTime(micros), m.Received, m.Seen,
		)
		if err != nil {
			return CreateResult{}, err
		}
		if tag.RowsAffected() == 1 {
			break
		}

		// An allocated id can only collide with a concurrent explicit-id insert; pick again.
		if allocate {
			if attempt+1 < maxAllocAttempts {
				continue
			}
			return CreateResult{}, errAllocExhausted
		}

		existing, found, err := s.loadTx(ctx, tx, m.ID)
		if err != nil {
			return CreateResult{}, err
		}
		if !found {
			return CreateResult{}, errVanished
		}
		return CreateResult{Stored: existing, Duplicated: true}, nil
	}

	if err := s.copyChunksTx(ctx, tx, m.ID, chunks); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Stored: m}, nil
}

func (s *PostgresStore) copyChunksTx(ctx context.Context, tx pgx.Tx, id int64, chunks []content.Chunk) error {
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{s.cfg.schema, "message_content"},
		[]string{"message_id", "seq", "payload"},
		pgx.CopyFromSlice(len(chunks), func(i int) ([]any, error) {
			return []any{id, int32(chunks[i].Seq), chunks[i].Payload}, nil
		}),
	)
	return err
}

func (s *PostgresStore) loadTx(ctx context.Context, tx pgx.Tx, id int64) (Message, bool, error) {
	m, err := scanMeta(tx.QueryRow(ctx,
		`SELECT `+metaColumns+` FROM `+s.messages+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}

	out, err := s.attachContentTx(ctx, tx, []Message{m})
	if err != nil {
		return Message{}, false, err
	}
	return out[0], true, nil
}

// attachContentTx loads the chunks of all metas with one query and fills Content.
func (s *PostgresStore) attachContentTx(ctx context.Context, tx pgx.Tx, metas []Message) ([]Message, error) {
	if len(metas) == 0 {
		return metas, nil
	}

	ids := make([]int64, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}

	rows, err := tx.Query(ctx,
		`SELECT message_id, seq, payload
		   FROM `+s.chunks+`
		  WHERE message_id = ANY($1)
		  ORDER BY message_id, seq`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64][]content.Chunk, len(metas))
	for rows.Next() {
		var (
			id  int64
			seq int32
			p   string
		)
		if err := rows.Scan(&id, &seq, &p); err != nil {
			return nil, err
		}
		byID[id] = append(byID[id], content.Chunk{Seq: int(seq), Payload: p})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assembleAll(metas, byID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (Message, error) {
	var (
		m    Message
		date pgtype.Date
		tod  pgtype.Time
	)
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &date, &tod, &m.Received, &m.Seen); err != nil {
		return Message{}, err
	}
	m.SentAt = joinSentAt(date.Time, tod.Microseconds)
	return m, nil
}

func collectMeta(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func pgDate(d time.Time) pgtype.Date {
	return pgtype.Date{Time: d, Valid: true}
}

func pgTime(micros int64) pgtype.Time {
	return pgtype.Time{Microseconds: micros, Valid: true}
}
