package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/cmd/internal/content"

	_ "modernc.org/sqlite"
)

const (
	sqliteDateLayout = "2006-01-02"
	sqliteTimeLayout = "15:04:05.000000"

	// sqliteIDBatch keeps IN (...) lists well under SQLite's variable limit.
	sqliteIDBatch = 500
)

// SQLiteStore is a Store backed by SQLite.
//
// It owns its *sql.DB and keeps a single open connection: SQLite has one
// writer anyway, and ":memory:" databases live and die with their connection.
type SQLiteStore struct {
	db  *sql.DB
	cfg settings
}

// NewSQLiteStore opens or creates a SQLite database at path and ensures the schema.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("Open", 0, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		// WAL for better concurrent reads from other processes; in-memory databases ignore it.
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storageErr("Open", 0, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, storageErr("Open", 0, err)
	}

	return &SQLiteStore{db: db, cfg: cfg}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrInvalidInput
	}
	return s.db.PingContext(ctx)
}

// Create stores m and its chunks unless the id is taken.
func (s *SQLiteStore) Create(ctx context.Context, m Message) (CreateResult, error) {
	if s == nil || s.db == nil || m.ID < 0 {
		return CreateResult{}, ErrInvalidInput
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
	err = s.withTx(ctx, func(tx *sql.Tx) error {
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
func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (Message, bool, error) {
	if s == nil || s.db == nil {
		return Message{}, false, ErrInvalidInput
	}
	var (
		out   Message
		found bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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
func (s *SQLiteStore) FindAll(ctx context.Context) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrInvalidInput
	}
	out, err := s.queryMessages(ctx, `SELECT `+metaColumns+` FROM messages ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("FindAll", 0, err)
	}
	return out, nil
}

// Remove deletes the message and its chunks.
func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrInvalidInput
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return removeTx(ctx, tx, id)
	})
	if err != nil {
		return storageErr("Remove", id, err)
	}
	return nil
}

// Update replaces message id with m in a single transaction.
func (s *SQLiteStore) Update(ctx context.Context, id int64, m Message) (CreateResult, error) {
	if s == nil || s.db == nil || m.ID < 0 {
		return CreateResult{}, ErrInvalidInput
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
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := removeTx(ctx, tx, id); err != nil {
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

// ReplaceContent rewrites the chunks of message id inside one transaction.
func (s *SQLiteStore) ReplaceContent(ctx context.Context, id int64, body string) (Message, bool, error) {
	if s == nil || s.db == nil || id <= 0 || HasNUL(body) {
		return Message{}, false, ErrInvalidInput
	}
	chunks, err := content.Chunks(body, s.cfg.chunkSize)
	if err != nil {
		return Message{}, false, err
	}

	var (
		out   Message
		found bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanSQLiteMeta(tx.QueryRowContext(ctx,
			`SELECT `+metaColumns+` FROM messages WHERE id = ?1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_content WHERE message_id = ?1`, id); err != nil {
			return err
		}
		if err := insertChunksTx(ctx, tx, id, chunks); err != nil {
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, storageErr("Count", 0, err)
	}
	return n, nil
}

// NextAvailableID returns the smallest positive id not in use (1 on an empty store).
func (s *SQLiteStore) NextAvailableID(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrInvalidInput
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqliteNextIDQuery).Scan(&id); err != nil {
		return 0, storageErr("NextAvailableID", 0, err)
	}
	return id, nil
}

// IsAvailable reports whether no message uses id.
func (s *SQLiteStore) IsAvailable(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrInvalidInput
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = ?1)`, id,
	).Scan(&exists); err != nil {
		return false, storageErr("IsAvailable", id, err)
	}
	return !exists, nil
}

// LatestPerConversation returns the newest message of each pair user belongs to,
// newest conversation first. Exact timestamp ties go to the higher id.
func (s *SQLiteStore) LatestPerConversation(ctx context.Context, user string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrInvalidInput
	}
	out, err := s.queryMessages(ctx,
		`SELECT `+metaColumns+` FROM (
		   SELECT `+metaColumns+`,
		          ROW_NUMBER() OVER (
		            PARTITION BY min(sender, receiver), max(sender, receiver)
		            ORDER BY sent_date DESC, sent_time DESC, id DESC
		          ) AS rn
		     FROM messages
		    WHERE sender = ?1 OR receiver = ?1
		 )
		 WHERE rn = 1
		 ORDER BY sent_date DESC, sent_time DESC, id DESC`,
		user,
	)
	if err != nil {
		return nil, storageErr("LatestPerConversation", 0, err)
	}
	return out, nil
}

// Between returns the pair's messages in either direction, oldest first.
func (s *SQLiteStore) Between(ctx context.Context, userA, userB string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrInvalidInput
	}
	out, err := s.queryMessages(ctx,
		`SELECT `+metaColumns+`
		   FROM messages
		  WHERE (sender = ?1 AND receiver = ?2) OR (sender = ?2 AND receiver = ?1)
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
func (s *SQLiteStore) MarkReceivedUpTo(ctx context.Context, ref Message) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrInvalidInput
	}

	pair := `sender = ?1 AND receiver = ?2`
	if s.cfg.scope == ReceiptBothDirections {
		pair = `((sender = ?1 AND receiver = ?2) OR (sender = ?2 AND receiver = ?1))`
	}

	date, tod := sqliteSentAt(ref.SentAt)

	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE messages
			    SET received = 1
			  WHERE `+pair+`
			    AND received = 0
			    AND (sent_date < ?3 OR (sent_date = ?3 AND sent_time <= ?4))
			RETURNING id`,
			ref.Sender, ref.Receiver, date, tod,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("MarkReceivedUpTo", ref.ID, err)
	}
	return ids, nil
}

// MarkSeen flags the message as received and seen.
func (s *SQLiteStore) MarkSeen(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET received = 1, seen = 1 WHERE id = ?1`, id)
	if err != nil {
		return false, storageErr("MarkSeen", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("MarkSeen", id, err)
	}
	return n > 0, nil
}

const sqliteNextIDQuery = `SELECT CASE
  WHEN NOT EXISTS (SELECT 1 FROM messages WHERE id = 1) THEN 1
  ELSE (SELECT MIN(m1.id + 1)
          FROM messages m1
          LEFT JOIN messages m2 ON m2.id = m1.id + 1
         WHERE m2.id IS NULL)
END`

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) createTx(ctx context.Context, tx *sql.Tx, m Message, chunks []content.Chunk) (CreateResult, error) {
	// The single connection serializes writers, so allocation cannot race.
	if m.ID == 0 {
		if err := tx.QueryRowContext(ctx, sqliteNextIDQuery).Scan(&m.ID); err != nil {
			return CreateResult{}, err
		}
	}

	date, tod := sqliteSentAt(m.SentAt)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+metaColumns+`)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Sender, m.Receiver, date, tod, m.Received, m.Seen,
	)
	if err != nil {
		return CreateResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CreateResult{}, err
	}
	if n == 0 {
		existing, found, err := s.loadTx(ctx, tx, m.ID)
		if err != nil {
			return CreateResult{}, err
		}
		if !found {
			return CreateResult{}, errVanished
		}
		return CreateResult{Stored: existing, Duplicated: true}, nil
	}

	if err := insertChunksTx(ctx, tx, m.ID, chunks); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Stored: m}, nil
}

func insertChunksTx(ctx context.Context, tx *sql.Tx, id int64, chunks []content.Chunk) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO message_content (message_id, seq, payload) VALUES (?1, ?2, ?3)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, id, c.Seq, c.Payload); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Seq, err)
		}
	}
	return nil
}

func removeTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_content WHERE message_id = ?1`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?1`, id)
	return err
}

func (s *SQLiteStore) loadTx(ctx context.Context, tx *sql.Tx, id int64) (Message, bool, error) {
	m, err := scanSQLiteMeta(tx.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM messages WHERE id = ?1`, id))
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	var out []Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		metas, err := collectSQLiteMeta(rows)
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

// attachContentTx loads chunks for metas in id batches and fills Content.
func (s *SQLiteStore) attachContentTx(ctx context.Context, tx *sql.Tx, metas []Message) ([]Message, error) {
	byID := make(map[int64][]content.Chunk, len(metas))

	for start := 0; start < len(metas); start += sqliteIDBatch {
		end := start + sqliteIDBatch
		if end > len(metas) {
			end = len(metas)
		}
		batch := metas[start:end]

		args := make([]any, len(batch))
		marks := make([]string, len(batch))
		for i, m := range batch {
			args[i] = m.ID
			marks[i] = "?"
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT message_id, seq, payload
			   FROM message_content
			  WHERE message_id IN (`+strings.Join(marks, ",")+`)
			  ORDER BY message_id, seq`,
			args...,
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var c content.Chunk
			var id int64
			if err := rows.Scan(&id, &c.Seq, &c.Payload); err != nil {
				rows.Close()
				return nil, err
			}
			byID[id] = append(byID[id], c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return assembleAll(metas, byID)
}

func scanSQLiteMeta(row rowScanner) (Message, error) {
	var (
		m         Message
		date, tod string
	)
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &date, &tod, &m.Received, &m.Seen); err != nil {
		return Message{}, err
	}
	sentAt, err := parseSQLiteSentAt(date, tod)
	if err != nil {
		return Message{}, fmt.Errorf("message %d: %w", m.ID, err)
	}
	m.SentAt = sentAt
	return m, nil
}

func collectSQLiteMeta(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanSQLiteMeta(rows)
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

func sqliteSentAt(t time.Time) (date, tod string) {
	t = normalizeSentAt(t)
	return t.Format(sqliteDateLayout), t.Format(sqliteTimeLayout)
}

func parseSQLiteSentAt(date, tod string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteDateLayout+" "+sqliteTimeLayout, date+" "+tod, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
