package messages

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplyPostgresSchema creates the schema and tables used by PostgresStore.
// It is idempotent.
func ApplyPostgresSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return ErrInvalidInput
	}
	schema = strings.TrimSpace(schema)
	if !isValidIdent(schema) {
		return ErrInvalidInput
	}

	messages := pgIdent(schema, "messages")
	chunks := pgIdent(schema, "message_content")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id        BIGINT PRIMARY KEY,
  sender    TEXT NOT NULL,
  receiver  TEXT NOT NULL,
  sent_date DATE NOT NULL,
  sent_time TIME NOT NULL,
  received  BOOLEAN NOT NULL DEFAULT false,
  seen      BOOLEAN NOT NULL DEFAULT false,

  CONSTRAINT chk_messages_id_positive CHECK (id > 0),
  CONSTRAINT chk_messages_seen_received CHECK (NOT seen OR received)
);

CREATE TABLE IF NOT EXISTS %s (
  message_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq        INTEGER NOT NULL,
  payload    TEXT NOT NULL,

  PRIMARY KEY (message_id, seq),
  CONSTRAINT chk_message_content_seq CHECK (seq >= 1)
);

CREATE INDEX IF NOT EXISTS idx_messages_pair_sent
  ON %s (sender, receiver, sent_date, sent_time);

CREATE INDEX IF NOT EXISTS idx_messages_receiver
  ON %s (receiver);
`, pgx.Identifier{schema}.Sanitize(), messages, chunks, messages, messages, messages)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return storageErr("ApplySchema", 0, err)
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id        INTEGER PRIMARY KEY CHECK (id > 0),
  sender    TEXT NOT NULL,
  receiver  TEXT NOT NULL,
  sent_date TEXT NOT NULL,
  sent_time TEXT NOT NULL,
  received  INTEGER NOT NULL DEFAULT 0,
  seen      INTEGER NOT NULL DEFAULT 0,
  CHECK (seen = 0 OR received = 1)
);

CREATE TABLE IF NOT EXISTS message_content (
  message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
  seq        INTEGER NOT NULL CHECK (seq >= 1),
  payload    TEXT NOT NULL,
  PRIMARY KEY (message_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_pair_sent ON messages(sender, receiver, sent_date, sent_time);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver);
`
