package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/chatter/relay/internal/chat"
)

// OpenPostgres opens a connection pool for dsn and verifies it is reachable.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore manages the message log in PostgreSQL. Concurrent writers
// from many instances are safe: sequence numbers come from a BIGSERIAL and
// duplicates are absorbed by the unique message_id constraint.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a history store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts msg. If the message ID was already stored, the existing
// record is returned together with ErrDuplicate.
func (s *PostgresStore) Append(ctx context.Context, msg chat.Message) (Record, error) {
	const query = `
		INSERT INTO chat_messages (message_id, kind, sender, recipient, content, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING sequence_id`

	var seq int64
	err := s.db.QueryRowContext(ctx, query,
		msg.ID,
		string(msg.Kind),
		msg.Sender,
		nullable(msg.Recipient),
		msg.Content,
		msg.SentAt.UTC(),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		existing, lookupErr := s.byMessageID(ctx, msg.ID)
		if lookupErr != nil {
			return Record{}, lookupErr
		}
		return existing, ErrDuplicate
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: insert: %w", err)
	}
	return Record{Seq: seq, Message: msg}, nil
}

func (s *PostgresStore) byMessageID(ctx context.Context, id string) (Record, error) {
	const query = `
		SELECT sequence_id, message_id, kind, sender, recipient, content, sent_at
		FROM chat_messages
		WHERE message_id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return Record{}, fmt.Errorf("history: lookup duplicate: %w", err)
	}
	return rec, nil
}

// LatestPublic returns the newest limit public records, oldest first.
func (s *PostgresStore) LatestPublic(ctx context.Context, limit int) ([]Record, error) {
	const query = `
		SELECT sequence_id, message_id, kind, sender, recipient, content, sent_at
		FROM (
			SELECT *
			FROM chat_messages
			WHERE recipient IS NULL
			ORDER BY sent_at DESC, sequence_id DESC
			LIMIT $1
		) latest
		ORDER BY sent_at ASC, sequence_id ASC`

	rows, err := s.db.QueryContext(ctx, query, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: latest public: %w", err)
	}
	return collect(rows)
}

// Conversation returns every private record between a and b, oldest first.
func (s *PostgresStore) Conversation(ctx context.Context, a, b string) ([]Record, error) {
	const query = `
		SELECT sequence_id, message_id, kind, sender, recipient, content, sent_at
		FROM chat_messages
		WHERE recipient IS NOT NULL
		  AND LEAST(sender, recipient) = LEAST($1::text, $2::text)
		  AND GREATEST(sender, recipient) = GREATEST($1::text, $2::text)
		ORDER BY sent_at ASC, sequence_id ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("history: conversation: %w", err)
	}
	return collect(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		kind      string
		recipient sql.NullString
	)
	if err := row.Scan(&rec.Seq, &rec.ID, &kind, &rec.Sender, &recipient, &rec.Content, &rec.SentAt); err != nil {
		return Record{}, err
	}
	rec.Kind = chat.Kind(kind)
	rec.Recipient = recipient.String
	rec.SentAt = rec.SentAt.UTC()
	return rec, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return records, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
