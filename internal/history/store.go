// Package history provides PostgreSQL-backed storage for chat messages.
// The database is the id-assigning authority: a message only exists once
// Save has returned its id, and clients see it exclusively through the
// relay's MSG echo.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Message is one stored chat message.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// Store manages message rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore creates a store on an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts a message and returns its assigned id.
func (s *Store) Save(ctx context.Context, sender, receiver, body string) (int64, error) {
	const query = `
		INSERT INTO messages (sender, receiver, body)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, sender, receiver, body).Scan(&id); err != nil {
		return 0, fmt.Errorf("history: insert: %w", err)
	}
	return id, nil
}

// MarkRead flips a message to read. It is idempotent: the sender is
// returned only on the first transition, so callers push exactly one READ
// frame per message regardless of how many SEEN frames arrive.
func (s *Store) MarkRead(ctx context.Context, id int64) (sender string, updated bool, err error) {
	const query = `
		UPDATE messages SET read = TRUE
		WHERE id = $1 AND read = FALSE
		RETURNING sender`

	err = s.db.QueryRowContext(ctx, query, id).Scan(&sender)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("history: mark read: %w", err)
	}
	return sender, true, nil
}

// ListFor returns the user's full conversation history, ordered by id.
func (s *Store) ListFor(ctx context.Context, user string) ([]Message, error) {
	const query = `
		SELECT id, sender, receiver, body, read, created_at
		FROM messages
		WHERE sender = $1 OR receiver = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// UnreadFor returns the user's unread inbound messages, ordered by id.
func (s *Store) UnreadFor(ctx context.Context, user string) ([]Message, error) {
	const query = `
		SELECT id, sender, receiver, body, read, created_at
		FROM messages
		WHERE receiver = $1 AND read = FALSE
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("history: unread: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkAllReadFor flips every unread inbound message for the user. Used on
// connect, after UnreadFor has captured which senders to notify.
func (s *Store) MarkAllReadFor(ctx context.Context, user string) error {
	const query = `
		UPDATE messages SET read = TRUE
		WHERE receiver = $1 AND read = FALSE`

	if _, err := s.db.ExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("history: mark all read: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}
