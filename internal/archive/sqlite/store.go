// Package sqlite is the durable archive of materialized messages. Every
// created note leaves a row here plus an outbox entry for the event
// publisher; the UNIQUE constraint on (provider, message_id) makes
// re-archiving a no-op.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailnotes/internal/mail"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the archive database.
type Store struct {
	DB *sql.DB
}

// ArchivedMessage is one archived materialization.
type ArchivedMessage struct {
	EventID    string    `json:"event_id"`
	Provider   string    `json:"provider"`
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	WebLink    string    `json:"web_link"`
	NotePath   string    `json:"note_path"`
	SyncedAt   time.Time `json:"synced_at"`
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the archive database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// RecordNote archives a materialized message and enqueues a note-created
// event in one transaction. Duplicate (provider, message_id) pairs are
// ignored without enqueueing a second event.
func (s *Store) RecordNote(ctx context.Context, msg mail.Message, notePath string) error {
	eventID := uuid.NewString()
	now := time.Now().Unix()

	event := map[string]any{
		"event_id":            eventID,
		"ts":                  now,
		"provider":            string(msg.Source),
		"provider_message_id": msg.ID,
		"subject":             msg.Subject,
		"sender":              msg.From.Email,
		"received_at":         msg.ReceivedAt.Unix(),
		"web_link":            msg.WebLink,
		"note_path":           notePath,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	msgID := fmt.Sprintf("note.created|%s|%s", msg.Source, msg.ID)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(event_id, provider, message_id, subject, sender, received_at, web_link, note_path, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, string(msg.Source), msg.ID, msg.Subject, msg.From.Email,
		msg.ReceivedAt.Unix(), msg.WebLink, notePath, now)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert archived message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Already archived; keep the outbox quiet
		_ = tx.Rollback()
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, "mail.note.created", "note.created", payload, msgID, now)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListMessages returns archived messages, newest first, optionally
// filtered by provider.
func (s *Store) ListMessages(ctx context.Context, provider string, limit int) ([]ArchivedMessage, error) {
	query := `SELECT event_id, provider, message_id, subject, sender, received_at, web_link, note_path, synced_at FROM messages`
	args := []any{}
	if provider != "" {
		query += " WHERE provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY synced_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var receivedAt, syncedAt int64
		if err := rows.Scan(&m.EventID, &m.Provider, &m.MessageID, &m.Subject, &m.Sender,
			&receivedAt, &m.WebLink, &m.NotePath, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.ReceivedAt = time.Unix(receivedAt, 0)
		m.SyncedAt = time.Unix(syncedAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DequeueOutbox fetches unpublished events that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
