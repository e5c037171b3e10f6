// Package sqlstore implements the chat store on database/sql, written to
// the dialect intersection of Postgres (pgx) and SQLite (modernc). Both
// accept $N placeholders and the portable column types in the schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// ChatStore is a stateless wrapper over one tenant's *sql.DB. The
// connection registry is the only cache; wrappers are created per use.
type ChatStore struct {
	db  *sql.DB
	log *slog.Logger
}

// New wraps a tenant database handle.
func New(db *sql.DB, log *slog.Logger) *ChatStore {
	if log == nil {
		log = slog.Default()
	}
	return &ChatStore{db: db, log: log}
}

const convColumns = `id, contact_address, display_name, messages, automation_enabled, last_message, linked_record_ref, created_at, updated_at`

func (s *ChatStore) FindOrCreate(ctx context.Context, contactAddress, displayName string, automationDefault bool) (*store.Conversation, error) {
	now := time.Now().UnixMilli()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, &store.PersistenceError{Op: "find_or_create", Err: err}
	}
	auto := 0
	if automationDefault {
		auto = 1
	}
	// DO NOTHING makes concurrent first contacts converge on one row.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, contact_address, display_name, messages, automation_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, '[]', $4, $5, $6)
		ON CONFLICT (contact_address) DO NOTHING`,
		id.String(), contactAddress, displayName, auto, now, now)
	if err != nil {
		return nil, &store.PersistenceError{Op: "find_or_create", Err: err}
	}

	conv, err := s.Get(ctx, contactAddress)
	if err != nil {
		return nil, err
	}
	// Backfill a display name learned after the first contact.
	if displayName != "" && conv.DisplayName == "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET display_name = $1 WHERE contact_address = $2 AND display_name = ''`,
			displayName, contactAddress); err == nil {
			conv.DisplayName = displayName
		}
	}
	return conv, nil
}

func (s *ChatStore) Get(ctx context.Context, contactAddress string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE contact_address = $1`, contactAddress)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Key: contactAddress}
	}
	if err != nil {
		return nil, &store.PersistenceError{Op: "get", Err: err}
	}
	return conv, nil
}

func (s *ChatStore) AppendMessage(ctx context.Context, contactAddress string, msg store.Message) (*store.Conversation, error) {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &store.PersistenceError{Op: "append", Err: err}
		}
		msg.ID = id.String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	// The loop retries both optimistic conflicts (another writer landed
	// between the read and the guarded update) and transient driver errors,
	// so inbound content is not lost to a single hiccup.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		conv, err := s.Get(ctx, contactAddress)
		if err != nil {
			var nf *store.NotFoundError
			if errors.As(err, &nf) {
				return nil, err
			}
			lastErr = err
			s.log.Warn("append read failed, retrying", "contact", contactAddress, "attempt", attempt+1, "error", err)
			continue
		}
		messages := append(conv.Messages, msg)
		rawMessages, err := json.Marshal(messages)
		if err != nil {
			return nil, &store.PersistenceError{Op: "append", Err: err}
		}
		summary := store.MessageSummary{Body: msg.Body, Direction: msg.Direction, SentAt: msg.SentAt}
		rawSummary, err := json.Marshal(summary)
		if err != nil {
			return nil, &store.PersistenceError{Op: "append", Err: err}
		}

		oldUpdated := conv.UpdatedAt.UnixMilli()
		newUpdated := time.Now().UnixMilli()
		if newUpdated <= oldUpdated {
			newUpdated = oldUpdated + 1
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE conversations
			SET messages = $1, last_message = $2, updated_at = $3
			WHERE contact_address = $4 AND updated_at = $5`,
			string(rawMessages), string(rawSummary), newUpdated, contactAddress, oldUpdated)
		if err != nil {
			lastErr = &store.PersistenceError{Op: "append", Err: err}
			s.log.Warn("append write failed, retrying", "contact", contactAddress, "attempt", attempt+1, "error", err)
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			lastErr = &store.PersistenceError{Op: "append", Err: err}
			continue
		}
		if n == 1 {
			conv.Messages = messages
			conv.LastMessage = &summary
			conv.UpdatedAt = time.UnixMilli(newUpdated)
			return conv, nil
		}
		lastErr = &store.PersistenceError{Op: "append", Err: fmt.Errorf("conversation %s: too many concurrent writers", contactAddress)}
		s.log.Debug("append raced, retrying", "contact", contactAddress, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (s *ChatStore) SetAutomation(ctx context.Context, contactAddress string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET automation_enabled = $1, updated_at = $2 WHERE contact_address = $3`,
		val, time.Now().UnixMilli(), contactAddress)
	if err != nil {
		return &store.PersistenceError{Op: "set_automation", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.PersistenceError{Op: "set_automation", Err: err}
	}
	if n == 0 {
		return &store.NotFoundError{Key: contactAddress}
	}
	return nil
}

func (s *ChatStore) ListRecent(ctx context.Context, limit int) ([]*store.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convColumns+` FROM conversations ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, &store.PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, &store.PersistenceError{Op: "list", Err: err}
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		conv        store.Conversation
		rawMessages string
		rawSummary  sql.NullString
		auto        int
		createdMs   int64
		updatedMs   int64
	)
	err := row.Scan(&conv.ID, &conv.ContactAddress, &conv.DisplayName, &rawMessages,
		&auto, &rawSummary, &conv.LinkedRecordRef, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawMessages), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if rawSummary.Valid && rawSummary.String != "" {
		var summary store.MessageSummary
		if err := json.Unmarshal([]byte(rawSummary.String), &summary); err != nil {
			return nil, fmt.Errorf("decode last message: %w", err)
		}
		conv.LastMessage = &summary
	}
	conv.AutomationEnabled = auto != 0
	conv.CreatedAt = time.UnixMilli(createdMs)
	conv.UpdatedAt = time.UnixMilli(updatedMs)
	return &conv, nil
}
