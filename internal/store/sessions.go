package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/codeassist/internal/history"
)

// Save replaces the stored entries of a conversation in one transaction.
func (s *Postgres) Save(ctx context.Context, conversation string, entries []history.Entry) error {
	if err := history.ValidateConversation(conversation); err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`, conversation)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_entries WHERE conversation_id = $1`, conversation); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	batch := &pgx.Batch{}
	for i, e := range entries {
		batch.Queue(`
			INSERT INTO chat_entries (conversation_id, position, id, role, content, tokens, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			conversation, i, e.ID, string(e.Role), e.Content, e.Tokens, e.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load returns the entries of a conversation, oldest first.
func (s *Postgres) Load(ctx context.Context, conversation string) ([]history.Entry, error) {
	if err := history.ValidateConversation(conversation); err != nil {
		return nil, err
	}
	var id string
	err := s.db.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1`, conversation).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, conversation)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, tokens, created_at
		FROM chat_entries
		WHERE conversation_id = $1
		ORDER BY position ASC`, conversation)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		var e history.Entry
		var role string
		if err := rows.Scan(&e.ID, &role, &e.Content, &e.Tokens, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Role = history.Role(role)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a conversation. Entries cascade.
func (s *Postgres) Delete(ctx context.Context, conversation string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversation); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// List returns conversation ids, most recently updated first.
func (s *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
