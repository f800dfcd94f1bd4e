package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/storage"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no archived row matches. It wraps
// storage.ErrNotFound.
var ErrNotFound = fmt.Errorf("archive: %w", storage.ErrNotFound)

// Record archives a committed exchange together with the conversation
// snapshot taken right after it. It satisfies chat.Recorder.
func (s *Store) Record(ctx context.Context, ex chat.Exchange, doc storage.ChatDocument) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO exchanges (id, persona, user_input, reply, image, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ex.ID, ex.Persona, ex.User, ex.Assistant, ex.Image, ex.At,
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (exchange_id, persona, memory_rounds, document)
		VALUES ($1, $2, $3, $4)`,
		ex.ID, doc.PromptName, doc.Rounds(0), docJSON,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	s.logger.Debug("exchange archived", zap.String("exchange", ex.ID), zap.String("persona", ex.Persona))
	return nil
}

// Exchanges returns the most recent archived exchanges, oldest first.
// An empty persona matches every persona.
func (s *Store) Exchanges(ctx context.Context, persona string, limit int) ([]chat.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id::text, persona, user_input, reply, image, created_at FROM (
			SELECT id, persona, user_input, reply, image, created_at
			FROM exchanges
			WHERE $1 = '' OR persona = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, persona, limit)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []chat.Exchange
	for rows.Next() {
		var ex chat.Exchange
		var at time.Time
		if err := rows.Scan(&ex.ID, &ex.Persona, &ex.User, &ex.Assistant, &ex.Image, &at); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.At = at
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Snapshot returns the conversation document archived with an exchange.
func (s *Store) Snapshot(ctx context.Context, exchangeID string) (*storage.ChatDocument, error) {
	if _, err := uuid.Parse(exchangeID); err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", exchangeID, ErrNotFound)
	}
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT document FROM snapshots WHERE exchange_id = $1`, exchangeID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", exchangeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var doc storage.ChatDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &doc, nil
}
