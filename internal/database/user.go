package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/XertroV/cgf-server/internal/models"
)

// SaveUser queues an upsert of the user doc.
func (s *Store) SaveUser(doc models.UserDoc) {
	s.enqueue("save user "+doc.UID, func(ctx context.Context) error {
		return s.upsertUser(ctx, doc)
	})
}

func (s *Store) upsertUser(ctx context.Context, doc models.UserDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", doc.UID, err)
	}
	q := `
	INSERT INTO users (uid, doc) VALUES ($1, $2::jsonb)
	ON CONFLICT (uid) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := s.pool.Exec(ctx, q, doc.UID, string(data)); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", doc.UID, err)
	}
	return nil
}

// LoadUsers returns every stored user. The whole directory is held in
// memory, so this runs once at startup.
func (s *Store) LoadUsers(ctx context.Context) ([]models.UserDoc, error) {
	q := `SELECT doc FROM users`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var docs []models.UserDoc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		var doc models.UserDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode user doc: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user rows: %w", err)
	}
	return docs, nil
}
