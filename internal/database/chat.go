package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/XertroV/cgf-server/internal/models"
)

// RecordMessage queues a firehose insert. Everything a client sends after
// login lands here, before any handler runs.
func (s *Store) RecordMessage(doc models.MessageDoc) {
	s.enqueue("record message", func(ctx context.Context) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		q := `
		INSERT INTO messages (user_uid, type, ts, doc)
		VALUES (NULLIF($1, ''), $2, $3, $4::jsonb)
		`
		if _, err := s.pool.Exec(ctx, q, doc.UserUID, doc.Type, doc.Ts, string(data)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// AppendChat queues one chat line for a container's log.
func (s *Store) AppendChat(ctype, cname string, ord int64, doc models.MessageDoc) {
	s.enqueue(fmt.Sprintf("chat %s/%s/%d", ctype, cname, ord), func(ctx context.Context) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal chat message: %w", err)
		}
		q := `
		INSERT INTO chat_messages (container_type, container_name, ord, ts, doc)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		`
		if _, err := s.pool.Exec(ctx, q, ctype, cname, ord, doc.Ts, string(data)); err != nil {
			return fmt.Errorf("failed to insert chat message for %s/%s: %w", ctype, cname, err)
		}
		return nil
	})
}

// LoadRecentChat returns up to limit of the newest chat lines for a
// container, oldest first, plus the next ord to assign.
func (s *Store) LoadRecentChat(ctx context.Context, ctype, cname string, limit int) ([]models.MessageDoc, int64, error) {
	var nextOrd int64
	q := `
	SELECT COALESCE(MAX(ord) + 1, 0) FROM chat_messages
	WHERE container_type = $1 AND container_name = $2
	`
	if err := s.pool.QueryRow(ctx, q, ctype, cname).Scan(&nextOrd); err != nil {
		return nil, 0, fmt.Errorf("failed to count chat for %s/%s: %w", ctype, cname, err)
	}

	q = `
	SELECT doc FROM chat_messages
	WHERE container_type = $1 AND container_name = $2
	ORDER BY ord DESC
	LIMIT $3
	`
	rows, err := s.pool.Query(ctx, q, ctype, cname, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query chat for %s/%s: %w", ctype, cname, err)
	}
	defer rows.Close()

	var docs []models.MessageDoc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("failed to scan chat row: %w", err)
		}
		var doc models.MessageDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, 0, fmt.Errorf("failed to decode chat doc: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read chat rows: %w", err)
	}

	// Newest-first from the query; flip to display order.
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	return docs, nextOrd, nil
}
