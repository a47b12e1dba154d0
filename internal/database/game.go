// internal/database/game.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/XertroV/cgf-server/internal/models"
)

// SaveGame queues an upsert of the game session doc.
func (s *Store) SaveGame(doc models.GameSessionDoc) {
	s.enqueue("save game "+doc.Name, func(ctx context.Context) error {
		return s.upsertGame(ctx, doc)
	})
}

func (s *Store) upsertGame(ctx context.Context, doc models.GameSessionDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal game %s: %w", doc.Name, err)
	}
	q := `
	INSERT INTO games (name, room, lobby, creation_ts, doc)
	VALUES ($1, $2, $3, $4, $5::jsonb)
	ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc
	`
	_, err = s.pool.Exec(ctx, q, doc.Name, doc.Room, doc.Lobby, doc.CreationTs, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert game %s: %w", doc.Name, err)
	}
	return nil
}

// LoadGame returns the newest game for a room created after since, or
// nil, nil when the room has no fresh game.
func (s *Store) LoadGame(ctx context.Context, room, lobby string, since float64) (*models.GameSessionDoc, error) {
	var raw []byte
	q := `
	SELECT doc FROM games
	WHERE room = $1 AND lobby = $2 AND creation_ts > $3
	ORDER BY creation_ts DESC
	LIMIT 1
	`
	err := s.pool.QueryRow(ctx, q, room, lobby, since).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query game for room %s: %w", room, err)
	}
	var doc models.GameSessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode game doc for room %s: %w", room, err)
	}
	return &doc, nil
}

// LoadGameByName returns a game session by its generated name, or nil, nil
// when unknown. Used to place a rejoining client whose last scope was a game.
func (s *Store) LoadGameByName(ctx context.Context, name string) (*models.GameSessionDoc, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM games WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query game %s: %w", name, err)
	}
	var doc models.GameSessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode game doc %s: %w", name, err)
	}
	return &doc, nil
}

// AppendGameEvent queues one event of a game's ordered log. Events are
// written by a single goroutine, so seq order on disk matches memory.
func (s *Store) AppendGameEvent(gameUID string, seq int64, doc models.MessageDoc) {
	s.enqueue(fmt.Sprintf("game event %s/%d", gameUID, seq), func(ctx context.Context) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal game event: %w", err)
		}
		q := `
		INSERT INTO game_events (game_uid, seq, ts, doc)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (game_uid, seq) DO NOTHING
		`
		if _, err := s.pool.Exec(ctx, q, gameUID, seq, doc.Ts, string(data)); err != nil {
			return fmt.Errorf("failed to insert game event %s/%d: %w", gameUID, seq, err)
		}
		return nil
	})
}

// LoadGameEvents returns a game's full event log in seq order.
func (s *Store) LoadGameEvents(ctx context.Context, gameUID string) ([]models.MessageDoc, error) {
	q := `SELECT doc FROM game_events WHERE game_uid = $1 ORDER BY seq`
	rows, err := s.pool.Query(ctx, q, gameUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query game events for %s: %w", gameUID, err)
	}
	defer rows.Close()

	var docs []models.MessageDoc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan game event row: %w", err)
		}
		var doc models.MessageDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode game event doc: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read game event rows: %w", err)
	}
	return docs, nil
}
