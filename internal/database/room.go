package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/XertroV/cgf-server/internal/models"
)

// SaveRoom queues an upsert of the room doc. The indexed columns are
// denormalized from the doc so lobby rehydration doesn't scan jsonb.
func (s *Store) SaveRoom(doc models.RoomDoc) {
	s.enqueue("save room "+doc.Name, func(ctx context.Context) error {
		return s.upsertRoom(ctx, doc)
	})
}

func (s *Store) upsertRoom(ctx context.Context, doc models.RoomDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal room %s: %w", doc.Name, err)
	}
	q := `
	INSERT INTO rooms (name, lobby, join_code, is_retired, creation_ts, doc)
	VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	ON CONFLICT (name) DO UPDATE SET
		lobby = EXCLUDED.lobby,
		join_code = EXCLUDED.join_code,
		is_retired = EXCLUDED.is_retired,
		creation_ts = EXCLUDED.creation_ts,
		doc = EXCLUDED.doc
	`
	_, err = s.pool.Exec(ctx, q,
		doc.Name, doc.Lobby, doc.JoinCode, doc.IsRetired, doc.CreationTs, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert room %s: %w", doc.Name, err)
	}
	return nil
}

// LoadRoom returns a room by name, or nil, nil when unknown.
func (s *Store) LoadRoom(ctx context.Context, name string) (*models.RoomDoc, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM rooms WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room %s: %w", name, err)
	}
	var doc models.RoomDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode room doc %s: %w", name, err)
	}
	return &doc, nil
}

// RoomByJoinCode resolves a join code to its room, newest first; codes are
// random enough that collisions across retired rooms are the only reason
// more than one row can match.
func (s *Store) RoomByJoinCode(ctx context.Context, code string) (*models.RoomDoc, error) {
	var raw []byte
	q := `
	SELECT doc FROM rooms
	WHERE join_code = $1 AND NOT is_retired
	ORDER BY creation_ts DESC
	LIMIT 1
	`
	err := s.pool.QueryRow(ctx, q, code).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room by join code: %w", err)
	}
	var doc models.RoomDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode room doc for join code: %w", err)
	}
	return &doc, nil
}

// LoadRooms returns the non-retired rooms of a lobby created after since.
func (s *Store) LoadRooms(ctx context.Context, lobby string, since float64) ([]models.RoomDoc, error) {
	q := `
	SELECT doc FROM rooms
	WHERE lobby = $1 AND NOT is_retired AND creation_ts > $2
	ORDER BY creation_ts
	`
	rows, err := s.pool.Query(ctx, q, lobby, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms for lobby %s: %w", lobby, err)
	}
	defer rows.Close()

	var docs []models.RoomDoc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		var doc models.RoomDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode room doc: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read room rows: %w", err)
	}
	return docs, nil
}
