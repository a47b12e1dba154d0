package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/XertroV/cgf-server/internal/models"
)

// SaveLobby queues an upsert of the lobby doc.
func (s *Store) SaveLobby(doc models.LobbyDoc) {
	s.enqueue("save lobby "+doc.Name, func(ctx context.Context) error {
		return s.upsertLobby(ctx, doc)
	})
}

func (s *Store) upsertLobby(ctx context.Context, doc models.LobbyDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal lobby %s: %w", doc.Name, err)
	}
	q := `
	INSERT INTO lobbies (name, doc) VALUES ($1, $2::jsonb)
	ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := s.pool.Exec(ctx, q, doc.Name, string(data)); err != nil {
		return fmt.Errorf("failed to upsert lobby %s: %w", doc.Name, err)
	}
	return nil
}

// LoadLobby fetches one lobby by name. Returns nil, nil when absent.
func (s *Store) LoadLobby(ctx context.Context, name string) (*models.LobbyDoc, error) {
	var raw []byte
	q := `SELECT doc FROM lobbies WHERE name = $1`
	err := s.pool.QueryRow(ctx, q, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lobby %s: %w", name, err)
	}
	var doc models.LobbyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode lobby doc %s: %w", name, err)
	}
	return &doc, nil
}

// LoadLobbies returns every stored lobby.
func (s *Store) LoadLobbies(ctx context.Context) ([]models.LobbyDoc, error) {
	q := `SELECT doc FROM lobbies`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query lobbies: %w", err)
	}
	defer rows.Close()

	var docs []models.LobbyDoc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan lobby row: %w", err)
		}
		var doc models.LobbyDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode lobby doc: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lobby rows: %w", err)
	}
	return docs, nil
}
