package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/XertroV/cgf-server/internal/models"
)

// InsertMap stores a newly discovered map. Synchronous because the map
// provider runs on its own goroutine and wants the row durable before it
// advertises the track id.
func (s *Store) InsertMap(ctx context.Context, m *models.Map) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal map %d: %w", m.TrackID, err)
	}
	q := `
	INSERT INTO maps (track_id, track_uid, length_secs, difficulty, downloadable, doc)
	VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	ON CONFLICT (track_id) DO UPDATE SET
		track_uid = EXCLUDED.track_uid,
		length_secs = EXCLUDED.length_secs,
		difficulty = EXCLUDED.difficulty,
		downloadable = EXCLUDED.downloadable,
		doc = EXCLUDED.doc
	`
	_, err = s.pool.Exec(ctx, q,
		m.TrackID, m.TrackUID, m.LengthSecs, m.Difficulty(), m.Downloadable, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert map %d: %w", m.TrackID, err)
	}
	return nil
}

// KnownMapIDs returns every stored track id.
func (s *Store) KnownMapIDs(ctx context.Context) ([]int64, error) {
	q := `SELECT track_id FROM maps`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query map ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan map id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read map id rows: %w", err)
	}
	return ids, nil
}

// LoadMap returns one map by track id, or nil, nil when unknown.
func (s *Store) LoadMap(ctx context.Context, trackID int64) (*models.Map, error) {
	var raw []byte
	q := `SELECT doc FROM maps WHERE track_id = $1`
	err := s.pool.QueryRow(ctx, q, trackID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query map %d: %w", trackID, err)
	}
	var m models.Map
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode map doc %d: %w", trackID, err)
	}
	return &m, nil
}

// LoadMapsByIDs returns map docs in the order of ids. Unknown ids are
// skipped rather than erroring so a stale map list can't wedge game entry.
func (s *Store) LoadMapsByIDs(ctx context.Context, ids []int64) ([]models.Map, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT track_id, doc FROM maps WHERE track_id = ANY($1)`
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query maps by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]models.Map, len(ids))
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan map row: %w", err)
		}
		var m models.Map
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode map doc: %w", err)
		}
		byID[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read map rows: %w", err)
	}

	out := make([]models.Map, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// RandomMapsFiltered samples stored maps matching the length and difficulty
// bounds, excluding the given track ids. Used when the live queue can't
// fill a request.
func (s *Store) RandomMapsFiltered(ctx context.Context, minSecs, maxSecs, maxDifficulty, limit int, exclude []int64) ([]models.Map, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	q := `
	SELECT doc FROM maps
	WHERE downloadable
	  AND length_secs BETWEEN $1 AND $2
	  AND difficulty <= $3
	  AND NOT (track_id = ANY($4))
	ORDER BY random()
	LIMIT $5
	`
	rows, err := s.pool.Query(ctx, q, minSecs, maxSecs, maxDifficulty, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample maps: %w", err)
	}
	defer rows.Close()

	var out []models.Map
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan sampled map: %w", err)
		}
		var m models.Map
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode sampled map: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sampled map rows: %w", err)
	}
	return out, nil
}

// CountMaps returns the size of the map catalog.
func (s *Store) CountMaps(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM maps`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count maps: %w", err)
	}
	return n, nil
}

// SaveMapPack stores a map pack record.
func (s *Store) SaveMapPack(doc models.MapPack) {
	s.enqueue(fmt.Sprintf("save map pack %d", doc.ID), func(ctx context.Context) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal map pack %d: %w", doc.ID, err)
		}
		q := `
		INSERT INTO map_packs (id, doc) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
		`
		if _, err := s.pool.Exec(ctx, q, doc.ID, string(data)); err != nil {
			return fmt.Errorf("failed to upsert map pack %d: %w", doc.ID, err)
		}
		return nil
	})
}
