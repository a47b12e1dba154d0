package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/XertroV/cgf-server/internal/database/migrations"
)

// Store wraps the pgx pool. Reads are synchronous; saves go through the
// background writer so the per-client loops never wait on the database.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
	ops  chan writeOp
}

// Connect opens the pool and verifies the connection.
func Connect(ctx context.Context, dsn string, log *logrus.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	return &Store{
		pool: pool,
		log:  log,
		ops:  make(chan writeOp, writeQueueLen),
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RunMigrations applies the embedded schema history to the database at dsn.
// Uses database/sql via the pgx stdlib driver because goose requires it.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
