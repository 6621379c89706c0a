package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tmlsync/internal/config"
)

// DefaultFileName is the SQLite database file created under data_dir.
const DefaultFileName = "tmlsync.db"

// NewStoreFromConfig creates a Store implementation based on the database config type.
// In-memory stores are migrated immediately since they start empty on every run.
func NewStoreFromConfig(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		s, err := NewSQLiteStore(filepath.Join(cfg.DataDir, DefaultFileName))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return s, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		s, err := NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
