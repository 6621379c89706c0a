package database

import "tmlsync/internal/catalog"

// Store is a catalog.Store that also owns its schema.
type Store interface {
	catalog.Store

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	// Migrate applies all pending migrations.
	Migrate() error
}

// Backuper is implemented by stores that can copy themselves to a file.
type Backuper interface {
	BackupTo(destPath string) error
}
