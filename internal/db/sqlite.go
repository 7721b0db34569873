package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openSQLite connects the embedded relational backend.
func openSQLite(cfg Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", cfg.Path, err)
	}

	// WAL allows concurrent readers alongside the single writer; the
	// busy timeout absorbs pool contention instead of surfacing
	// "database locked" errors.
	gdb.Exec("PRAGMA journal_mode=WAL;")
	gdb.Exec("PRAGMA busy_timeout=5000;")
	gdb.Exec("PRAGMA synchronous=NORMAL;")
	gdb.Exec("PRAGMA foreign_keys=ON;")

	return gdb, nil
}
