//go:build sqlite
// +build sqlite

package jobengine

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattn/go-sqlite3"
)

// NewSQLiteBackend creates a SQL backend on a SQLite database file.
// The database file will be created if it doesn't exist.
// It is suitable for single-server deployments and requires CGO.
func NewSQLiteBackend(dbPath string, logger *slog.Logger) (*SQLBackend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	backend, err := newSQLBackend(db, sqlDialect{
		name:              "sqlite",
		blobType:          "BLOB",
		isUniqueViolation: isSQLiteUniqueViolation,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return backend, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
