// Package sqlite provides SQLite persistence for flow checkpoints. It is the default desktop store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/formflow/pkg/persistence/sqlbase"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var dialect = sqlbase.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueViolation,
}

// NewPersistence opens the database file at path, creating it when missing.
func NewPersistence(ctx context.Context, logger *slog.Logger, path string) (*sqlbase.Persistence, error) {
	path = strings.TrimPrefix(path, "sqlite://")

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	return sqlbase.Open(ctx, logger, "sqlite", dsn, dialect, migrations())
}

// NewInMemoryPersistence returns a private in-memory database. Used by tests and dry runs.
func NewInMemoryPersistence(ctx context.Context, logger *slog.Logger) (*sqlbase.Persistence, error) {
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory sqlite database: %w", err)
	}

	// every connection to :memory: is its own database
	database.SetMaxOpenConns(1)

	return sqlbase.New(ctx, logger, database, dialect, migrations())
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}

	return false
}
