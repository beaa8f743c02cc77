// Package postgresql provides PostgreSQL persistence for flow checkpoints.
package postgresql

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/formflow/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

var dialect = sqlbase.Dialect{
	Name:                 "postgresql",
	NumberedPlaceholders: true,
	IsUniqueViolation: func(err error) bool {
		var pqErr *pq.Error

		return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
	},
}

// NewPersistence creates a new PostgreSQL persistence layer and runs its migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*sqlbase.Persistence, error) {
	return sqlbase.Open(ctx, logger, "postgres", databaseURL, dialect, migrations())
}
