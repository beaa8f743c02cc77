package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/formflow/pkg/persistence"
)

// Persistence is the database/sql backed persistence layer shared by the SQL backends.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	flowStateRepo *FlowStateRepository
}

// Open connects with the named driver, pings the database and runs migrations.
func Open(ctx context.Context, logger *slog.Logger, driverName, dsn string, dialect Dialect, migrations map[int]string) (*Persistence, error) {
	database, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name, err)
	}

	return New(ctx, logger, database, dialect, migrations)
}

// New wraps an already opened database.
func New(ctx context.Context, logger *slog.Logger, database *sql.DB, dialect Dialect, migrations map[int]string) (*Persistence, error) {
	err := database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := NewMigrationManager(logger, database, dialect, migrations)

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		flowStateRepo: NewFlowStateRepository(database, dialect, logger),
	}, nil
}

// DB exposes the underlying handle.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) FlowStateRepository() persistence.FlowStateRepository {
	return p.flowStateRepo
}
