package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/formflow/pkg/persistence"
	"github.com/dukex/formflow/pkg/persistence/file"
	"github.com/dukex/formflow/pkg/persistence/mysql"
	"github.com/dukex/formflow/pkg/persistence/postgresql"
	"github.com/dukex/formflow/pkg/persistence/redis"
	"github.com/dukex/formflow/pkg/persistence/sqlite"
)

var ErrEmptyDatabaseURL = errors.New("empty database url")

var supportedPersistenceProviders = []string{"file", "sqlite", "postgres", "postgresql", "mysql", "redis"}

// NewPersistence picks the FlowState backend from the URL scheme. A URL without a known
// scheme is treated as a directory for the file backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)
	logger.InfoContext(ctx, "Opening persistence", "provider", provider)

	var (
		p   persistence.Persistence
		err error
	)

	switch provider {
	case "sqlite":
		p, err = wrap(sqlite.NewPersistence(ctx, logger, databaseURL))
	case "postgres", "postgresql":
		p, err = wrap(postgresql.NewPersistence(ctx, logger, databaseURL))
	case "mysql":
		p, err = wrap(mysql.NewPersistence(ctx, logger, databaseURL))
	case "redis":
		p, err = wrap(redis.NewPersistence(ctx, logger, databaseURL))
	default:
		path := strings.TrimPrefix(databaseURL, "file://")
		if path == "" {
			return nil, ErrEmptyDatabaseURL
		}

		p = file.NewPersistence(path)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open %s persistence: %w", provider, err)
	}

	return p, nil
}

// wrap keeps a failed constructor's typed nil out of the interface.
func wrap[T persistence.Persistence](p T, err error) (persistence.Persistence, error) {
	if err != nil {
		return nil, err
	}

	return p, nil
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if scheme == supported {
			return scheme
		}
	}

	return "file"
}
