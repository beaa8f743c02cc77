// Package mysql provides MySQL persistence for flow checkpoints.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/formflow/pkg/persistence/sqlbase"
	"github.com/go-sql-driver/mysql"
)

const duplicateEntry = 1062

var dialect = sqlbase.Dialect{
	Name: "mysql",
	IsUniqueViolation: func(err error) bool {
		var mysqlErr *mysql.MySQLError

		return errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry
	},
}

// NewPersistence accepts either a go-sql-driver DSN or one prefixed with mysql://.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*sqlbase.Persistence, error) {
	dsn, err := ParseDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	return sqlbase.Open(ctx, logger, "mysql", dsn, dialect, migrations())
}

// ParseDSN normalizes databaseURL into a driver DSN with time parsing and multi statements enabled.
func ParseDSN(databaseURL string) (string, error) {
	cfg, err := mysql.ParseDSN(strings.TrimPrefix(databaseURL, "mysql://"))
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}

	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.InterpolateParams = true

	return cfg.FormatDSN(), nil
}
