package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/integrations"
	"github.com/TFMV/m2sync/pkg/core"
)

func init() {
	integrations.Register("postgres", func(opts integrations.Options) (core.StoreGateway, error) {
		return OpenPostgres(opts.DSN, opts.Logger)
	})
}

// OpenPostgres connects to the PostgreSQL database named by dsn. Tables are
// resolved in the connection's current schema.
func OpenPostgres(dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open(postgresDialect{}.Name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStore(db, postgresDialect{}, logger), nil
}
