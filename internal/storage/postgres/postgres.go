// Package postgres registers the "postgres" storage kind. Connections go
// through pgx's database/sql driver; bulk copies use the native COPY
// protocol on the underlying pgx connection.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// uniqueViolation is SQLSTATE unique_violation.
const uniqueViolation = "23505"

// openDB is a test hook.
var openDB = sql.Open

func init() {
	storage.Register("postgres", Open)
	storage.Register("postgresql", Open)
}

// Open parses cfg.DSN, opens a pool and pings it.
func Open(ctx context.Context, cfg storage.Config) (*storage.Database, error) {
	pc, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres dsn")
	}
	name := pc.Database
	if cfg.Database != "" {
		name = cfg.Database
	}
	db, err := openDB("pgx", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return &storage.Database{
		Kind:         "postgres",
		Server:       fmt.Sprintf("%s:%d", pc.Host, pc.Port),
		Name:         name,
		DB:           db,
		Helper:       dialect.PostgresHelper{},
		Bulk:         copyFrom(db),
		DuplicateKey: IsUniqueViolation,
	}, nil
}

// copyFrom streams a batch with COPY on a dedicated connection.
func copyFrom(db *sql.DB) storage.BulkFn {
	return func(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return 0, err
		}
		defer conn.Close()

		var n int64
		err = conn.Raw(func(driverConn any) error {
			c, ok := driverConn.(*stdlib.Conn)
			if !ok {
				return errors.Errorf("unexpected driver connection %T", driverConn)
			}
			var cerr error
			n, cerr = c.Conn().CopyFrom(ctx, SplitFQN(table), columns, pgx.CopyFromRows(rows))
			return cerr
		})
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return n, errors.Wrapf(err, "copy: %s (%s)", pgErr.Detail, pgErr.SQLState())
		}
		return n, err
	}
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// SplitFQN converts "schema.table" (optionally quoted) into a pgx.Identifier.
func SplitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}
