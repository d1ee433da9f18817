// Package sqlite registers the "sqlite" storage kind on modernc.org/sqlite.
// SQLite has no bulk-load API, so batches are inserted with one prepared
// statement inside a transaction.
package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Result codes for constraint failures.
const (
	constraint           = 19
	constraintPrimaryKey = 1555
	constraintUnique     = 2067
)

func init() {
	storage.Register("sqlite", Open)
	storage.Register("sqlite3", Open)
}

// Open opens the database file named by cfg.DSN, e.g. "loader.db" or
// "file:loader.db?_pragma=busy_timeout(5000)".
//
// The pool is limited to one connection: SQLite serialises writers anyway and
// a single connection keeps transactions and plain queries from deadlocking
// each other.
func Open(ctx context.Context, cfg storage.Config) (*storage.Database, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite: ping")
	}
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")

	name := cfg.Database
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(fileName(cfg.DSN)), filepath.Ext(fileName(cfg.DSN)))
	}
	return &storage.Database{
		Kind:         "sqlite",
		Server:       "localhost",
		Name:         name,
		DB:           db,
		Helper:       dialect.SQLiteHelper{},
		DuplicateKey: IsDuplicateKey,
	}, nil
}

func fileName(dsn string) string {
	f := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(f, '?'); i >= 0 {
		f = f[:i]
	}
	return f
}

// IsDuplicateKey reports PRIMARY KEY and UNIQUE constraint failures.
func IsDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case constraintPrimaryKey, constraintUnique:
		return true
	case constraint:
		msg := se.Error()
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
	}
	return false
}
