// Package mysql registers the "mysql" storage kind on
// github.com/go-sql-driver/mysql. Bulk copies are chunked multi-row INSERTs.
package mysql

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

const (
	errDupEntry = 1062
	// maxPlaceholders stays under the server's 65535 prepared-parameter limit.
	maxPlaceholders = 60000
)

var openDB = sql.Open

func init() {
	storage.Register("mysql", Open)
	storage.Register("mariadb", Open)
}

// Open parses the DSN, opens a pool and pings it.
func Open(ctx context.Context, cfg storage.Config) (*storage.Database, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "mysql dsn")
	}
	name := mc.DBName
	if cfg.Database != "" {
		name = cfg.Database
	}
	db, err := openDB("mysql", cfg.DSN)
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
		Kind:         "mysql",
		Server:       mc.Addr,
		Name:         name,
		DB:           db,
		Helper:       dialect.MySQLHelper{},
		Bulk:         multiRowInsert(db),
		DuplicateKey: IsDuplicateKey,
	}, nil
}

// MultiRowInsertSQL renders INSERT ... VALUES (?,?),(?,?) for n rows.
func MultiRowInsertSQL(table string, columns []string, n int) string {
	h := dialect.MySQLHelper{}
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = h.Wrap(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	values := strings.TrimSuffix(strings.Repeat(tuple+",", n), ",")
	return "INSERT INTO " + h.EnsureWrapped(table) + " (" + strings.Join(cols, ",") + ") VALUES " + values
}

func multiRowInsert(db *sql.DB) storage.BulkFn {
	return func(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
		per := maxPlaceholders / len(columns)
		if per < 1 {
			per = 1
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return 0, errors.Wrap(err, "begin tx")
		}
		var total int64
		for start := 0; start < len(rows); start += per {
			end := start + per
			if end > len(rows) {
				end = len(rows)
			}
			args := make([]any, 0, (end-start)*len(columns))
			for _, r := range rows[start:end] {
				if len(r) != len(columns) {
					_ = tx.Rollback()
					return 0, errors.Errorf("row has %d values for %d columns", len(r), len(columns))
				}
				args = append(args, r...)
			}
			res, err := tx.ExecContext(ctx, MultiRowInsertSQL(table, columns, end-start), args...)
			if err != nil {
				_ = tx.Rollback()
				return 0, errors.Wrap(err, "insert")
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if err := tx.Commit(); err != nil {
			return 0, errors.Wrap(err, "commit")
		}
		return total, nil
	}
}

// IsDuplicateKey reports ER_DUP_ENTRY.
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}
