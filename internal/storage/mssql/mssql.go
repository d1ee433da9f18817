// Package mssql registers the "sqlserver" storage kind (alias "mssql") on
// github.com/microsoft/go-mssqldb. Bulk copies use the driver's CopyIn.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// SQL Server error numbers for primary key and unique index violations.
const (
	errPrimaryKey  = 2627
	errUniqueIndex = 2601
)

var openDB = sql.Open

func init() {
	storage.Register("sqlserver", Open)
	storage.Register("mssql", Open)
}

// Open validates the DSN early, opens a pool and pings it.
func Open(ctx context.Context, cfg storage.Config) (*storage.Database, error) {
	p, err := msdsn.Parse(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "mssql dsn")
	}
	name := p.Database
	if cfg.Database != "" {
		name = cfg.Database
	}
	db, err := openDB("sqlserver", cfg.DSN)
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
	server := p.Host
	if p.Instance != "" {
		server += `\` + p.Instance
	} else if p.Port != 0 {
		server = fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	return &storage.Database{
		Kind:         "sqlserver",
		Server:       server,
		Name:         name,
		DB:           db,
		Helper:       dialect.SQLServerHelper{},
		Bulk:         copyIn(db),
		DuplicateKey: IsDuplicateKey,
	}, nil
}

// copyIn bulk inserts a batch in its own transaction.
func copyIn(db *sql.DB) storage.BulkFn {
	return func(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return 0, errors.Wrap(err, "begin tx")
		}
		rollback := func() { _ = tx.Rollback() }

		stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
		if err != nil {
			rollback()
			return 0, errors.Wrap(err, "prepare bulk")
		}
		for i := range rows {
			if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
				_ = stmt.Close()
				rollback()
				return 0, errors.Wrapf(err, "bulk row %d", i)
			}
		}
		res, err := stmt.ExecContext(ctx)
		if cerr := stmt.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			rollback()
			return 0, errors.Wrap(err, "bulk finalize")
		}
		n, err := res.RowsAffected()
		if err != nil {
			rollback()
			return 0, errors.Wrap(err, "rows affected")
		}
		if err := tx.Commit(); err != nil {
			return 0, errors.Wrap(err, "commit")
		}
		return n, nil
	}
}

// IsDuplicateKey reports primary key and unique index violations.
func IsDuplicateKey(err error) bool {
	var me mssql.Error
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == errPrimaryKey || me.Number == errUniqueIndex
}
