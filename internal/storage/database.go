package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
)

// BulkFn inserts rows (aligned to columns) into table and returns the number
// of rows written. table is a logical, unwrapped name.
type BulkFn func(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

// Column is a discovered column of a live table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Database is a discovered server/database handle. It is owned by the
// Provider that opened it; stages borrow it and must not Close it.
type Database struct {
	Kind   string
	Server string
	Name   string
	DB     *sql.DB
	Helper dialect.QuerySyntaxHelper

	// Bulk is the backend's fastest insert path; nil falls back to
	// prepared single-row inserts in one transaction.
	Bulk BulkFn
	// DuplicateKey reports whether err is a unique/primary key violation.
	DuplicateKey func(err error) bool
}

// Describe returns the connection descriptor recorded in audit rows. It never
// includes credentials.
func (d *Database) Describe() string {
	return fmt.Sprintf("%s://%s/%s", d.Kind, d.Server, d.Name)
}

// Close closes the underlying pool.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Quote wraps a logical (possibly dotted) table name.
func (d *Database) Quote(table string) string { return d.Helper.EnsureWrapped(table) }

// TableExists reports whether table exists in the database.
func (d *Database) TableExists(ctx context.Context, table string) (bool, error) {
	name := d.Helper.NormalizeIdentifier(d.Helper.GetRuntimeName(table))
	var n int
	if err := d.DB.QueryRowContext(ctx, d.Helper.TableExistsSQL(), name).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "table exists %s", table)
	}
	return n > 0, nil
}

// DiscoverColumns lists the columns of table in ordinal order.
func (d *Database) DiscoverColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.DB.QueryContext(ctx, "SELECT * FROM "+d.Quote(table)+" WHERE 1=0")
	if err != nil {
		return nil, errors.Wrapf(err, "discover columns %s", table)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrapf(err, "column types %s", table)
	}
	out := make([]Column, 0, len(types))
	for _, ct := range types {
		nullable, ok := ct.Nullable()
		out = append(out, Column{Name: ct.Name(), Type: ct.DatabaseTypeName(), Nullable: nullable || !ok})
	}
	return out, rows.Err()
}

// CreateTable creates table from cols.
func (d *Database) CreateTable(ctx context.Context, table string, cols []dialect.ColumnDef) error {
	ddl, err := dialect.CreateTableSQL(d.Helper, table, cols)
	if err != nil {
		return err
	}
	if _, err := d.DB.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}
	return nil
}

// DeleteAll removes every row from table and returns how many went.
func (d *Database) DeleteAll(ctx context.Context, table string) (int64, error) {
	res, err := d.DB.ExecContext(ctx, "DELETE FROM "+d.Quote(table))
	if err != nil {
		return 0, errors.Wrapf(err, "empty %s", table)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RowCount counts the rows in table.
func (d *Database) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := d.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.Quote(table)).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", table)
	}
	return n, nil
}

// IsDuplicateKey classifies err using the backend's classifier.
func (d *Database) IsDuplicateKey(err error) bool {
	return err != nil && d.DuplicateKey != nil && d.DuplicateKey(err)
}

// BulkCopy writes rows into table using the backend's bulk path.
func (d *Database) BulkCopy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, errors.Errorf("bulk copy %s: no columns", table)
	}
	if d.Bulk != nil {
		n, err := d.Bulk(ctx, table, columns, rows)
		return n, errors.Wrapf(err, "bulk copy %s", table)
	}
	n, err := InsertRows(ctx, d.DB, d.Helper, table, columns, rows)
	return n, errors.Wrapf(err, "bulk copy %s", table)
}

// CopyInto binds BulkCopy to one table for LoadBatches.
func (d *Database) CopyInto(table string) CopyFn {
	return func(ctx context.Context, columns []string, rows [][]any) (int64, error) {
		return d.BulkCopy(ctx, table, columns, rows)
	}
}

// InsertStatement renders a single-row parameterised INSERT.
func InsertStatement(h dialect.QuerySyntaxHelper, table string, columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = h.Wrap(c)
		ph[i] = h.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", h.EnsureWrapped(table), strings.Join(cols, ", "), strings.Join(ph, ", "))
}

// InsertRows inserts rows with one prepared statement inside a transaction.
// It is all-or-nothing: any failing row rolls the batch back.
func InsertRows(ctx context.Context, db *sql.DB, h dialect.QuerySyntaxHelper, table string, columns []string, rows [][]any) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	stmt, err := tx.PrepareContext(ctx, InsertStatement(h, table, columns))
	if err != nil {
		_ = tx.Rollback()
		return 0, errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return 0, errors.Errorf("row %d has %d values for %d columns", i, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, errors.Wrapf(err, "insert row %d", i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	return int64(len(rows)), nil
}
