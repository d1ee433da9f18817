// Package sqlstore persists audit records in a relational logging database
// through the dialect layer, so any supported engine can host the audit.
package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

const (
	RunTable   = "DataLoadRun"
	TableTable = "TableLoadRun"
	timeLayout = time.RFC3339Nano
)

var runColumns = []dialect.ColumnDef{
	{Name: "ID", AutoIncrement: true},
	{Name: "run_id", Type: "varchar(36)"},
	{Name: "job", Type: "varchar(200)"},
	{Name: "description", Type: "varchar(1000)", Nullable: true},
	{Name: "start_time", Type: "varchar(40)"},
	{Name: "end_time", Type: "varchar(40)", Nullable: true},
	{Name: "failed", Type: "integer"},
}

var tableColumns = []dialect.ColumnDef{
	{Name: "ID", AutoIncrement: true},
	{Name: "load_id", Type: "varchar(36)"},
	{Name: "run_id", Type: "varchar(36)"},
	{Name: "table_name", Type: "varchar(400)"},
	{Name: "destination", Type: "varchar(400)"},
	{Name: "inserts", Type: "bigint"},
	{Name: "updates", Type: "bigint"},
	{Name: "deletes", Type: "bigint"},
	{Name: "discarded_duplicates", Type: "bigint"},
	{Name: "error_rows", Type: "bigint"},
	{Name: "notes", Type: "varchar(4000)", Nullable: true},
	{Name: "start_time", Type: "varchar(40)"},
	{Name: "end_time", Type: "varchar(40)", Nullable: true},
	{Name: "archived", Type: "integer"},
}

// Store is an audit.Store writing to db.
type Store struct {
	db *storage.Database
}

var _ audit.Store = (*Store)(nil)

// New returns a store over db after creating the audit tables if missing.
func New(ctx context.Context, db *storage.Database) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for name, cols := range map[string][]dialect.ColumnDef{RunTable: runColumns, TableTable: tableColumns} {
		ok, err := s.db.TableExists(ctx, name)
		if err != nil {
			return errors.Wrap(err, "sqlstore")
		}
		if ok {
			continue
		}
		if err := s.db.CreateTable(ctx, name, cols); err != nil {
			return errors.Wrap(err, "sqlstore")
		}
	}
	return nil
}

func (s *Store) w(name string) string { return s.db.Helper.Wrap(name) }

func (s *Store) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s.db.Helper.Placeholder(i + 1)
	}
	return out
}

func (s *Store) insert(ctx context.Context, table string, cols []string, args ...any) error {
	wrapped := make([]string, len(cols))
	for i, c := range cols {
		wrapped[i] = s.w(c)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.db.Quote(table),
		strings.Join(wrapped, ", "), strings.Join(s.placeholders(len(cols)), ", "))
	_, err := s.db.DB.ExecContext(ctx, q, args...)
	return errors.Wrapf(err, "sqlstore: insert %s", table)
}

// set renders "a = ?, b = ?" starting at placeholder 1.
func (s *Store) set(cols []string) string {
	ph := s.placeholders(len(cols))
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = s.w(c) + " = " + ph[i]
	}
	return strings.Join(parts, ", ")
}

func stamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateRun(ctx context.Context, r audit.RunRecord) error {
	return s.insert(ctx, RunTable,
		[]string{"run_id", "job", "description", "start_time", "end_time", "failed"},
		r.ID, r.Job, r.Description, stamp(r.Start), stamp(r.End), flag(r.Failed))
}

func (s *Store) EndRun(ctx context.Context, r audit.RunRecord) error {
	cols := []string{"end_time", "failed"}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", s.db.Quote(RunTable), s.set(cols),
		s.w("run_id"), s.db.Helper.Placeholder(len(cols)+1))
	res, err := s.db.DB.ExecContext(ctx, q, stamp(r.End), flag(r.Failed), r.ID)
	if err != nil {
		return errors.Wrap(err, "sqlstore: end run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(audit.ErrUnknownRecord, r.ID)
	}
	return nil
}

func (s *Store) CreateTableLoad(ctx context.Context, t audit.TableRecord) error {
	return s.insert(ctx, TableTable,
		[]string{"load_id", "run_id", "table_name", "destination", "inserts", "updates", "deletes",
			"discarded_duplicates", "error_rows", "notes", "start_time", "end_time", "archived"},
		t.ID, t.RunID, t.Table, t.Destination, t.Inserts, t.Updates, t.Deletes,
		t.DiscardedDuplicates, t.ErrorRows, strings.Join(t.Notes, "\n"), stamp(t.Start), stamp(t.End), 0)
}

// ArchiveTableLoad writes the final counters and flips the archived flag in
// one statement guarded on the flag still being clear.
func (s *Store) ArchiveTableLoad(ctx context.Context, t audit.TableRecord) error {
	cols := []string{"inserts", "updates", "deletes", "discarded_duplicates", "error_rows", "notes", "end_time", "archived"}
	h := s.db.Helper
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND %s = 0", s.db.Quote(TableTable), s.set(cols),
		s.w("load_id"), h.Placeholder(len(cols)+1), s.w("archived"))
	res, err := s.db.DB.ExecContext(ctx, q, t.Inserts, t.Updates, t.Deletes, t.DiscardedDuplicates,
		t.ErrorRows, strings.Join(t.Notes, "\n"), stamp(t.End), 1, t.ID)
	if err != nil {
		return errors.Wrap(err, "sqlstore: archive table load")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var count int
	q = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s", s.db.Quote(TableTable), s.w("load_id"), h.Placeholder(1))
	if err := s.db.DB.QueryRowContext(ctx, q, t.ID).Scan(&count); err != nil {
		return errors.Wrap(err, "sqlstore: archive table load")
	}
	if count == 0 {
		return errors.Wrap(audit.ErrUnknownRecord, t.ID)
	}
	return errors.Wrap(audit.ErrArchived, t.Table)
}

// TableLoads reads back the table records of a run.
func (s *Store) TableLoads(ctx context.Context, runID string) ([]audit.TableRecord, error) {
	h := s.db.Helper
	q := fmt.Sprintf("SELECT %s, %s, %s, %s, %s, %s, %s, %s, %s FROM %s WHERE %s = %s ORDER BY %s",
		s.w("load_id"), s.w("table_name"), s.w("destination"), s.w("inserts"), s.w("updates"),
		s.w("deletes"), s.w("discarded_duplicates"), s.w("error_rows"), s.w("notes"),
		s.db.Quote(TableTable), s.w("run_id"), h.Placeholder(1), s.w("ID"))
	rows, err := s.db.DB.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: table loads")
	}
	defer rows.Close()
	var out []audit.TableRecord
	for rows.Next() {
		t := audit.TableRecord{RunID: runID}
		var notes *string
		if err := rows.Scan(&t.ID, &t.Table, &t.Destination, &t.Inserts, &t.Updates, &t.Deletes,
			&t.DiscardedDuplicates, &t.ErrorRows, &notes); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan table load")
		}
		if notes != nil && *notes != "" {
			t.Notes = strings.Split(*notes, "\n")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
