// Package promote copies RAW tables into STAGING, applying each column's
// catalogue transform on the way.
package promote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/metrics"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

const defaultPageSize = 10000

// Stage promotes every table of the job.
type Stage struct {
	// PageSize is the number of RAW rows read per query.
	PageSize int
}

// Run empties each STAGING table (creating it from the catalogue when
// missing) and refills it from RAW page by page. ctx is polled between
// pages.
func (s *Stage) Run(ctx context.Context, job *load.Job) load.ExitCode {
	l := job.Notify()
	tables := job.Tables()
	if len(tables) == 0 {
		notify.Infof(l, "promote", "no tables")
		return load.OperationNotRequired
	}
	raw, err := job.Provider.Database(ctx, storage.Raw)
	if err != nil {
		notify.Errorf(l, "promote", err, "RAW database unavailable")
		return load.Failure(ctx, err)
	}
	staging, err := job.Provider.Database(ctx, storage.Staging)
	if err != nil {
		notify.Errorf(l, "promote", err, "STAGING database unavailable")
		return load.Failure(ctx, err)
	}
	for i, t := range tables {
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, "promote", "cancelled before %s", t.Name)
			skipped(job, staging, tables[i:], "skipped: cancelled", l)
			return load.Abort
		}
		if code := s.table(ctx, job, raw, staging, t); !code.OK() {
			reason := "skipped: an earlier table failed"
			if code == load.Abort {
				reason = "skipped: cancelled"
			}
			skipped(job, staging, tables[i+1:], reason, l)
			return code
		}
	}
	return load.Success
}

// skipped archives a record noting why each table was not promoted.
func skipped(job *load.Job, staging *storage.Database, tables []catalog.TableInfo, reason string, l notify.Listener) {
	ctx := context.Background()
	for _, t := range tables {
		tl, err := job.TableLoad(ctx, job.StageTable(t.Name, storage.Staging), staging)
		if err != nil {
			notify.Errorf(l, "promote:"+t.Name, err, "could not open audit record")
			continue
		}
		_ = tl.AddNote(reason)
		_ = tl.CloseAndArchive(ctx)
	}
}

func (s *Stage) pageSize() int {
	if s.PageSize <= 0 {
		return defaultPageSize
	}
	return s.PageSize
}

func (s *Stage) table(ctx context.Context, job *load.Job, raw, staging *storage.Database, t catalog.TableInfo) load.ExitCode {
	l := job.Notify()
	rawName := job.StageTable(t.Name, storage.Raw)
	stgName := job.StageTable(t.Name, storage.Staging)
	source := "promote:" + t.Name
	start := time.Now()

	tl, err := job.TableLoad(context.Background(), stgName, staging)
	if err != nil {
		notify.Errorf(l, source, err, "could not open audit record")
		return load.Error
	}
	defer func() { _ = tl.CloseAndArchive(context.Background()) }()

	ok, err := raw.TableExists(ctx, rawName)
	if err != nil {
		notify.Errorf(l, source, err, "could not check %s", rawName)
		_ = tl.AddNote(err.Error())
		return load.Failure(ctx, err)
	}
	if !ok {
		notify.Errorf(l, source, nil, "RAW table %s does not exist", rawName)
		_ = tl.AddNote(fmt.Sprintf("RAW table %s does not exist", rawName))
		return load.Error
	}
	if err := prepare(ctx, staging, stgName, t); err != nil {
		notify.Errorf(l, source, err, "could not prepare %s", stgName)
		_ = tl.AddNote("prepare: " + err.Error())
		return load.Failure(ctx, err)
	}

	query := SelectSQL(raw, rawName, t)
	cols := t.ColumnNames()
	var total int64
	for offset := 0; ; offset += s.pageSize() {
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, source, "cancelled after %d row(s)", total)
			_ = tl.AddNote("cancelled")
			return load.Abort
		}
		page, err := storage.ReadAll(ctx, raw.DB, query+" "+raw.Helper.PageClause(offset, s.pageSize()))
		if err != nil {
			notify.Errorf(l, source, err, "read %s", rawName)
			_ = tl.AddNote(err.Error())
			return load.Failure(ctx, err)
		}
		n, err := staging.BulkCopy(ctx, stgName, cols, page)
		if err != nil {
			notify.Errorf(l, source, err, "write %s", stgName)
			_ = tl.AddNote(err.Error())
			return load.Failure(ctx, err)
		}
		total += n
		_ = tl.IncrementInserts(n)
		if len(page) < s.pageSize() {
			break
		}
	}
	metrics.RecordRows(job.Name, stgName, "promoted", total)
	notify.Infof(l, source, "promoted %d row(s) %s -> %s in %s", total, rawName, stgName, time.Since(start).Truncate(time.Millisecond))
	return load.Success
}

// prepare creates the STAGING table when missing and empties it otherwise.
// STAGING is created without keys or NOT NULL, like RAW: duplicate and
// incomplete rows are classified per row by the migration.
func prepare(ctx context.Context, db *storage.Database, table string, t catalog.TableInfo) error {
	ok, err := db.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return db.CreateTable(ctx, table, t.Defs(true))
	}
	_, err = db.DeleteAll(ctx, table)
	return err
}

// SelectSQL renders the ordered RAW query for t. Columns with a transform
// are selected through it; the order is the primary key, or every column
// when the table has none.
func SelectSQL(raw *storage.Database, rawName string, t catalog.TableInfo) string {
	h := raw.Helper
	list := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		col := h.Wrap(c.Name)
		if strings.TrimSpace(c.Transform) != "" {
			list[i] = "(" + strings.ReplaceAll(c.Transform, "{column}", col) + ") AS " + col
		} else {
			list[i] = col
		}
	}
	order := t.PrimaryKeys()
	if len(order) == 0 {
		order = t.ColumnNames()
	}
	wrapped := make([]string, len(order))
	for i, c := range order {
		wrapped[i] = h.Wrap(c)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(list, ", "), raw.Quote(rawName), strings.Join(wrapped, ", "))
}

// Check validates every transform expression without touching data.
func Check(job *load.Job, raw *storage.Database, l notify.Listener) error {
	var failed int
	for _, t := range job.Tables() {
		stmt := SelectSQL(raw, job.StageTable(t.Name, storage.Raw), t)
		for _, p := range raw.Helper.ValidateStatement(stmt) {
			notify.Errorf(l, "promote:"+t.Name, nil, "%s", p)
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("promote: %d transform problem(s)", failed)
	}
	return nil
}
