package dilution

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/metrics"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Step applies one operation to one column of a LIVE-named table.
type Step struct {
	Operation Operation
	Table     string
	Column    string
}

// Stage runs steps against the job's STAGING database.
type Stage struct {
	Steps []Step
}

// Run binds and checks every step, then executes them in order. Nothing is
// executed if any check fails. Each statement runs in its own transaction
// and ctx is polled between statements.
func (s *Stage) Run(ctx context.Context, job *load.Job) load.ExitCode {
	l := job.Notify()
	if len(s.Steps) == 0 {
		return load.OperationNotRequired
	}
	db, err := job.Provider.Database(ctx, storage.Staging)
	if err != nil {
		notify.Errorf(l, "dilution", err, "STAGING database unavailable")
		return load.Failure(ctx, err)
	}
	return s.run(ctx, job, db, storage.Staging)
}

func (s *Stage) run(ctx context.Context, job *load.Job, db *storage.Database, stage storage.Stage) load.ExitCode {
	l := job.Notify()
	if stage != storage.Staging {
		notify.Errorf(l, "dilution", nil, "refusing to dilute %s; dilution only runs against STAGING", stage)
		return load.Error
	}
	if err := ctx.Err(); err != nil {
		notify.Warnf(l, "dilution", "cancelled before start")
		return load.Abort
	}

	// bind and check everything before the first UPDATE
	failed := false
	for _, st := range s.Steps {
		table := job.StageTable(st.Table, storage.Staging)
		dataType, err := columnType(ctx, job, db, st.Table, table, st.Column)
		if err != nil {
			notify.Errorf(l, "dilution:"+st.Operation.Name(), err, "cannot resolve %s.%s", table, st.Column)
			failed = true
			continue
		}
		st.Operation.SetColumn(ColumnToDilute{Table: table, Column: st.Column, DataType: dataType, Helper: db.Helper})
		if err := st.Operation.Check(l); err != nil {
			failed = true
		}
	}
	if failed {
		return load.Error
	}

	for _, st := range s.Steps {
		source := "dilution:" + st.Operation.Name()
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, source, "cancelled before %s.%s", st.Table, st.Column)
			return load.Abort
		}
		sql, err := st.Operation.GetMutilationSQL()
		if err != nil {
			notify.Errorf(l, source, err, "could not render SQL")
			return load.Error
		}
		if !dialect.Report(l, source, db.Helper.ValidateStatement(sql)) {
			return load.Error
		}
		start := time.Now()
		n, err := execInTx(ctx, db, sql)
		if err != nil {
			notify.Errorf(l, source, err, "failed: %s", sql)
			return load.Failure(ctx, err)
		}
		metrics.RecordRows(job.Name, st.Table, "diluted", n)
		notify.Infof(l, source, "diluted %d row(s) of %s.%s in %s", n, st.Table, st.Column, time.Since(start).Truncate(time.Millisecond))
	}
	return load.Success
}

// columnType prefers the catalogue's declared type and falls back to the
// STAGING table's discovered type.
func columnType(ctx context.Context, job *load.Job, db *storage.Database, liveTable, table, column string) (string, error) {
	if t, ok := job.Table(liveTable); ok {
		if c, ok := t.Column(column); ok && c.Type != "" {
			return c.Type, nil
		}
	}
	cols, err := db.DiscoverColumns(ctx, table)
	if err != nil {
		return "", err
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, column) {
			return c.Type, nil
		}
	}
	return "", errors.Errorf("column %s not found in %s", column, table)
}

func execInTx(ctx context.Context, db *storage.Database, sql string) (int64, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	res, err := tx.ExecContext(ctx, sql)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
