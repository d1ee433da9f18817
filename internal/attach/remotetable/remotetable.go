// Package remotetable registers the "remotetable" attacher: rows are read
// page by page from a table on another server and bulk copied into RAW.
//
// Options:
//
//	source        {kind, dsn, database} of the remote server (required)
//	source_table  table to read (required)
//	table         LIVE table name whose RAW table is filled (required)
//	where         optional filter, e.g. "sample_date >= '2024-01-01'"
//	columns       columns to copy (default: those the two tables share)
//	page_size     rows per page (default 10000)
//	create_raw    ask the pipeline to create the RAW table (default true)
package remotetable

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

const Kind = "remotetable"

// openSource is replaced in tests.
var openSource = storage.New

func init() {
	attach.Register(Kind, func(o config.Options) (attach.Attacher, error) { return New(o) })
}

// Attacher copies a remote table into RAW.
type Attacher struct {
	attach.Base

	sourceCfg   storage.Config
	sourceTable string
	table       string
	where       string
	columns     []string
	pageSize    int
	createRaw   bool

	src *storage.Database
}

// New validates options.
func New(o config.Options) (*Attacher, error) {
	a := &Attacher{
		sourceCfg:   o.Storage("source"),
		sourceTable: strings.TrimSpace(o.String("source_table", "")),
		table:       strings.TrimSpace(o.String("table", "")),
		where:       strings.TrimSpace(o.String("where", "")),
		columns:     o.StringSlice("columns"),
		pageSize:    o.Int("page_size", 10000),
		createRaw:   o.Bool("create_raw", true),
	}
	switch {
	case a.sourceCfg.Kind == "":
		return nil, errors.New("source.kind is required")
	case a.sourceTable == "":
		return nil, errors.New("source_table is required")
	case a.table == "":
		return nil, errors.New("table is required")
	case a.pageSize <= 0:
		return nil, errors.Errorf("page_size must be > 0, got %d", a.pageSize)
	}
	return a, nil
}

func (a *Attacher) Kind() string                           { return Kind }
func (a *Attacher) RequestsExternalDatabaseCreation() bool { return a.createRaw }

func (a *Attacher) source() string { return Kind + ":" + a.sourceTable }

func (a *Attacher) open(ctx context.Context) (*storage.Database, error) {
	if a.src != nil {
		return a.src, nil
	}
	db, err := openSource(ctx, a.sourceCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	a.src = db
	return db, nil
}

// Check opens the source, validates the filter and reads one row.
func (a *Attacher) Check(ctx context.Context, l notify.Listener) error {
	source := a.source()
	if err := a.RequireTable(ctx, source, a.Env.RawTable(a.table), a.createRaw, l); err != nil {
		return err
	}
	src, err := a.open(ctx)
	if err != nil {
		notify.Errorf(l, source, err, "source unreachable")
		return err
	}
	ok, err := src.TableExists(ctx, a.sourceTable)
	if err != nil {
		notify.Errorf(l, source, err, "could not check source table")
		return err
	}
	if !ok {
		err := errors.Errorf("source table %s not found in %s", a.sourceTable, src.Describe())
		notify.Errorf(l, source, err, "source table missing")
		return err
	}
	if a.where != "" {
		stmt := "SELECT * FROM " + src.Quote(a.sourceTable) + " WHERE " + a.where
		if !dialect.Report(l, source, src.Helper.ValidateStatement(stmt)) {
			return errors.New("where clause failed validation")
		}
	}
	cols, err := a.resolveColumns(ctx, src)
	if err != nil {
		notify.Errorf(l, source, err, "could not resolve columns")
		return err
	}
	preview := dialect.SelectTop(src.Helper, selectList(src.Helper, cols), src.Quote(a.sourceTable), a.where, "", 1)
	rows, err := src.DB.QueryContext(ctx, preview)
	if err != nil {
		notify.Errorf(l, source, err, "preview query failed: %s", preview)
		return errors.Wrap(err, "preview")
	}
	_ = rows.Close()
	notify.Infof(l, source, "will copy %d column(s) from %s", len(cols), src.Describe())
	return nil
}

// resolveColumns returns the configured columns, or the columns present in
// both the source and RAW tables, in RAW order.
func (a *Attacher) resolveColumns(ctx context.Context, src *storage.Database) ([]string, error) {
	if len(a.columns) > 0 {
		return a.columns, nil
	}
	srcCols, err := src.DiscoverColumns(ctx, a.sourceTable)
	if err != nil {
		return nil, err
	}
	rawCols, err := a.Env.DB.DiscoverColumns(ctx, a.Env.RawTable(a.table))
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(srcCols))
	for _, c := range srcCols {
		have[strings.ToLower(c.Name)] = true
	}
	var out []string
	for _, c := range rawCols {
		if have[strings.ToLower(c.Name)] {
			out = append(out, c.Name)
		}
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s and %s share no columns", a.sourceTable, a.Env.RawTable(a.table))
	}
	return out, nil
}

func selectList(h dialect.QuerySyntaxHelper, cols []string) string {
	w := make([]string, len(cols))
	for i, c := range cols {
		w[i] = h.Wrap(c)
	}
	return strings.Join(w, ", ")
}

// Attach copies the source in pages ordered by every selected column. Each
// page is read completely before it is written.
func (a *Attacher) Attach(ctx context.Context, job *load.Job) load.ExitCode {
	source := a.source()
	l := job.Notify()
	raw := a.Env.RawTable(a.table)

	src, err := a.open(ctx)
	if err != nil {
		notify.Errorf(l, source, err, "source unreachable")
		return load.Failure(ctx, err)
	}
	cols, err := a.resolveColumns(ctx, src)
	if err != nil {
		notify.Errorf(l, source, err, "could not resolve columns")
		return load.Failure(ctx, err)
	}
	tl, err := job.TableLoad(ctx, raw, a.Env.DB)
	if err != nil {
		notify.Errorf(l, source, err, "could not open audit record")
		return load.Error
	}
	defer func() { _ = tl.CloseAndArchive(context.Background()) }()
	_ = tl.AddNote("copied from " + src.Describe() + "/" + a.sourceTable)

	list := selectList(src.Helper, cols)
	query := fmt.Sprintf("SELECT %s FROM %s", list, src.Quote(a.sourceTable))
	if a.where != "" {
		query += " WHERE " + a.where
	}
	query += " ORDER BY " + list

	a.MarkPopulated(raw)
	var total int64
	for offset := 0; ; offset += a.pageSize {
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, source, "cancelled after %d row(s)", total)
			return load.Abort
		}
		page, err := storage.ReadAll(ctx, src.DB, query+" "+src.Helper.PageClause(offset, a.pageSize))
		if err != nil {
			notify.Errorf(l, source, err, "read page at offset %d", offset)
			return load.Failure(ctx, err)
		}
		n, err := a.Env.DB.BulkCopy(ctx, raw, cols, page)
		if err != nil {
			notify.Errorf(l, source, err, "write page at offset %d", offset)
			return load.Failure(ctx, err)
		}
		total += n
		_ = tl.IncrementInserts(n)
		if len(page) < a.pageSize {
			break
		}
	}
	notify.Infof(l, source, "copied %d row(s) into %s", total, raw)
	if total == 0 {
		return load.OperationNotRequired
	}
	return load.Success
}

// LoadCompletedSoDispose closes the source and empties RAW on failure.
func (a *Attacher) LoadCompletedSoDispose(_ context.Context, exit load.ExitCode, l notify.Listener) {
	a.Revert(exit, a.source(), l)
	if a.src != nil {
		if err := a.src.Close(); err != nil {
			notify.Warnf(l, a.source(), "closing source: %v", err)
		}
		a.src = nil
	}
}
