// Package flatfile registers the "flatfile" attacher: every file in
// Data/ForLoading matching a glob pattern is loaded into one RAW table, and
// the files move to Data/ForArchiving once the whole load has succeeded.
//
// Options:
//
//	table       LIVE table name (required)
//	pattern     glob inside ForLoading (default "*.csv")
//	batch_size  rows per insert batch (default: the job's batch size)
//	archive     move loaded files to ForArchiving on success (default true)
//	create_raw  ask the pipeline to create the RAW table (default true)
//
// plus the delimited options read by attach.DelimitedFromOptions.
package flatfile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

const Kind = "flatfile"

func init() {
	attach.Register(Kind, func(o config.Options) (attach.Attacher, error) { return New(o) })
}

// Attacher loads delimited files.
type Attacher struct {
	attach.Base

	table     string
	pattern   string
	batchSize int
	archive   bool
	createRaw bool
	format    attach.Delimited

	loaded []string
}

// New validates options.
func New(o config.Options) (*Attacher, error) {
	a := &Attacher{
		table:     strings.TrimSpace(o.String("table", "")),
		pattern:   o.String("pattern", "*.csv"),
		batchSize: o.Int("batch_size", 0),
		archive:   o.Bool("archive", true),
		createRaw: o.Bool("create_raw", true),
		format:    attach.DelimitedFromOptions(o),
	}
	if a.table == "" {
		return nil, errors.New("table is required")
	}
	if _, err := filepath.Match(a.pattern, ""); err != nil {
		return nil, errors.Wrapf(err, "pattern %q", a.pattern)
	}
	if strings.ContainsRune(a.pattern, filepath.Separator) || strings.Contains(a.pattern, "..") {
		return nil, errors.Errorf("pattern %q must name files directly inside ForLoading", a.pattern)
	}
	if _, err := a.format.Decoder(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Attacher) Kind() string                           { return Kind }
func (a *Attacher) RequestsExternalDatabaseCreation() bool { return a.createRaw }

// Check requires the RAW table and reports how many files are waiting.
func (a *Attacher) Check(ctx context.Context, l notify.Listener) error {
	source := a.source()
	if err := a.RequireTable(ctx, source, a.Env.RawTable(a.table), a.createRaw, l); err != nil {
		return err
	}
	files, err := a.files()
	if err != nil {
		notify.Errorf(l, source, err, "could not list %s", a.Env.Project.ForLoading())
		return err
	}
	if len(files) == 0 {
		notify.Warnf(l, source, "no files match %s in %s", a.pattern, a.Env.Project.ForLoading())
	} else {
		notify.Infof(l, source, "%d file(s) match %s", len(files), a.pattern)
	}
	return nil
}

// Attach loads every matching file in name order.
func (a *Attacher) Attach(ctx context.Context, job *load.Job) load.ExitCode {
	source := a.source()
	l := job.Notify()
	raw := a.Env.RawTable(a.table)

	files, err := a.files()
	if err != nil {
		notify.Errorf(l, source, err, "could not list files")
		return load.Error
	}
	if len(files) == 0 {
		notify.Infof(l, source, "nothing to load")
		return load.OperationNotRequired
	}

	tl, err := job.TableLoad(ctx, raw, a.Env.DB)
	if err != nil {
		notify.Errorf(l, source, err, "could not open audit record")
		return load.Error
	}
	defer func() { _ = tl.CloseAndArchive(context.Background()) }()

	batch := a.batchSize
	if batch <= 0 {
		batch = job.Batch()
	}
	a.MarkPopulated(raw)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, source, "cancelled before %s", filepath.Base(f))
			return load.Abort
		}
		res, err := a.loadFile(ctx, f, raw, batch, tl)
		if err != nil {
			_ = tl.AddNote(filepath.Base(f) + ": " + err.Error())
			notify.Errorf(l, source, err, "load %s", filepath.Base(f))
			return load.Failure(ctx, err)
		}
		a.loaded = append(a.loaded, f)
		notify.Infof(l, source, "%s: %d row(s) loaded, %d rejected", filepath.Base(f), res.Rows, res.ErrorRows)
	}
	return load.Success
}

func (a *Attacher) loadFile(ctx context.Context, path, raw string, batch int, tl *audit.TableLoadInfo) (attach.DelimitedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return attach.DelimitedResult{}, errors.Wrap(err, "open")
	}
	defer f.Close()
	_ = tl.AddNote("loaded " + filepath.Base(path))
	return attach.LoadDelimited(ctx, f, a.format, a.Env.DB, raw, batch, tl, a.Env.Log)
}

// LoadCompletedSoDispose archives loaded files after a successful load and
// empties RAW otherwise.
func (a *Attacher) LoadCompletedSoDispose(_ context.Context, exit load.ExitCode, l notify.Listener) {
	source := a.source()
	defer func() { a.loaded = nil }()
	if !exit.OK() {
		a.Revert(exit, source, l)
		return
	}
	if !a.archive {
		return
	}
	for _, f := range a.loaded {
		dest, err := a.Env.Project.Archive(f)
		if err != nil {
			notify.Errorf(l, source, err, "could not archive %s", filepath.Base(f))
			continue
		}
		notify.Infof(l, source, "archived %s to %s", filepath.Base(f), dest)
	}
}

func (a *Attacher) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(a.Env.Project.ForLoading(), a.pattern))
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if fi, err := os.Stat(f); err == nil && fi.Mode().IsRegular() {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (a *Attacher) source() string { return Kind + ":" + a.table }
