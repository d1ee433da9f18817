// Package cachefile registers the "cachefile" attacher: a time range of a
// remote source is split into windows, each window is served from the load
// cache (fetched from the cache origin on a miss) and loaded into RAW as
// delimited text.
//
// Options:
//
//	source      origin source name (required)
//	format      chunk format and file extension (default "csv")
//	start, end  the range, RFC 3339 or YYYY-MM-DD (required)
//	step        window length (default "24h")
//	table       LIVE table name (required)
//	batch_size  rows per insert batch (default: the job's batch size)
//	create_raw  ask the pipeline to create the RAW table (default true)
//
// plus the delimited options read by attach.DelimitedFromOptions.
package cachefile

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/cache"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

const Kind = "cachefile"

func init() {
	attach.Register(Kind, func(o config.Options) (attach.Attacher, error) { return New(o) })
}

// Attacher loads cached chunks.
type Attacher struct {
	attach.Base

	table     string
	batchSize int
	createRaw bool
	format    attach.Delimited
	windows   []cache.Request

	cache *cache.Manager
}

// New validates options and computes the windows.
func New(o config.Options) (*Attacher, error) {
	a := &Attacher{
		table:     strings.TrimSpace(o.String("table", "")),
		batchSize: o.Int("batch_size", 0),
		createRaw: o.Bool("create_raw", true),
		format:    attach.DelimitedFromOptions(o),
	}
	if a.table == "" {
		return nil, errors.New("table is required")
	}
	source := strings.TrimSpace(o.String("source", ""))
	if source == "" {
		return nil, errors.New("source is required")
	}
	start, end := o.Time("start", time.Time{}), o.Time("end", time.Time{})
	if start.IsZero() || end.IsZero() {
		return nil, errors.New("start and end are required")
	}
	w, err := cache.Windows(source, o.String("format", "csv"), start, end, o.Duration("step", 24*time.Hour))
	if err != nil {
		return nil, err
	}
	a.windows = w
	if _, err := a.format.Decoder(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Attacher) Kind() string                           { return Kind }
func (a *Attacher) RequestsExternalDatabaseCreation() bool { return a.createRaw }

// Windows lists the chunks this attacher loads.
func (a *Attacher) Windows() []cache.Request { return append([]cache.Request(nil), a.windows...) }

// Initialize uses the job's cache manager, or a read-only one over the
// project's cache directory.
func (a *Attacher) Initialize(env attach.Env) error {
	if err := a.Base.Initialize(env); err != nil {
		return err
	}
	a.cache = env.Cache
	if a.cache == nil {
		a.cache = cache.NewManager(cache.CreateCacheLayout(env.Project.Root), nil, cache.WithLogger(env.Log))
	}
	return nil
}

func (a *Attacher) source() string { return Kind + ":" + a.table }

// Check reports how many windows are already cached. Missing windows are an
// error when there is no origin to fetch them from.
func (a *Attacher) Check(ctx context.Context, l notify.Listener) error {
	source := a.source()
	if err := a.RequireTable(ctx, source, a.Env.RawTable(a.table), a.createRaw, l); err != nil {
		return err
	}
	var missing int
	for _, r := range a.windows {
		_, ok, err := a.cache.Layout().Lookup(r)
		if err != nil {
			notify.Errorf(l, source, err, "cache lookup %s", r)
			return err
		}
		if !ok {
			missing++
		}
	}
	switch {
	case missing == 0:
		notify.Infof(l, source, "all %d window(s) cached", len(a.windows))
	case !a.cache.HasOrigin():
		err := errors.Wrapf(cache.ErrNotCached, "%d of %d window(s)", missing, len(a.windows))
		notify.Errorf(l, source, err, "windows missing and no cache origin configured")
		return err
	default:
		notify.Infof(l, source, "%d of %d window(s) will be fetched", missing, len(a.windows))
	}
	return nil
}

// Attach fetches and loads each window in order.
func (a *Attacher) Attach(ctx context.Context, job *load.Job) load.ExitCode {
	source := a.source()
	l := job.Notify()
	raw := a.Env.RawTable(a.table)

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
	var total int64
	for _, r := range a.windows {
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, source, "cancelled before %s", r)
			return load.Abort
		}
		res, err := a.cache.Fetch(ctx, r)
		if err != nil {
			_ = tl.AddNote(r.String() + ": " + err.Error())
			notify.Errorf(l, source, err, "fetch %s", r)
			return load.Failure(ctx, err)
		}
		notify.Infof(l, source, "%s %s (%d bytes)", res.Status, r, res.Bytes)
		n, err := a.loadChunk(ctx, res.Path, raw, batch, tl)
		if err != nil {
			_ = tl.AddNote(r.String() + ": " + err.Error())
			notify.Errorf(l, source, err, "load %s", r)
			return load.Failure(ctx, err)
		}
		total += n
	}
	if total == 0 {
		notify.Infof(l, source, "no rows in %d window(s)", len(a.windows))
		return load.OperationNotRequired
	}
	notify.Infof(l, source, "loaded %d row(s) into %s", total, raw)
	return load.Success
}

func (a *Attacher) loadChunk(ctx context.Context, path, raw string, batch int, tl *audit.TableLoadInfo) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open chunk")
	}
	defer f.Close()
	res, err := attach.LoadDelimited(ctx, f, a.format, a.Env.DB, raw, batch, tl, a.Env.Log)
	return res.Rows, err
}

// LoadCompletedSoDispose empties RAW after a failed load. Cached chunks are
// kept for the next attempt.
func (a *Attacher) LoadCompletedSoDispose(_ context.Context, exit load.ExitCode, l notify.Listener) {
	a.Revert(exit, a.source(), l)
}
