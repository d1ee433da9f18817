package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/metrics"
)

// Origin retrieves chunks from wherever they live remotely. Returning an
// error wrapping ErrNotFound marks the miss as permanent.
type Origin interface {
	Open(ctx context.Context, r Request) (io.ReadCloser, error)
}

// OriginFunc adapts a function to Origin.
type OriginFunc func(ctx context.Context, r Request) (io.ReadCloser, error)

func (f OriginFunc) Open(ctx context.Context, r Request) (io.ReadCloser, error) { return f(ctx, r) }

// Status says how a successful Fetch was satisfied.
type Status int

const (
	Hit Status = iota
	Fetched
)

func (s Status) String() string {
	if s == Hit {
		return "hit"
	}
	return "fetched"
}

// Result is a successful fetch.
type Result struct {
	Status Status
	Path   string
	Bytes  int64
}

// Manager serves requests from the layout and fetches misses from the
// origin. It is safe for concurrent use; concurrent fetches of one request
// share a single origin call.
type Manager struct {
	layout  Layout
	origin  Origin
	limiter *rate.Limiter
	group   singleflight.Group
	log     logger.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRateLimit throttles origin calls to r per second with burst b.
func WithRateLimit(r rate.Limit, b int) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(r, b) }
}

// WithLogger sets the manager's logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a manager over layout. origin may be nil, in which case
// misses fail with ErrNotCached.
func NewManager(layout Layout, origin Origin, opts ...Option) *Manager {
	m := &Manager{layout: layout, origin: origin, log: logger.NopLogger}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Layout returns the manager's layout.
func (m *Manager) Layout() Layout { return m.layout }

// HasOrigin reports whether misses can be fetched.
func (m *Manager) HasOrigin() bool { return m.origin != nil }

// Fetch returns the cached chunk for r, fetching and committing it first on a
// miss. Errors are *FetchError.
func (m *Manager) Fetch(ctx context.Context, r Request) (Result, error) {
	if err := r.Validate(); err != nil {
		return Result{}, fetchError(r, CodeInvalidRequest, false, err)
	}
	if res, ok, err := m.lookup(r); err != nil || ok {
		return res, err
	}

	v, err, _ := m.group.Do(r.Key(), func() (any, error) {
		// another caller may have committed while we waited
		if res, ok, err := m.lookup(r); err != nil || ok {
			return res, err
		}
		return m.fetch(ctx, r)
	})
	if err != nil {
		metrics.RecordCache(r.Source, "failed", 0)
		m.log.Warnf("cache: fetch failed key=%s err=%v", r.Key(), err)
		return Result{}, err
	}
	return v.(Result), nil
}

func (m *Manager) lookup(r Request) (Result, bool, error) {
	p, ok, err := m.layout.Lookup(r)
	if err != nil {
		return Result{}, false, fetchError(r, CodeWriteFailed, false, err)
	}
	if !ok {
		return Result{}, false, nil
	}
	metrics.RecordCache(r.Source, "hit", 0)
	m.log.Debugf("cache: hit key=%s path=%s", r.Key(), p)
	return Result{Status: Hit, Path: p}, true, nil
}

func (m *Manager) fetch(ctx context.Context, r Request) (Result, error) {
	if m.origin == nil {
		return Result{}, fetchError(r, CodeNotCached, false, ErrNotCached)
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return Result{}, fetchError(r, CodeCancelled, true, err)
		}
	}
	rc, err := m.origin.Open(ctx, r)
	if err != nil {
		return Result{}, classify(r, err)
	}
	defer rc.Close()

	dest := m.layout.PathFor(r)
	n, err := commit(ctx, r, dest, rc)
	if err != nil {
		return Result{}, err
	}
	metrics.RecordCache(r.Source, "fetched", n)
	m.log.Infof("cache: fetched key=%s bytes=%d path=%s", r.Key(), n, dest)
	return Result{Status: Fetched, Path: dest, Bytes: n}, nil
}

// commit streams src into a temporary file beside dest, syncs it and renames
// it into place. On any failure the temporary file is removed and dest is
// left untouched.
func commit(ctx context.Context, r Request, dest string, src io.Reader) (n int64, err error) {
	writeFailed := func(e error) error { return fetchError(r, CodeWriteFailed, true, e) }

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, writeFailed(err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(dest)+"."+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, writeFailed(err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := &fileWriter{f: f}
	if n, err = io.Copy(w, &ctxReader{ctx: ctx, r: src}); err != nil {
		if w.err != nil {
			return n, writeFailed(w.err)
		}
		return n, classify(r, err)
	}
	if err = f.Sync(); err != nil {
		return n, writeFailed(errors.Wrap(err, "sync temp"))
	}
	if err = f.Close(); err != nil {
		return n, writeFailed(errors.Wrap(err, "close temp"))
	}
	if err = rename(tmp, dest); err != nil {
		return n, writeFailed(errors.Wrap(err, "commit"))
	}
	syncDir(dir)
	return n, nil
}

// fileWriter records write-side errors so they are not blamed on the origin.
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// rename is a test hook.
var rename = os.Rename

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// IsTemp reports whether name is a temporary file written by the manager.
func IsTemp(name string) bool { return strings.HasSuffix(name, tempSuffix) }
