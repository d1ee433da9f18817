package cachefile

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/cache"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/sqlite"
)

var opts = config.Options{
	"source": "labs",
	"start":  "2024-01-01",
	"end":    "2024-01-03",
	"table":  "Tests",
}

// dayOrigin serves one row per window, keyed by the window's day.
func dayOrigin(calls *int32) cache.Origin {
	return cache.OriginFunc(func(_ context.Context, r cache.Request) (io.ReadCloser, error) {
		atomic.AddInt32(calls, 1)
		return io.NopCloser(strings.NewReader(fmt.Sprintf("id,day\n%d,%s\n", r.Start.Day(), r.Start.Format(time.DateOnly)))), nil
	})
}

func setup(t *testing.T, origin cache.Origin) (*Attacher, *storage.Database, *load.Job, *cache.Manager) {
	t.Helper()
	dir := project.New(t.TempDir())
	require.NoError(t, dir.Create())
	db, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "raw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.DB.Exec(`CREATE TABLE Tests_RAW (id INTEGER, day DATE)`)
	require.NoError(t, err)

	var m *cache.Manager
	if origin != nil {
		m = cache.NewManager(cache.CreateCacheLayout(dir.Root), origin)
	}
	a, err := New(opts)
	require.NoError(t, err)
	job := load.NewJob("job", dir, storage.Fixed{storage.Raw: db})
	job.Naming = load.TablePrefixNaming{}
	job.Cache = m
	require.NoError(t, a.Initialize(attach.Env{Project: dir, DB: db, Naming: job.Naming, Cache: m}))
	return a, db, job, m
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	for _, o := range []config.Options{
		{"source": "s", "start": "2024-01-01", "end": "2024-01-02"},
		{"table": "T", "start": "2024-01-01", "end": "2024-01-02"},
		{"table": "T", "source": "s", "start": "2024-01-01"},
		{"table": "T", "source": "s", "start": "2024-01-02", "end": "2024-01-01"},
		{"table": "T", "source": "s", "start": "2024-01-01", "end": "2024-01-02", "step": "-1h"},
	} {
		_, err := New(o)
		assert.Error(t, err, "%v", o)
	}
	a, err := New(opts)
	require.NoError(t, err)
	assert.Len(t, a.Windows(), 2)
}

func TestAttachFetchesOnceAndLoads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var calls int32
	a, db, job, _ := setup(t, dayOrigin(&calls))

	var c notify.Collector
	require.NoError(t, a.Check(ctx, &c))
	assert.False(t, c.HasErrors())

	assert.Equal(t, load.Success, a.Attach(ctx, job))
	n, err := db.RowCount(ctx, "Tests_RAW")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	_, err = db.DeleteAll(ctx, "Tests_RAW")
	require.NoError(t, err)
	assert.Equal(t, load.Success, a.Attach(ctx, job))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "second attach is served from the cache")
}

func TestCheckWithoutOriginNeedsCachedWindows(t *testing.T) {
	t.Parallel()
	a, _, _, _ := setup(t, nil)
	var c notify.Collector
	err := a.Check(context.Background(), &c)
	assert.ErrorIs(t, err, cache.ErrNotCached)
	assert.True(t, c.HasErrors())
}

func TestOriginMissFailsAndReverts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var calls int32
	origin := cache.OriginFunc(func(ctx context.Context, r cache.Request) (io.ReadCloser, error) {
		if r.Start.Day() == 2 {
			return nil, cache.ErrNotFound
		}
		return dayOrigin(&calls).Open(ctx, r)
	})
	a, db, job, _ := setup(t, origin)
	assert.Equal(t, load.Error, a.Attach(ctx, job))

	var c notify.Collector
	a.LoadCompletedSoDispose(ctx, load.Error, &c)
	n, err := db.RowCount(ctx, "Tests_RAW")
	require.NoError(t, err)
	assert.Zero(t, n)
}
