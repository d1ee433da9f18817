package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	_ "github.com/HDRUK/RDMP-sub001/internal/attach/all"
	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/promote"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/sqlite"
)

var tests = catalog.TableInfo{Name: "Tests", Columns: []catalog.ColumnInfo{
	{Name: "id", Type: "INTEGER", PrimaryKey: true},
	{Name: "code", Type: "VARCHAR(10)", Transform: "UPPER({column})"},
	{Name: "score", Type: "FLOAT", Nullable: true},
}}

// loadConfig describes a single-file sqlite load of Tests from CSV. LIVE is
// created up front; RAW and STAGING are created by the load.
func loadConfig(t *testing.T) (config.Load, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "one.db")
	db, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dbPath})
	require.NoError(t, err)
	_, err = db.DB.Exec(`CREATE TABLE Tests (id INTEGER PRIMARY KEY, code VARCHAR(10), score FLOAT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	shared := storage.Config{Kind: "sqlite", DSN: dbPath}
	return config.Load{
		Job:     "tests-nightly",
		Project: root,
		Stages:  map[string]storage.Config{"raw": shared, "staging": shared, "live": shared},
		Naming:  "table_prefix",
		Datasets: []catalog.Dataset{
			{Name: "Biochemistry", Tables: []catalog.TableInfo{tests}},
		},
		Attachers: []config.Component{
			{Kind: "flatfile", Options: config.Options{"table": "Tests"}},
		},
		Dilutions: []config.Dilution{
			{Operation: "RoundFloatToWholeNumber", Table: "Tests", Column: "score"},
		},
		Runtime: config.Runtime{BatchSize: 2},
	}, dbPath
}

func writeCSV(t *testing.T, root, name, body string) {
	t.Helper()
	dir := project.New(root)
	require.NoError(t, dir.Create())
	require.NoError(t, os.WriteFile(filepath.Join(dir.ForLoading(), name), []byte(body), 0o644))
}

type liveRow struct {
	ID    int64
	Code  string
	Score float64
}

func readLive(t *testing.T, dbPath string) []liveRow {
	t.Helper()
	db, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dbPath})
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.DB.Query(`SELECT id, code, COALESCE(score, -1) FROM Tests ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []liveRow
	for rows.Next() {
		var r liveRow
		require.NoError(t, rows.Scan(&r.ID, &r.Code, &r.Score))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func build(t *testing.T, cfg config.Load, l notify.Listener) *Built {
	t.Helper()
	b, err := Build(context.Background(), cfg, BuildOptions{Listener: l})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	cfg, dbPath := loadConfig(t)
	writeCSV(t, cfg.Project, "tests.csv", "id,code,score\n1,a,2.6\n2,b,1.2\n3,c,\n")

	var events notify.Collector
	b := build(t, cfg, &events)
	require.Equal(t, load.Success, b.Pipeline.Run(context.Background(), b.Job), "%v", events.Events())

	assert.Equal(t, []liveRow{{1, "A", 3}, {2, "B", 1}, {3, "C", -1}}, readLive(t, dbPath))

	ds, err := b.Catalog.Dataset("Biochemistry")
	require.NoError(t, err)
	assert.Len(t, ds.Tables, 1)

	dir := project.New(cfg.Project)
	_, err = os.Stat(filepath.Join(dir.ForArchiving(), "tests.csv"))
	assert.NoError(t, err, "loaded file is archived")

	store := b.Store.(*audit.MemoryStore)
	rec, ok := store.Run(b.Job.Audit.ID())
	require.True(t, ok)
	assert.False(t, rec.Failed)
	assert.False(t, rec.End.IsZero())

	byTable := map[string]audit.TableRecord{}
	for _, r := range store.TableLoads(b.Job.Audit.ID()) {
		byTable[r.Table] = r
		assert.True(t, store.Archived(r.ID), r.Table)
	}
	assert.EqualValues(t, 3, byTable["Tests_RAW"].Inserts)
	assert.EqualValues(t, 3, byTable["Tests_STAGING"].Inserts)
	assert.EqualValues(t, 3, byTable["Tests"].Inserts)
}

func TestRerunWithNothingToLoad(t *testing.T) {
	t.Parallel()
	cfg, dbPath := loadConfig(t)
	writeCSV(t, cfg.Project, "tests.csv", "id,code,score\n1,a,2.6\n")

	b := build(t, cfg, nil)
	require.Equal(t, load.Success, b.Pipeline.Run(context.Background(), b.Job))
	require.NoError(t, b.Close())

	b = build(t, cfg, nil)
	assert.Equal(t, load.OperationNotRequired, b.Pipeline.Run(context.Background(), b.Job))
	assert.Len(t, readLive(t, dbPath), 1)
}

func TestFailedDilutionHaltsUnlessSkippable(t *testing.T) {
	t.Parallel()
	for _, skippable := range []bool{false, true} {
		t.Run(map[bool]string{false: "halts", true: "skipped"}[skippable], func(t *testing.T) {
			t.Parallel()
			cfg, dbPath := loadConfig(t)
			cfg.Dilutions = []config.Dilution{{Operation: "RoundDateToMiddleOfQuarter", Table: "Tests", Column: "score"}}
			if skippable {
				cfg.Runtime.Skippable = []string{"dilution"}
			}
			writeCSV(t, cfg.Project, "tests.csv", "id,code,score\n1,a,2.6\n")

			var events notify.Collector
			b := build(t, cfg, &events)
			got := b.Pipeline.Run(context.Background(), b.Job)
			rows := readLive(t, dbPath)
			if skippable {
				assert.Equal(t, load.Success, got)
				require.Len(t, rows, 1)
				assert.InDelta(t, 2.6, rows[0].Score, 1e-9)
			} else {
				assert.Equal(t, load.Error, got)
				assert.Empty(t, rows)
			}
			assert.True(t, events.HasErrors())
		})
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg, _ := loadConfig(t)
	cfg.Attachers = append(cfg.Attachers, config.Component{Kind: "carrier-pigeon"})
	_, err := Build(context.Background(), cfg, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")

	cfg, _ = loadConfig(t)
	delete(cfg.Stages, "live")
	_, err = Build(context.Background(), cfg, BuildOptions{})
	assert.Error(t, err)
}

func TestBuildWithBoltAudit(t *testing.T) {
	t.Parallel()
	cfg, _ := loadConfig(t)
	cfg.Audit = config.Audit{Kind: "bolt"}
	b, err := Build(context.Background(), cfg, BuildOptions{})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(project.New(cfg.Project).Logs(), "audit.bolt"))
	assert.NoError(t, err)
	assert.Equal(t, load.OperationNotRequired, b.Pipeline.Run(context.Background(), b.Job))
	assert.NoError(t, b.Close())
}

func TestBuildCache(t *testing.T) {
	t.Parallel()
	dir := project.New(t.TempDir())
	require.NoError(t, dir.Create())
	stale := filepath.Join(dir.Cache(), "x", "old.csv.partial")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	m, err := BuildCache(config.Cache{Origin: "http", URLTemplate: "http://example.invalid/{source}?from={start}", SweepAfterMS: 1000, RatePerSecond: 5}, dir, nil)
	require.NoError(t, err)
	assert.True(t, m.HasOrigin())
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale partial file swept")

	m, err = BuildCache(config.Cache{}, dir, nil)
	require.NoError(t, err)
	assert.False(t, m.HasOrigin())

	_, err = BuildCache(config.Cache{Origin: "ftp"}, dir, nil)
	assert.Error(t, err)
}

// fakeAttacher records the lifecycle calls it receives.
type fakeAttacher struct {
	kind      string
	createRaw bool
	checkErr  error
	exit      load.ExitCode
	onAttach  func()

	mu       sync.Mutex
	calls    []string
	disposed []load.ExitCode
}

func (f *fakeAttacher) Kind() string                            { return f.kind }
func (f *fakeAttacher) RequestsExternalDatabaseCreation() bool { return f.createRaw }

func (f *fakeAttacher) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeAttacher) Initialize(attach.Env) error { f.record("initialize"); return nil }

func (f *fakeAttacher) Check(context.Context, notify.Listener) error {
	f.record("check")
	return f.checkErr
}

func (f *fakeAttacher) Attach(context.Context, *load.Job) load.ExitCode {
	f.record("attach")
	if f.onAttach != nil {
		f.onAttach()
	}
	return f.exit
}

func (f *fakeAttacher) LoadCompletedSoDispose(_ context.Context, exit load.ExitCode, _ notify.Listener) {
	f.record("dispose")
	f.mu.Lock()
	f.disposed = append(f.disposed, exit)
	f.mu.Unlock()
}

func fakeJob(t *testing.T) *load.Job {
	t.Helper()
	db, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "raw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return load.NewJob("fake", project.New(t.TempDir()), storage.Fixed{storage.Raw: db})
}

func TestCheckFailureHaltsBeforeAnyAttach(t *testing.T) {
	t.Parallel()
	a := &fakeAttacher{kind: "a", exit: load.Success}
	b := &fakeAttacher{kind: "b", exit: load.Success, checkErr: assert.AnError}
	p := &Pipeline{Attachers: []attach.Attacher{a, b}}

	assert.Equal(t, load.Error, p.Run(context.Background(), fakeJob(t)))
	assert.Equal(t, []string{"initialize", "check", "dispose"}, a.calls)
	assert.Equal(t, []string{"initialize", "check", "dispose"}, b.calls)
	assert.Equal(t, []load.ExitCode{load.Error}, a.disposed)
}

func TestFailedCheckLeavesRawUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	job := fakeJob(t)
	job.Naming = load.TablePrefixNaming{}
	job.Datasets = []catalog.Dataset{{Name: "Biochemistry", Tables: []catalog.TableInfo{
		{Name: "Tests", Columns: []catalog.ColumnInfo{{Name: "id", Type: "INTEGER", PrimaryKey: true}}},
		{Name: "Other", Columns: []catalog.ColumnInfo{{Name: "k", Type: "INTEGER", PrimaryKey: true}}},
	}}}
	raw, err := job.Provider.Database(ctx, storage.Raw)
	require.NoError(t, err)
	_, err = raw.DB.Exec(`CREATE TABLE Tests_RAW (id INTEGER)`)
	require.NoError(t, err)
	_, err = raw.DB.Exec(`INSERT INTO Tests_RAW (id) VALUES (1)`)
	require.NoError(t, err)

	p := &Pipeline{Attachers: []attach.Attacher{
		&fakeAttacher{kind: "creates", exit: load.Success, createRaw: true},
		&fakeAttacher{kind: "broken", exit: load.Success, checkErr: assert.AnError},
	}}
	assert.Equal(t, load.Error, p.Run(ctx, job))

	n, err := raw.RowCount(ctx, "Tests_RAW")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "leftover rows stay until checks pass")
	ok, err := raw.TableExists(ctx, "Other_RAW")
	require.NoError(t, err)
	assert.False(t, ok, "missing tables are not created until checks pass")

	p.Attachers = []attach.Attacher{&fakeAttacher{kind: "creates", exit: load.Success, createRaw: true}}
	assert.Equal(t, load.Success, p.Run(ctx, job))
	n, err = raw.RowCount(ctx, "Tests_RAW")
	require.NoError(t, err)
	assert.Zero(t, n)
	ok, err = raw.TableExists(ctx, "Other_RAW")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttachFailureStopsLaterAttachers(t *testing.T) {
	t.Parallel()
	a := &fakeAttacher{kind: "a", exit: load.Error}
	b := &fakeAttacher{kind: "b", exit: load.Success}
	p := &Pipeline{Attachers: []attach.Attacher{a, b}}

	assert.Equal(t, load.Error, p.Run(context.Background(), fakeJob(t)))
	assert.Contains(t, a.calls, "attach")
	assert.NotContains(t, b.calls, "attach")
	assert.Equal(t, []load.ExitCode{load.Error}, b.disposed, "every initialised attacher is disposed")
}

func TestNothingAttachedIsNotRequired(t *testing.T) {
	t.Parallel()
	a := &fakeAttacher{kind: "a", exit: load.OperationNotRequired}
	p := &Pipeline{Attachers: []attach.Attacher{a}, Promote: &promote.Stage{}}
	assert.Equal(t, load.OperationNotRequired, p.Run(context.Background(), fakeJob(t)))
	assert.Equal(t, []load.ExitCode{load.OperationNotRequired}, a.disposed)
}

func TestCancelledDuringAttachAborts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := &fakeAttacher{kind: "a", exit: load.Success, onAttach: cancel}
	b := &fakeAttacher{kind: "b", exit: load.Success}
	p := &Pipeline{Attachers: []attach.Attacher{a, b}, Promote: &promote.Stage{}}

	assert.Equal(t, load.Abort, p.Run(ctx, fakeJob(t)))
	assert.NotContains(t, b.calls, "attach")
	assert.Equal(t, []load.ExitCode{load.Abort}, a.disposed)
}

func TestAuditRunEndedOnFailure(t *testing.T) {
	t.Parallel()
	store := audit.NewMemoryStore()
	job := fakeJob(t)
	run, err := audit.StartRun(context.Background(), store, job.Name, "")
	require.NoError(t, err)
	job.Audit = run

	p := &Pipeline{Attachers: []attach.Attacher{&fakeAttacher{kind: "a", exit: load.Error}}}
	require.Equal(t, load.Error, p.Run(context.Background(), job))
	rec, ok := store.Run(run.ID())
	require.True(t, ok)
	assert.True(t, rec.Failed)
	assert.False(t, rec.End.IsZero())
}

func TestPipelineCheckDoesNotAttach(t *testing.T) {
	t.Parallel()
	a := &fakeAttacher{kind: "a", exit: load.Success}
	p := &Pipeline{Attachers: []attach.Attacher{a}}
	require.NoError(t, p.Check(context.Background(), fakeJob(t)))
	assert.Equal(t, []string{"initialize", "check", "dispose"}, a.calls)
}

func TestBrokenCatalogueFailsChecks(t *testing.T) {
	t.Parallel()
	job := fakeJob(t)
	job.Datasets = []catalog.Dataset{{Name: "Broken", Tables: []catalog.TableInfo{{
		Name:    "Tests",
		Columns: []catalog.ColumnInfo{{Name: "code", Type: "VARCHAR(10)", Transform: "UPPER({column}"}},
	}}}}
	a := &fakeAttacher{kind: "a", exit: load.Success}
	p := &Pipeline{Attachers: []attach.Attacher{a}}

	err := p.Check(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Broken")
	assert.Equal(t, load.Error, p.Run(context.Background(), job))
	assert.NotContains(t, a.calls, "attach")
}

func TestRunAllKeepsOrderAndIsolation(t *testing.T) {
	t.Parallel()
	exits := []load.ExitCode{load.Success, load.Error, load.OperationNotRequired}
	var tasks []Task
	for _, e := range exits {
		tasks = append(tasks, Task{
			Pipeline: &Pipeline{Attachers: []attach.Attacher{&fakeAttacher{kind: "a", exit: e}}},
			Job:      fakeJob(t),
		})
	}
	got := Runner{Limit: 2}.RunAll(context.Background(), tasks)
	assert.Equal(t, exits, got)
	assert.Equal(t, load.Error, Worst(got))
}

func TestWorst(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   []load.ExitCode
		want load.ExitCode
	}{
		{nil, load.OperationNotRequired},
		{[]load.ExitCode{load.OperationNotRequired, load.Success}, load.Success},
		{[]load.ExitCode{load.Success, load.Abort}, load.Abort},
		{[]load.ExitCode{load.Abort, load.Error, load.Success}, load.Error},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Worst(c.in), "%v", c.in)
	}
}

func TestKnownListsRegisteredComponents(t *testing.T) {
	t.Parallel()
	k := Known()
	assert.True(t, sort.StringsAreSorted(k.Attachers))
	assert.Contains(t, k.Attachers, "flatfile")
	assert.Contains(t, k.Dilutions, "RoundFloatToWholeNumber")
}
