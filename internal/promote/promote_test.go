package promote

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/sqlite"
)

var tests = catalog.TableInfo{Name: "Tests", Columns: []catalog.ColumnInfo{
	{Name: "id", Type: "INTEGER", PrimaryKey: true},
	{Name: "code", Type: "VARCHAR(10)", Transform: "UPPER({column})"},
	{Name: "score", Type: "FLOAT", Nullable: true},
}}

func fixture(t *testing.T) (*load.Job, *storage.Database, *audit.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "one.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.CreateTable(ctx, "Tests_RAW", tests.Defs(true)))
	_, err = db.DB.Exec(`INSERT INTO Tests_RAW VALUES (5,'e',5.5),(1,'a',1.5),(3,'c',NULL),(2,'b',2.5),(4,'d',4.5)`)
	require.NoError(t, err)

	store := audit.NewMemoryStore()
	run, err := audit.StartRun(ctx, store, "job", "")
	require.NoError(t, err)
	job := load.NewJob("job", project.New(t.TempDir()), storage.Fixed{storage.Raw: db, storage.Staging: db},
		catalog.Dataset{Name: "Biochemistry", Tables: []catalog.TableInfo{tests}})
	job.Naming = load.TablePrefixNaming{}
	job.Audit = run
	return job, db, store
}

func TestPromoteCopiesAndTransforms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	job, db, store := fixture(t)
	s := &Stage{PageSize: 2}

	for i := 0; i < 2; i++ {
		require.Equal(t, load.Success, s.Run(ctx, job))
		n, err := db.RowCount(ctx, "Tests_STAGING")
		require.NoError(t, err)
		assert.EqualValues(t, 5, n, "run %d", i+1)
	}

	var code string
	require.NoError(t, db.DB.QueryRow(`SELECT code FROM Tests_STAGING WHERE id = 3`).Scan(&code))
	assert.Equal(t, "C", code)

	recs := store.TableLoads(job.Audit.ID())
	require.Len(t, recs, 2)
	assert.EqualValues(t, 5, recs[0].Inserts)
	assert.Equal(t, "Tests_STAGING", recs[0].Table)
}

func TestPromoteMissingRaw(t *testing.T) {
	t.Parallel()
	job, db, store := fixture(t)
	_, err := db.DB.Exec(`DROP TABLE Tests_RAW`)
	require.NoError(t, err)
	other := catalog.TableInfo{Name: "Other", Columns: []catalog.ColumnInfo{{Name: "k", Type: "INTEGER", PrimaryKey: true}}}
	job.Datasets[0].Tables = append(job.Datasets[0].Tables, other)
	var c notify.Collector
	job.Listener = &c
	assert.Equal(t, load.Error, (&Stage{}).Run(context.Background(), job))
	assert.True(t, c.HasErrors())

	recs := store.TableLoads(job.Audit.ID())
	require.Len(t, recs, 2)
	notes := map[string][]string{}
	for _, r := range recs {
		assert.True(t, store.Archived(r.ID), r.Table)
		notes[r.Table] = r.Notes
	}
	assert.Equal(t, []string{"RAW table Tests_RAW does not exist"}, notes["Tests_STAGING"])
	assert.Equal(t, []string{"skipped: an earlier table failed"}, notes["Other_STAGING"])
}

func TestPromoteCancelled(t *testing.T) {
	t.Parallel()
	job, _, store := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, load.Abort, (&Stage{}).Run(ctx, job))

	recs := store.TableLoads(job.Audit.ID())
	require.Len(t, recs, 1)
	assert.Equal(t, "Tests_STAGING", recs[0].Table)
	assert.Equal(t, []string{"skipped: cancelled"}, recs[0].Notes)
	assert.True(t, store.Archived(recs[0].ID))
}

func TestSelectSQL(t *testing.T) {
	t.Parallel()
	job, db, _ := fixture(t)
	got := SelectSQL(db, "Tests_RAW", tests)
	assert.Equal(t, `SELECT "id", (UPPER("code")) AS "code", "score" FROM "Tests_RAW" ORDER BY "id"`, got)
	require.NoError(t, Check(job, db, notify.Nop))

	bad := tests
	bad.Columns = append([]catalog.ColumnInfo(nil), tests.Columns...)
	bad.Columns[1].Transform = "UPPER({column}"
	job.Datasets = []catalog.Dataset{{Name: "B", Tables: []catalog.TableInfo{bad}}}
	var c notify.Collector
	assert.Error(t, Check(job, db, &c))
	assert.True(t, c.HasErrors())
}
