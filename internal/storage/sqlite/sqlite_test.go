package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

func openTemp(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "raw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenDescribe(t *testing.T) {
	t.Parallel()
	db := openTemp(t)
	assert.Equal(t, "sqlite://localhost/raw", db.Describe())
	assert.Equal(t, dialect.SQLite, db.Helper.Engine())

	_, err := Open(context.Background(), storage.Config{Kind: "sqlite"})
	assert.Error(t, err)
}

func TestTableLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTemp(t)

	ok, err := db.TableExists(ctx, "people")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.CreateTable(ctx, "people", []dialect.ColumnDef{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "name", Type: "VARCHAR(50)", Nullable: true},
		{Name: "dob", Type: "DATE", Nullable: true},
	}))
	ok, err = db.TableExists(ctx, "people")
	require.NoError(t, err)
	assert.True(t, ok)

	cols, err := db.DiscoverColumns(ctx, "people")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "id", cols[0].Name)
	assert.Equal(t, dialect.FamilyInteger, dialect.TypeFamilyOf(cols[0].Type))
	assert.Equal(t, dialect.FamilyText, dialect.TypeFamilyOf(cols[1].Type))

	n, err := db.BulkCopy(ctx, "people", []string{"id", "name", "dob"}, [][]any{
		{1, "Ann", "1980-01-02"},
		{2, nil, nil},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	count, err := db.RowCount(ctx, "people")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	_, err = db.BulkCopy(ctx, "people", []string{"id", "name", "dob"}, [][]any{{3, "C", nil}, {1, "dup", nil}})
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKey(err))
	count, err = db.RowCount(ctx, "people")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "failed batch rolls back")

	deleted, err := db.DeleteAll(ctx, "people")
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
}

func TestLoadBatchesIntoTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTemp(t)
	require.NoError(t, db.CreateTable(ctx, "t", []dialect.ColumnDef{{Name: "v", Type: "INTEGER", Nullable: true}}))

	in := make(chan []any, 5)
	for i := 0; i < 5; i++ {
		in <- []any{i}
	}
	close(in)
	total, err := storage.LoadBatches(ctx, nil, []string{"v"}, in, 2, db.CopyInto("t"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
}

func TestStaticProviderSharesHandles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	shared := storage.Config{Kind: "sqlite", DSN: filepath.Join(dir, "one.db")}
	p := storage.NewStaticProvider(map[storage.Stage]storage.Config{
		storage.Raw:     {Kind: "sqlite", DSN: filepath.Join(dir, "raw.db")},
		storage.Staging: shared,
		storage.Live:    shared,
	})

	raw, err := p.Database(ctx, storage.Raw)
	require.NoError(t, err)
	staging, err := p.Database(ctx, storage.Staging)
	require.NoError(t, err)
	live, err := p.Database(ctx, storage.Live)
	require.NoError(t, err)
	assert.Same(t, staging, live)
	assert.NotSame(t, raw, live)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.Database(ctx, storage.Raw)
	assert.Error(t, err)
}
