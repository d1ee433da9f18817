package catalog

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

var patients = Dataset{
	Name: "Biochemistry",
	Tables: []TableInfo{{
		Name: "Tests",
		Columns: []ColumnInfo{
			{Name: "chi", Type: "varchar(10)", PrimaryKey: true},
			{Name: "sample_date", Type: "date", PrimaryKey: true},
			{Name: "result", Type: "decimal(10,2)", Nullable: true, Transform: "ROUND({column}, 2)"},
		},
	}},
}

func TestTableHelpers(t *testing.T) {
	t.Parallel()
	tbl := patients.Tables[0]
	assert.Equal(t, []string{"chi", "sample_date", "result"}, tbl.ColumnNames())
	assert.Equal(t, []string{"chi", "sample_date"}, tbl.PrimaryKeys())

	c, ok := tbl.Column("RESULT")
	require.True(t, ok)
	assert.Equal(t, "decimal(10,2)", c.Type)

	raw := tbl.Defs(true)
	for _, d := range raw {
		assert.True(t, d.Nullable)
		assert.False(t, d.PrimaryKey)
	}
	live := tbl.Defs(false)
	assert.True(t, live[0].PrimaryKey)
	assert.False(t, live[0].Nullable)
}

func TestStaticRepository(t *testing.T) {
	t.Parallel()
	r, err := NewStaticRepository(patients, Dataset{Name: "Alpha"})
	require.NoError(t, err)

	d, err := r.Dataset("biochemistry")
	require.NoError(t, err)
	assert.Equal(t, "Biochemistry", d.Name)

	_, err = r.Dataset("nope")
	assert.True(t, errors.Is(err, ErrNoSuchDataset))

	names := []string{}
	for _, d := range r.Datasets() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Alpha", "Biochemistry"}, names)

	_, err = NewStaticRepository(patients, patients)
	assert.Error(t, err)
}

func TestSQLFieldsFollowRoles(t *testing.T) {
	t.Parallel()
	f := SQLFields(patients.Tables[0].Columns[2])
	assert.Equal(t, map[string]string{"Transform": "ROUND({column}, 2)"}, f)
	assert.Empty(t, SQLFields(patients.Tables[0].Columns[0]))
}

func TestCheck(t *testing.T) {
	t.Parallel()
	h, err := dialect.For(dialect.SQLite)
	require.NoError(t, err)

	var ok notify.Collector
	assert.True(t, Check(h, patients, &ok))
	assert.False(t, ok.HasErrors())

	broken := Dataset{Name: "x", Tables: []TableInfo{{
		Name:    "t",
		Columns: []ColumnInfo{{Name: "a", Type: "blobby", Transform: "UPPER({column}"}},
	}}}
	var bad notify.Collector
	assert.False(t, Check(h, broken, &bad))
	assert.True(t, bad.HasErrors())
	assert.Equal(t, 2, bad.Count(notify.Warning))

	var empty notify.Collector
	assert.False(t, Check(h, Dataset{Name: "e"}, &empty))
}
