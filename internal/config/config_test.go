package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "job": "biochemistry",
  "project": "${LOAD_ROOT}/biochem",
  "stages": {
    "raw":     { "kind": "sqlite", "dsn": "${LOAD_ROOT}/raw.db" },
    "staging": { "kind": "sqlite", "dsn": "${LOAD_ROOT}/staging.db" },
    "live":    { "kind": "sqlite", "dsn": "${LOAD_ROOT}/live.db" }
  },
  "datasets": [{
    "name": "Biochemistry",
    "tables": [{ "name": "Tests", "columns": [
      { "name": "chi", "type": "varchar(10)", "primary_key": true },
      { "name": "sample_date", "type": "date" }
    ]}]
  }],
  "attachers": [{ "kind": "flatfile", "options": { "table": "Tests", "batch_size": 500, "where": "x = '$1'" } }],
  "dilutions": [{ "operation": "RoundDateToMiddleOfQuarter", "table": "Tests", "column": "sample_date" }],
  "migration": { "enabled": false },
  "cache": { "origin": "http", "url_template": "https://h/${FEED}/{source}?from={start_date}" },
  "audit": { "kind": "bolt" }
}`

const sampleYAML = `
job: biochemistry
project: /data/biochem
stages:
  raw: {kind: sqlite, dsn: raw.db}
  staging: {kind: sqlite, dsn: staging.db}
  live: {kind: sqlite, dsn: live.db}
datasets:
  - name: Biochemistry
    tables:
      - name: Tests
        columns:
          - {name: chi, type: varchar(10), primary_key: true}
attachers:
  - kind: flatfile
    options:
      table: Tests
      batch_size: 250
      header_map: {CHI: chi}
`

func TestDecodeJSON(t *testing.T) {
	t.Setenv("LOAD_ROOT", "/srv")
	t.Setenv("FEED", "labs")
	l, err := Decode([]byte(sampleJSON), "json")
	require.NoError(t, err)

	assert.Equal(t, "/srv/biochem", l.Project)
	assert.Equal(t, "/srv/raw.db", l.Stages["raw"].DSN)
	assert.Equal(t, "https://h/labs/{source}?from={start_date}", l.Cache.URLTemplate)
	require.Len(t, l.Attachers, 1)
	assert.Equal(t, 500, l.Attachers[0].Options.Int("batch_size", 0))
	assert.Equal(t, "x = '$1'", l.Attachers[0].Options.String("where", ""))
	assert.False(t, l.Migration.IsEnabled())
	assert.True(t, l.Runtime.ShouldCreateRawTables())

	stages, err := l.StageConfigs()
	require.NoError(t, err)
	assert.Len(t, stages, 3)
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "load.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	l, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "biochemistry", l.Job)
	require.Len(t, l.Datasets, 1)
	assert.True(t, l.Datasets[0].Tables[0].Columns[0].PrimaryKey)
	opts := l.Attachers[0].Options
	assert.Equal(t, 250, opts.Int("batch_size", 0))
	assert.Equal(t, map[string]string{"CHI": "chi"}, opts.StringMap("header_map"))
	assert.True(t, l.Migration.IsEnabled())
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RDMP_TEST_DSN=file:x.db\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("RDMP_TEST_DSN") })

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "file:x.db", os.Getenv("RDMP_TEST_DSN"))
}

func TestOptionsGetters(t *testing.T) {
	t.Parallel()
	o := Options{
		"s":     "x",
		"b":     "true",
		"f":     float64(3),
		"d":     "90s",
		"ms":    float64(250),
		"t":     "2024-03-01",
		"list":  []any{"a", 1, "b"},
		"comma": ";",
		"src":   map[string]any{"kind": "sqlite", "dsn": "a.db"},
	}
	assert.Equal(t, "x", o.String("s", ""))
	assert.Equal(t, "def", o.String("missing", "def"))
	assert.True(t, o.Bool("b", false))
	assert.Equal(t, 3, o.Int("f", 0))
	assert.Equal(t, 90*time.Second, o.Duration("d", 0))
	assert.Equal(t, 250*time.Millisecond, o.Duration("ms", 0))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), o.Time("t", time.Time{}))
	assert.Equal(t, []string{"a", "b"}, o.StringSlice("list"))
	assert.Equal(t, ';', o.Rune("comma", ','))
	assert.Equal(t, "sqlite", o.Storage("src").Kind)
	assert.Empty(t, o.Sub("missing"))
}

func TestOptionsNullDecodesEmpty(t *testing.T) {
	t.Parallel()
	l, err := Decode([]byte(`{"attachers":[{"kind":"flatfile","options":null}]}`), "json")
	require.NoError(t, err)
	assert.NotNil(t, l.Attachers[0].Options)
}
