// Package config defines the load document: which databases hold each
// stage, which datasets are loaded, and how every pipeline component is
// configured. Documents are JSON, or YAML when the file name ends in .yml or
// .yaml. DSNs and credentials may reference environment variables as ${VAR};
// .env files are loaded with godotenv before expansion.
//
// Example (trimmed):
//
//	{
//	  "job": "biochemistry-nightly",
//	  "project": "/data/loads/biochemistry",
//	  "stages": {
//	    "raw":     { "kind": "postgres", "dsn": "${RAW_DSN}" },
//	    "staging": { "kind": "postgres", "dsn": "${STAGING_DSN}" },
//	    "live":    { "kind": "postgres", "dsn": "${LIVE_DSN}" }
//	  },
//	  "datasets": [ { "name": "Biochemistry", "tables": [ ... ] } ],
//	  "attachers": [ { "kind": "flatfile", "options": { "table": "Tests", "pattern": "*.csv" } } ],
//	  "dilutions": [ { "operation": "RoundDateToMiddleOfQuarter", "table": "Tests", "column": "sample_date" } ],
//	  "migration": { "allow_overwrite": false }
//	}
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Load is the top-level load document.
type Load struct {
	Job         string `json:"job" yaml:"job"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Project is the load directory root.
	Project string `json:"project" yaml:"project"`

	// Stages maps "raw", "staging" and "live" to their databases.
	Stages map[string]storage.Config `json:"stages" yaml:"stages"`
	// Naming is "suffix" (a database per stage) or "table_prefix".
	Naming string `json:"naming,omitempty" yaml:"naming,omitempty"`

	Datasets  []catalog.Dataset `json:"datasets" yaml:"datasets"`
	Attachers []Component       `json:"attachers" yaml:"attachers"`
	Dilutions []Dilution        `json:"dilutions,omitempty" yaml:"dilutions,omitempty"`
	Promote   Promote           `json:"promote,omitempty" yaml:"promote,omitempty"`
	Migration Migration         `json:"migration,omitempty" yaml:"migration,omitempty"`
	Cache     Cache             `json:"cache,omitempty" yaml:"cache,omitempty"`
	Audit     Audit             `json:"audit,omitempty" yaml:"audit,omitempty"`
	Runtime   Runtime           `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Component selects an implementation by kind and configures it.
type Component struct {
	Kind    string  `json:"kind" yaml:"kind"`
	Options Options `json:"options" yaml:"options"`
}

// Dilution binds one operation to one STAGING column. Dilutions run in
// the order listed.
type Dilution struct {
	Operation string `json:"operation" yaml:"operation"`
	Table     string `json:"table" yaml:"table"`
	Column    string `json:"column" yaml:"column"`
}

// Promote configures the RAW to STAGING copy.
type Promote struct {
	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

// Migration configures the STAGING to LIVE merge.
type Migration struct {
	// Enabled defaults to true.
	Enabled          *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AllowOverwrite   bool   `json:"allow_overwrite,omitempty" yaml:"allow_overwrite,omitempty"`
	DeleteFlagColumn string `json:"delete_flag_column,omitempty" yaml:"delete_flag_column,omitempty"`
}

// IsEnabled reports whether STAGING should be merged into LIVE.
func (m Migration) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// Cache configures the fetch origin used by cache-backed attachers.
type Cache struct {
	// Origin is "", "http" or "s3". Empty means cached chunks must already
	// be present.
	Origin      string            `json:"origin,omitempty" yaml:"origin,omitempty"`
	URLTemplate string            `json:"url_template,omitempty" yaml:"url_template,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	MaxRetries  int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutMS   int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	S3          S3                `json:"s3,omitempty" yaml:"s3,omitempty"`
	// RatePerSecond throttles origin calls; 0 disables throttling.
	RatePerSecond float64 `json:"rate_per_second,omitempty" yaml:"rate_per_second,omitempty"`
	Burst         int     `json:"burst,omitempty" yaml:"burst,omitempty"`
	// SweepAfterMS removes abandoned temporary files older than this at start.
	SweepAfterMS int `json:"sweep_after_ms,omitempty" yaml:"sweep_after_ms,omitempty"`
}

// S3 locates cache chunks in an object store.
type S3 struct {
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Bucket      string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKey   string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey   string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	UseSSL      bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
	KeyTemplate string `json:"key_template,omitempty" yaml:"key_template,omitempty"`
}

// Audit selects where audit records go.
type Audit struct {
	// Kind is "memory" (default), "bolt" or "sql".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Path is the bolt file; defaults to <project>/Logs/audit.bolt.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// DB is the logging database for kind "sql".
	DB storage.Config `json:"db,omitempty" yaml:"db,omitempty"`
}

// Runtime holds execution knobs.
type Runtime struct {
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	// CreateRawTables defaults to true.
	CreateRawTables *bool `json:"create_raw_tables,omitempty" yaml:"create_raw_tables,omitempty"`
	// MinFreeBytes fails the load early when the project disk is fuller.
	MinFreeBytes uint64 `json:"min_free_bytes,omitempty" yaml:"min_free_bytes,omitempty"`
	// Skippable names stages after RAW population ("promote", "dilution",
	// "migration") whose failure is reported without halting the job.
	Skippable []string `json:"skippable,omitempty" yaml:"skippable,omitempty"`
}

// ShouldCreateRawTables reports whether RAW tables are created from the
// catalogue before attaching.
func (r Runtime) ShouldCreateRawTables() bool { return r.CreateRawTables == nil || *r.CreateRawTables }

// StageConfigs converts Stages to storage stages.
func (l Load) StageConfigs() (map[storage.Stage]storage.Config, error) {
	out := make(map[storage.Stage]storage.Config, len(l.Stages))
	for name, c := range l.Stages {
		s, err := storage.ParseStage(name)
		if err != nil {
			return nil, errors.Wrap(err, "config: stages")
		}
		out[s] = c
	}
	return out, nil
}

// Decode parses a document. format is "json" or "yaml".
func Decode(b []byte, format string) (Load, error) {
	var l Load
	var err error
	switch strings.ToLower(format) {
	case "yaml", "yml":
		err = yaml.Unmarshal(b, &l)
	case "", "json":
		err = json.Unmarshal(b, &l)
	default:
		return l, errors.Errorf("config: unknown format %q", format)
	}
	if err != nil {
		return l, errors.Wrapf(err, "config: decode %s", format)
	}
	l.expand(os.Getenv)
	return l, nil
}

// LoadFile reads path, choosing the format by extension.
func LoadFile(path string) (Load, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Load{}, errors.Wrap(err, "config: read")
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		format = "yaml"
	}
	return Decode(b, format)
}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; variables already set are not overridden.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenvLoad(f); err != nil {
			return errors.Wrapf(err, "config: env file %s", f)
		}
	}
	return nil
}

// expand replaces ${VAR} references in connection strings and credentials.
func (l *Load) expand(getenv func(string) string) {
	x := func(s string) string { return expandVars(s, getenv) }
	for k, c := range l.Stages {
		c.DSN = x(c.DSN)
		l.Stages[k] = c
	}
	l.Project = x(l.Project)
	l.Audit.DB.DSN = x(l.Audit.DB.DSN)
	l.Audit.Path = x(l.Audit.Path)
	l.Cache.URLTemplate = x(l.Cache.URLTemplate)
	for k, v := range l.Cache.Headers {
		l.Cache.Headers[k] = x(v)
	}
	l.Cache.S3.Endpoint = x(l.Cache.S3.Endpoint)
	l.Cache.S3.AccessKey = x(l.Cache.S3.AccessKey)
	l.Cache.S3.SecretKey = x(l.Cache.S3.SecretKey)
	for i := range l.Attachers {
		l.Attachers[i].Options.expand(getenv)
	}
}

// expandVars replaces ${VAR} only. A bare $ (common in passwords and
// regular expressions) and {source}-style placeholders are left alone.
func expandVars(s string, getenv func(string) string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(getenv(s[i+2 : i+j]))
		s = s[i+j+1:]
	}
}
