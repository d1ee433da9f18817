// Package load holds the types every pipeline component shares: the job
// being executed, its exit codes and the stage naming strategy.
package load

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/cache"
	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// ExitCode is the terminal status of a pipeline component.
type ExitCode int

const (
	Success ExitCode = iota
	Error
	// Abort means the component stopped because the job was cancelled.
	Abort
	// OperationNotRequired means the component was disabled or had nothing
	// to do. The pipeline treats it like Success.
	OperationNotRequired
)

func (c ExitCode) String() string {
	switch c {
	case Success:
		return "Success"
	case Error:
		return "Error"
	case Abort:
		return "Abort"
	case OperationNotRequired:
		return "OperationNotRequired"
	}
	return fmt.Sprintf("ExitCode(%d)", int(c))
}

// OK reports whether the pipeline may proceed after c.
func (c ExitCode) OK() bool { return c == Success || c == OperationNotRequired }

// Failure maps an error to Abort when ctx was cancelled and Error otherwise.
func Failure(ctx context.Context, err error) ExitCode {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Abort
	}
	return Error
}

// NamingStrategy maps a LIVE table name to its name in another stage.
type NamingStrategy interface {
	TableName(table string, stage storage.Stage) string
}

// SuffixNaming keeps table names unchanged; each stage lives in its own
// database (conventionally suffixed _RAW and _STAGING by configuration).
type SuffixNaming struct{}

func (SuffixNaming) TableName(table string, _ storage.Stage) string { return table }

// TablePrefixNaming keeps every stage in one database and tells them apart by
// table suffix: Tests_RAW, Tests_STAGING, Tests.
type TablePrefixNaming struct{}

func (TablePrefixNaming) TableName(table string, stage storage.Stage) string {
	if stage == storage.Live {
		return table
	}
	return table + "_" + stage.String()
}

// ParseNaming accepts "suffix" (the default) or "table_prefix".
func ParseNaming(s string) (NamingStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "suffix", "database":
		return SuffixNaming{}, nil
	case "table_prefix", "table":
		return TablePrefixNaming{}, nil
	}
	return nil, errors.Errorf("load: unknown naming strategy %q", s)
}

// Job is one execution of a load. Components read from it and report
// through its Listener; they never exit the process.
type Job struct {
	ID       string
	Name     string
	Project  project.Directory
	Datasets []catalog.Dataset
	Provider storage.Provider
	Naming   NamingStrategy
	Listener notify.Listener
	Log      logger.Logger
	Audit    *audit.Run
	// Cache is nil when the load has no fetch origin.
	Cache *cache.Manager

	CreateRawTables      bool
	MigrateStagingToLive bool
	BatchSize            int
}

// NewJob returns a job with defaults applied.
func NewJob(name string, dir project.Directory, provider storage.Provider, datasets ...catalog.Dataset) *Job {
	return &Job{
		ID:                   uuid.NewString(),
		Name:                 name,
		Project:              dir,
		Datasets:             datasets,
		Provider:             provider,
		Naming:               SuffixNaming{},
		Listener:             notify.Nop,
		Log:                  logger.NopLogger,
		CreateRawTables:      true,
		MigrateStagingToLive: true,
		BatchSize:            1000,
	}
}

// Tables lists every table across the job's datasets in declaration order.
func (j *Job) Tables() []catalog.TableInfo {
	var out []catalog.TableInfo
	for _, d := range j.Datasets {
		out = append(out, d.Tables...)
	}
	return out
}

// Table finds a table across datasets by case-insensitive name.
func (j *Job) Table(name string) (catalog.TableInfo, bool) {
	for _, d := range j.Datasets {
		if t, ok := d.Table(name); ok {
			return t, true
		}
	}
	return catalog.TableInfo{}, false
}

// StageTable resolves a LIVE table name to its name in stage.
func (j *Job) StageTable(table string, stage storage.Stage) string {
	n := j.Naming
	if n == nil {
		n = SuffixNaming{}
	}
	return n.TableName(table, stage)
}

// Batch returns the configured batch size, defaulting to 1000.
func (j *Job) Batch() int {
	if j.BatchSize <= 0 {
		return 1000
	}
	return j.BatchSize
}

// TableLoad opens an audit record when the job has an audit run, and
// returns nil otherwise. A nil *audit.TableLoadInfo accepts every call.
func (j *Job) TableLoad(ctx context.Context, table string, db *storage.Database) (*audit.TableLoadInfo, error) {
	if j.Audit == nil {
		return nil, nil
	}
	return j.Audit.NewTableLoad(ctx, table, db.Describe())
}

// Notify returns the job's listener, never nil.
func (j *Job) Notify() notify.Listener {
	if j.Listener == nil {
		return notify.Nop
	}
	return j.Listener
}

// Logger returns the job's logger, never nil.
func (j *Job) Logger() logger.Logger {
	if j.Log == nil {
		return logger.NopLogger
	}
	return j.Log
}
