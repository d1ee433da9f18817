package config

import (
	"fmt"
	"strings"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single validation finding. Path is a dotted path into the
// document, e.g. "stages.raw.dsn" or "dilutions[1].column".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Known lists the component kinds the binary was built with. Empty lists
// skip the corresponding kind checks.
type Known struct {
	Attachers []string
	Dilutions []string
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

// ValidateLoad performs static validation of a load document. It touches
// no database or file.
func ValidateLoad(l Load, known Known) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(l.Job) == "" {
		add(SeverityError, "job", "job must not be empty; it labels audit runs and metrics")
	}
	if strings.TrimSpace(l.Project) == "" {
		add(SeverityError, "project", "project directory must not be empty")
	}

	validateStages(l, add)
	validateDatasets(l, add)

	if len(l.Attachers) == 0 {
		add(SeverityWarning, "attachers", "no attachers configured; RAW will not be populated")
	}
	for i, a := range l.Attachers {
		path := fmt.Sprintf("attachers[%d].kind", i)
		switch {
		case strings.TrimSpace(a.Kind) == "":
			add(SeverityError, path, "attacher kind must not be empty")
		case len(known.Attachers) > 0 && !contains(known.Attachers, a.Kind):
			add(SeverityError, path, "unknown attacher kind %q (known: %s)", a.Kind, strings.Join(known.Attachers, ", "))
		}
	}

	for i, d := range l.Dilutions {
		base := fmt.Sprintf("dilutions[%d]", i)
		switch {
		case strings.TrimSpace(d.Operation) == "":
			add(SeverityError, base+".operation", "operation must not be empty")
		case len(known.Dilutions) > 0 && !contains(known.Dilutions, d.Operation):
			add(SeverityError, base+".operation", "unknown dilution operation %q", d.Operation)
		}
		if !columnDeclared(l, d.Table, d.Column) {
			add(SeverityError, base+".column", "column %s.%s is not declared in any dataset", d.Table, d.Column)
		}
	}

	if c := l.Migration.DeleteFlagColumn; c != "" {
		for _, ds := range l.Datasets {
			for _, t := range ds.Tables {
				if _, ok := t.Column(c); ok {
					add(SeverityWarning, "migration.delete_flag_column", "delete flag %q is also a LIVE column of %s and will be migrated", c, t.Name)
				}
			}
		}
	}

	validateCache(l.Cache, add)

	switch strings.ToLower(l.Audit.Kind) {
	case "", "memory":
		add(SeverityWarning, "audit.kind", "audit records are kept in memory and lost when the process exits")
	case "bolt":
	case "sql":
		if l.Audit.DB.Kind == "" || l.Audit.DB.DSN == "" {
			add(SeverityError, "audit.db", "sql audit requires db.kind and db.dsn")
		}
	default:
		add(SeverityError, "audit.kind", "unknown audit kind %q", l.Audit.Kind)
	}

	if l.Runtime.BatchSize < 0 {
		add(SeverityError, "runtime.batch_size", "batch_size must be >= 0")
	} else if l.Runtime.BatchSize > 1_000_000 {
		add(SeverityWarning, "runtime.batch_size", "batch_size %d is very large; cancellation waits for a whole batch", l.Runtime.BatchSize)
	}
	for i, st := range l.Runtime.Skippable {
		switch strings.ToLower(st) {
		case "dilution", "migration":
		case "promote":
			add(SeverityWarning, fmt.Sprintf("runtime.skippable[%d]", i), "skipping a failed promote migrates a stale STAGING")
		default:
			add(SeverityError, fmt.Sprintf("runtime.skippable[%d]", i), "unknown stage %q", st)
		}
	}
	if l.Promote.PageSize < 0 {
		add(SeverityError, "promote.page_size", "page_size must be >= 0")
	}
	return issues
}

func validateStages(l Load, add func(IssueSeverity, string, string, ...any)) {
	for _, name := range []string{"raw", "staging", "live"} {
		found := false
		for k, c := range l.Stages {
			if !strings.EqualFold(k, name) {
				continue
			}
			found = true
			path := "stages." + name
			if _, err := dialect.ParseEngine(c.Kind); err != nil {
				add(SeverityError, path+".kind", "%v", err)
			}
			if strings.TrimSpace(c.DSN) == "" {
				add(SeverityError, path+".dsn", "dsn must not be empty")
			}
		}
		if !found {
			add(SeverityError, "stages."+name, "no database configured for %s", strings.ToUpper(name))
		}
	}
	for k := range l.Stages {
		if _, err := storage.ParseStage(k); err != nil {
			add(SeverityError, "stages."+k, "unknown stage %q", k)
		}
	}
	naming := strings.ToLower(l.Naming)
	if naming != "" && naming != "suffix" && naming != "database" && naming != "table_prefix" && naming != "table" {
		add(SeverityError, "naming", "unknown naming strategy %q", l.Naming)
	}
	if (naming == "" || naming == "suffix" || naming == "database") && sameDatabase(l, "raw", "live") {
		add(SeverityError, "naming", "raw and live share a database; use naming \"table_prefix\"")
	}
}

func sameDatabase(l Load, a, b string) bool {
	ca, okA := l.Stages[a]
	cb, okB := l.Stages[b]
	return okA && okB && ca.Kind == cb.Kind && ca.DSN == cb.DSN && ca.Database == cb.Database
}

func validateDatasets(l Load, add func(IssueSeverity, string, string, ...any)) {
	if len(l.Datasets) == 0 {
		add(SeverityError, "datasets", "at least one dataset is required")
	}
	for i, ds := range l.Datasets {
		base := fmt.Sprintf("datasets[%d]", i)
		if strings.TrimSpace(ds.Name) == "" {
			add(SeverityError, base+".name", "dataset name must not be empty")
		}
		if len(ds.Tables) == 0 {
			add(SeverityError, base+".tables", "dataset %q has no tables", ds.Name)
		}
		for j, t := range ds.Tables {
			tp := fmt.Sprintf("%s.tables[%d]", base, j)
			if strings.TrimSpace(t.Name) == "" {
				add(SeverityError, tp+".name", "table name must not be empty")
			}
			if len(t.Columns) == 0 {
				add(SeverityError, tp+".columns", "table %q has no columns", t.Name)
			}
			if len(t.PrimaryKeys()) == 0 {
				add(SeverityWarning, tp+".columns", "table %q has no primary key; migration cannot match rows", t.Name)
			}
			for k, c := range t.Columns {
				if strings.TrimSpace(c.Type) == "" {
					add(SeverityError, fmt.Sprintf("%s.columns[%d].type", tp, k), "column %q has no type", c.Name)
				}
			}
		}
	}
}

func columnDeclared(l Load, table, column string) bool {
	for _, ds := range l.Datasets {
		if t, ok := ds.Table(table); ok {
			_, ok := t.Column(column)
			return ok
		}
	}
	return false
}

func validateCache(c Cache, add func(IssueSeverity, string, string, ...any)) {
	switch strings.ToLower(c.Origin) {
	case "":
	case "http":
		if strings.TrimSpace(c.URLTemplate) == "" {
			add(SeverityError, "cache.url_template", "http origin requires url_template")
		} else if !strings.Contains(c.URLTemplate, "{start") {
			add(SeverityWarning, "cache.url_template", "url_template has no {start} or {start_date}; every window fetches the same URL")
		}
	case "s3":
		if c.S3.Bucket == "" {
			add(SeverityError, "cache.s3.bucket", "s3 origin requires bucket")
		}
		if c.S3.Endpoint == "" {
			add(SeverityError, "cache.s3.endpoint", "s3 origin requires endpoint")
		}
	default:
		add(SeverityError, "cache.origin", "unknown cache origin %q", c.Origin)
	}
	if c.RatePerSecond < 0 {
		add(SeverityError, "cache.rate_per_second", "rate_per_second must be >= 0")
	}
}
