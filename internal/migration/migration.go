// Package migration merges STAGING tables into LIVE. Each table runs in its
// own transaction through NotStarted, Validating, Merging and then
// Committed or RolledBack. Rows are matched on the catalogue primary key:
// new keys are inserted, keys whose other values differ are updated (when
// overwrite is allowed) or discarded as duplicates, identical rows are left
// alone and rows whose delete flag is set remove the LIVE row.
package migration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/metrics"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// State is a table's position in the migration state machine.
type State int

const (
	NotStarted State = iota
	Validating
	Merging
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Validating:
		return "Validating"
	case Merging:
		return "Merging"
	case Committed:
		return "Committed"
	case RolledBack:
		return "RolledBack"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Configuration controls the merge.
type Configuration struct {
	// Naming resolves LIVE names to STAGING names; nil uses the job's.
	Naming load.NamingStrategy
	// AllowOverwrite updates LIVE rows whose non-key values differ.
	// Otherwise such rows are discarded as duplicates.
	AllowOverwrite bool
	// DeleteFlagColumn names a STAGING column that, when true, deletes the
	// LIVE row with the same key.
	DeleteFlagColumn string
	// BatchSize is the number of STAGING rows read per page.
	BatchSize int
}

// Counts is what one table's merge did.
type Counts struct {
	Inserts, Updates, Deletes, Unchanged, Duplicates, ErrorRows int64
}

// Host runs migrations.
type Host struct {
	cfg Configuration

	mu     sync.Mutex
	states map[string]State
}

// NewHost returns a host for cfg.
func NewHost(cfg Configuration) *Host {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Host{cfg: cfg, states: map[string]State{}}
}

// States returns the final state of every table seen so far.
func (h *Host) States() map[string]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]State, len(h.states))
	for k, v := range h.states {
		out[k] = v
	}
	return out
}

func (h *Host) set(table string, s State) {
	h.mu.Lock()
	h.states[table] = s
	h.mu.Unlock()
}

// Migrate merges every table of the job. A table that fails structurally is
// rolled back and reported, the remaining tables still run, and the result
// is Error. When the job disables migration nothing happens and the result
// is Success. ctx is polled between tables and between pages.
func (h *Host) Migrate(ctx context.Context, job *load.Job) load.ExitCode {
	l := job.Notify()
	if !job.MigrateStagingToLive {
		notify.Infof(l, "migration", "migration of STAGING to LIVE is disabled for this load; skipping")
		return load.Success
	}
	staging, err := job.Provider.Database(ctx, storage.Staging)
	if err != nil {
		notify.Errorf(l, "migration", err, "STAGING database unavailable")
		return load.Failure(ctx, err)
	}
	live, err := job.Provider.Database(ctx, storage.Live)
	if err != nil {
		notify.Errorf(l, "migration", err, "LIVE database unavailable")
		return load.Failure(ctx, err)
	}

	result := load.Success
	tables := job.Tables()
	for _, t := range tables {
		h.set(t.Name, NotStarted)
	}
	for i, t := range tables {
		if err := ctx.Err(); err != nil {
			notify.Warnf(l, "migration", "cancelled before %s", t.Name)
			skipped(job, live, tables[i:], l)
			return load.Abort
		}
		switch code := h.table(ctx, job, staging, live, t); code {
		case load.Abort:
			skipped(job, live, tables[i+1:], l)
			return code
		case load.Error:
			result = load.Error
		}
	}
	return result
}

// skipped archives a record for every table the migration never reached so
// the audit accounts for each table of the job.
func skipped(job *load.Job, live *storage.Database, tables []catalog.TableInfo, l notify.Listener) {
	ctx := context.Background()
	for _, t := range tables {
		name := job.StageTable(t.Name, storage.Live)
		tl, err := job.TableLoad(ctx, name, live)
		if err != nil {
			notify.Errorf(l, "migration:"+t.Name, err, "could not open audit record")
			continue
		}
		_ = tl.AddNote("skipped: cancelled")
		_ = tl.CloseAndArchive(ctx)
	}
}

func (h *Host) stagingName(job *load.Job, table string) string {
	if h.cfg.Naming != nil {
		return h.cfg.Naming.TableName(table, storage.Staging)
	}
	return job.StageTable(table, storage.Staging)
}

// plan is a validated table merge.
type plan struct {
	table   catalog.TableInfo
	staging string
	live    string
	cols    []string
	keyIx   []int
	valIx   []int
	// flagIx is the delete flag's position in the selected row, or -1.
	flagIx int
}

func (h *Host) table(ctx context.Context, job *load.Job, staging, live *storage.Database, t catalog.TableInfo) load.ExitCode {
	l := job.Notify()
	source := "migration:" + t.Name
	start := time.Now()

	// every table gets a record, including ones that fail validation
	tl, err := job.TableLoad(context.Background(), job.StageTable(t.Name, storage.Live), live)
	if err != nil {
		h.set(t.Name, RolledBack)
		notify.Errorf(l, source, err, "could not open audit record")
		return load.Error
	}
	defer func() { _ = tl.CloseAndArchive(context.Background()) }()

	h.set(t.Name, Validating)
	p, err := h.validate(ctx, job, staging, live, t)
	if err != nil {
		h.set(t.Name, RolledBack)
		_ = tl.AddNote("rolled back: " + err.Error())
		notify.Errorf(l, source, err, "validation failed")
		return load.Failure(ctx, err)
	}

	h.set(t.Name, Merging)
	counts, err := h.merge(ctx, job, staging, live, p)
	if err != nil {
		h.set(t.Name, RolledBack)
		_ = tl.AddNote("rolled back: " + err.Error())
		code := load.Failure(ctx, err)
		if code == load.Abort {
			notify.Warnf(l, source, "cancelled; %s rolled back", p.live)
		} else {
			notify.Errorf(l, source, err, "%s rolled back", p.live)
		}
		return code
	}
	h.set(t.Name, Committed)
	record(tl, counts)
	for kind, n := range map[string]int64{"inserted": counts.Inserts, "updated": counts.Updates, "deleted": counts.Deletes, "duplicate": counts.Duplicates, "error": counts.ErrorRows} {
		metrics.RecordRows(job.Name, p.live, kind, n)
	}
	notify.Infof(l, source, "%s committed in %s: %d inserted, %d updated, %d deleted, %d unchanged, %d discarded duplicate(s), %d error row(s)",
		p.live, time.Since(start).Truncate(time.Millisecond), counts.Inserts, counts.Updates, counts.Deletes, counts.Unchanged, counts.Duplicates, counts.ErrorRows)
	if counts.Duplicates > 0 {
		notify.Warnf(l, source, "%d STAGING row(s) collided with LIVE rows holding different values and were discarded", counts.Duplicates)
	}
	return load.Success
}

func record(tl *audit.TableLoadInfo, c Counts) {
	_ = tl.IncrementInserts(c.Inserts)
	_ = tl.IncrementUpdates(c.Updates)
	_ = tl.IncrementDeletes(c.Deletes)
	_ = tl.IncrementDiscardedDuplicates(c.Duplicates)
	_ = tl.IncrementErrorRows(c.ErrorRows)
	if c.Unchanged > 0 {
		_ = tl.AddNote(fmt.Sprintf("%d row(s) already present and identical", c.Unchanged))
	}
}

// validate checks both tables exist, share the catalogue columns with
// compatible types, and that the table has a primary key.
func (h *Host) validate(ctx context.Context, job *load.Job, staging, live *storage.Database, t catalog.TableInfo) (*plan, error) {
	p := &plan{table: t, staging: h.stagingName(job, t.Name), live: job.StageTable(t.Name, storage.Live), flagIx: -1}
	if len(t.PrimaryKeys()) == 0 {
		return nil, errors.Errorf("%s has no primary key; rows cannot be matched", t.Name)
	}
	stgCols, err := columnsOf(ctx, staging, p.staging)
	if err != nil {
		return nil, err
	}
	liveCols, err := columnsOf(ctx, live, p.live)
	if err != nil {
		return nil, err
	}
	for _, c := range t.Columns {
		st, ok := stgCols[strings.ToLower(c.Name)]
		if !ok {
			return nil, errors.Errorf("column %s missing from %s", c.Name, p.staging)
		}
		lt, ok := liveCols[strings.ToLower(c.Name)]
		if !ok {
			return nil, errors.Errorf("column %s missing from %s", c.Name, p.live)
		}
		if !dialect.Compatible(dialect.TypeFamilyOf(st.Type), dialect.TypeFamilyOf(lt.Type)) {
			return nil, errors.Errorf("column %s: %s %s cannot be written to %s %s", c.Name, p.staging, st.Type, p.live, lt.Type)
		}
		i := len(p.cols)
		p.cols = append(p.cols, c.Name)
		if c.PrimaryKey {
			p.keyIx = append(p.keyIx, i)
		} else {
			p.valIx = append(p.valIx, i)
		}
		if h.cfg.DeleteFlagColumn != "" && strings.EqualFold(c.Name, h.cfg.DeleteFlagColumn) {
			p.flagIx = i
		}
	}
	if h.cfg.DeleteFlagColumn != "" && p.flagIx < 0 {
		if _, ok := stgCols[strings.ToLower(h.cfg.DeleteFlagColumn)]; ok {
			p.flagIx = len(p.cols)
		}
	}
	return p, nil
}

func columnsOf(ctx context.Context, db *storage.Database, table string) (map[string]storage.Column, error) {
	ok, err := db.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("table %s does not exist in %s", table, db.Describe())
	}
	cols, err := db.DiscoverColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]storage.Column, len(cols))
	for _, c := range cols {
		out[strings.ToLower(c.Name)] = c
	}
	return out, nil
}

// merge applies STAGING to LIVE inside one transaction. Row failures are
// isolated with savepoints and counted; any other error rolls back.
func (h *Host) merge(ctx context.Context, job *load.Job, staging, live *storage.Database, p *plan) (c Counts, err error) {
	tx, err := live.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// a shared handle must be read through the transaction
	var reader storage.Querier = staging.DB
	if staging == live {
		reader = tx
	}
	m, err := newMerger(ctx, tx, live, p, h.cfg.AllowOverwrite, job.Logger())
	if err != nil {
		return c, err
	}
	defer m.close()

	query := selectStaging(staging.Helper, p, h.cfg.DeleteFlagColumn)
	log := m.log
	for offset := 0; ; offset += h.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		page, err := storage.ReadAll(ctx, reader, query+" "+staging.Helper.PageClause(offset, h.cfg.BatchSize))
		if err != nil {
			return c, errors.Wrapf(err, "read %s", p.staging)
		}
		for _, row := range page {
			if err := m.apply(ctx, row, &c); err != nil {
				return c, err
			}
		}
		log.Debugf("migration: %s offset=%d rows=%d inserted=%d", p.live, offset, len(page), c.Inserts)
		if len(page) < h.cfg.BatchSize {
			break
		}
	}
	if err := tx.Commit(); err != nil {
		return c, errors.Wrap(err, "commit")
	}
	return c, nil
}

func selectStaging(hp dialect.QuerySyntaxHelper, p *plan, flag string) string {
	cols := make([]string, 0, len(p.cols)+1)
	for _, c := range p.cols {
		cols = append(cols, hp.Wrap(c))
	}
	if p.flagIx == len(p.cols) {
		cols = append(cols, hp.Wrap(flag))
	}
	// keys first, then the rest, so pages are stable even when STAGING
	// repeats a key
	order := make([]string, 0, len(p.cols))
	for _, k := range p.keyIx {
		order = append(order, hp.Wrap(p.cols[k]))
	}
	for _, v := range p.valIx {
		order = append(order, hp.Wrap(p.cols[v]))
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), hp.EnsureWrapped(p.staging), strings.Join(order, ", "))
}
