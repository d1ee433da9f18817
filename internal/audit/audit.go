// Package audit records what every load run did to every table it touched.
//
// A Run is opened per job execution; each physical table gets one
// TableLoadInfo whose counters only ever grow. CloseAndArchive writes the
// final record to the Store exactly once; afterwards the record is immutable
// and further increments fail.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrArchived is returned when a closed record is modified.
	ErrArchived = errors.New("audit: table load already archived")
	// ErrAlreadyArchived is returned by a second CloseAndArchive.
	ErrAlreadyArchived = errors.New("audit: CloseAndArchive called twice")
	// ErrRunEnded is returned when an ended run is used.
	ErrRunEnded = errors.New("audit: run already ended")
	// ErrNegativeIncrement is returned for increments below zero.
	ErrNegativeIncrement = errors.New("audit: counters cannot decrease")
)

// RunRecord is the persisted form of a Run.
type RunRecord struct {
	ID          string    `json:"id"`
	Job         string    `json:"job"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitempty"`
	Failed      bool      `json:"failed"`
}

// TableRecord is the persisted form of a TableLoadInfo.
type TableRecord struct {
	ID                  string    `json:"id"`
	RunID               string    `json:"run_id"`
	Table               string    `json:"table"`
	Destination         string    `json:"destination"`
	Inserts             int64     `json:"inserts"`
	Updates             int64     `json:"updates"`
	Deletes             int64     `json:"deletes"`
	DiscardedDuplicates int64     `json:"discarded_duplicates"`
	ErrorRows           int64     `json:"error_rows"`
	Notes               []string  `json:"notes,omitempty"`
	Start               time.Time `json:"start"`
	End                 time.Time `json:"end,omitempty"`
}

// Store persists audit records. Implementations must be safe for
// concurrent use by independent runs.
type Store interface {
	CreateRun(ctx context.Context, r RunRecord) error
	EndRun(ctx context.Context, r RunRecord) error
	CreateTableLoad(ctx context.Context, t TableRecord) error
	ArchiveTableLoad(ctx context.Context, t TableRecord) error
}

// Run is one job execution.
type Run struct {
	store Store
	now   func() time.Time

	mu     sync.Mutex
	rec    RunRecord
	tables []*TableLoadInfo
	ended  bool
}

// StartRun records the start of a run.
func StartRun(ctx context.Context, store Store, job, description string) (*Run, error) {
	r := &Run{store: store, now: time.Now}
	r.rec = RunRecord{ID: uuid.NewString(), Job: job, Description: description, Start: r.now().UTC()}
	if err := store.CreateRun(ctx, r.rec); err != nil {
		return nil, errors.Wrap(err, "audit: create run")
	}
	return r, nil
}

// ID is the run's identifier.
func (r *Run) ID() string { return r.rec.ID }

// Record returns a copy of the run record.
func (r *Run) Record() RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

// NewTableLoad opens the audit record for one table. destination is the
// connection descriptor of the database being written.
func (r *Run) NewTableLoad(ctx context.Context, table, destination string) (*TableLoadInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return nil, ErrRunEnded
	}
	t := &TableLoadInfo{
		store: r.store,
		now:   r.now,
		rec: TableRecord{
			ID:          uuid.NewString(),
			RunID:       r.rec.ID,
			Table:       table,
			Destination: destination,
			Start:       r.now().UTC(),
		},
	}
	if err := r.store.CreateTableLoad(ctx, t.rec); err != nil {
		return nil, errors.Wrapf(err, "audit: create table load %s", table)
	}
	r.tables = append(r.tables, t)
	return t, nil
}

// Tables returns the table loads opened so far.
func (r *Run) Tables() []*TableLoadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*TableLoadInfo(nil), r.tables...)
}

// End archives any table loads still open, then closes the run. It may be
// called once.
func (r *Run) End(ctx context.Context, failed bool) error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return ErrRunEnded
	}
	r.ended = true
	tables := append([]*TableLoadInfo(nil), r.tables...)
	r.mu.Unlock()

	var firstErr error
	for _, t := range tables {
		if t.IsArchived() {
			continue
		}
		_ = t.AddNote("closed at end of run")
		if err := t.CloseAndArchive(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	r.rec.End = r.now().UTC()
	r.rec.Failed = failed
	rec := r.rec
	r.mu.Unlock()
	if err := r.store.EndRun(ctx, rec); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "audit: end run")
	}
	return firstErr
}

// TableLoadInfo is the live audit record of one table in one run. A nil
// *TableLoadInfo is valid and records nothing.
type TableLoadInfo struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	rec      TableRecord
	archived bool
}

func (t *TableLoadInfo) add(field func(*TableRecord) *int64, n int64) error {
	if n < 0 {
		return ErrNegativeIncrement
	}
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.archived {
		return errors.Wrap(ErrArchived, t.rec.Table)
	}
	*field(&t.rec) += n
	return nil
}

func inserts(r *TableRecord) *int64    { return &r.Inserts }
func updates(r *TableRecord) *int64    { return &r.Updates }
func deletes(r *TableRecord) *int64    { return &r.Deletes }
func duplicates(r *TableRecord) *int64 { return &r.DiscardedDuplicates }
func errorRows(r *TableRecord) *int64  { return &r.ErrorRows }

func (t *TableLoadInfo) IncrementInserts(n int64) error             { return t.add(inserts, n) }
func (t *TableLoadInfo) IncrementUpdates(n int64) error             { return t.add(updates, n) }
func (t *TableLoadInfo) IncrementDeletes(n int64) error             { return t.add(deletes, n) }
func (t *TableLoadInfo) IncrementDiscardedDuplicates(n int64) error { return t.add(duplicates, n) }
func (t *TableLoadInfo) IncrementErrorRows(n int64) error           { return t.add(errorRows, n) }

// AddNote appends free text to the record.
func (t *TableLoadInfo) AddNote(note string) error {
	note = strings.TrimSpace(note)
	if t == nil || note == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.archived {
		return errors.Wrap(ErrArchived, t.rec.Table)
	}
	t.rec.Notes = append(t.rec.Notes, note)
	return nil
}

// CloseAndArchive stamps the end time and persists the final record. A
// second call returns ErrAlreadyArchived. If the store fails the record stays
// open so the caller may retry.
func (t *TableLoadInfo) CloseAndArchive(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.archived {
		return errors.Wrap(ErrAlreadyArchived, t.rec.Table)
	}
	rec := t.rec
	rec.End = t.now().UTC()
	rec.Notes = append([]string(nil), t.rec.Notes...)
	if err := t.store.ArchiveTableLoad(ctx, rec); err != nil {
		return errors.Wrapf(err, "audit: archive %s", t.rec.Table)
	}
	t.rec = rec
	t.archived = true
	return nil
}

// IsArchived reports whether CloseAndArchive has succeeded.
func (t *TableLoadInfo) IsArchived() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.archived
}

// Snapshot returns a copy of the current record.
func (t *TableLoadInfo) Snapshot() TableRecord {
	if t == nil {
		return TableRecord{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.rec
	rec.Notes = append([]string(nil), t.rec.Notes...)
	return rec
}
