// Package pipeline runs a load job end to end: RAW population by the
// configured attachers, promotion to STAGING, dilution and migration into
// LIVE. Stages run strictly in that order and a non-success result halts the
// job unless the stage is marked skippable.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/dilution"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/metrics"
	"github.com/HDRUK/RDMP-sub001/internal/migration"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/promote"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Pipeline holds the components of one load. Nil stages are skipped.
type Pipeline struct {
	Attachers []attach.Attacher
	Promote   *promote.Stage
	Dilution  *dilution.Stage
	Migration *migration.Host

	// Skippable names stages after RAW population whose failure is
	// reported as a warning instead of halting the job.
	Skippable []string
	// MinFreeBytes fails the job before anything is written when the
	// project disk has less space available.
	MinFreeBytes uint64
}

type stage struct {
	name string
	run  func(context.Context, *load.Job) load.ExitCode
}

func (p *Pipeline) stages() []stage {
	var out []stage
	if p.Promote != nil {
		out = append(out, stage{"promote", p.Promote.Run})
	}
	if p.Dilution != nil {
		out = append(out, stage{"dilution", p.Dilution.Run})
	}
	if p.Migration != nil {
		out = append(out, stage{"migration", p.Migration.Migrate})
	}
	return out
}

func (p *Pipeline) skippable(name string) bool {
	for _, s := range p.Skippable {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// Run executes the job and ends its audit run. It never panics on component
// failure; the returned code is the job's outcome.
func (p *Pipeline) Run(ctx context.Context, job *load.Job) (exit load.ExitCode) {
	l := job.Notify()
	start := time.Now()
	notify.Infof(l, "pipeline", "job %s (%s) starting", job.Name, job.ID)
	defer func() {
		d := time.Since(start)
		metrics.RecordStage(job.Name, "job", exit.String(), d)
		if job.Audit != nil {
			if err := job.Audit.End(context.Background(), !exit.OK()); err != nil {
				notify.Errorf(l, "pipeline", err, "could not close audit run %s", job.Audit.ID())
			}
		}
		notify.Infof(l, "pipeline", "job %s finished with %s in %s", job.Name, exit, d.Truncate(time.Millisecond))
	}()

	code := p.populate(ctx, job)
	if !code.OK() {
		return code
	}
	if code == load.OperationNotRequired {
		notify.Infof(l, "pipeline", "no attacher had anything to load")
		return load.OperationNotRequired
	}

	for _, s := range p.stages() {
		if ctx.Err() != nil {
			notify.Warnf(l, "pipeline", "cancelled before %s", s.name)
			return load.Abort
		}
		code := timed(job, s.name, func() load.ExitCode { return s.run(ctx, job) })
		switch {
		case code.OK():
		case code == load.Abort:
			return load.Abort
		case p.skippable(s.name):
			notify.Warnf(l, "pipeline", "%s finished with %s; continuing because it is skippable", s.name, code)
		default:
			return code
		}
	}
	return load.Success
}

// populate fills RAW. It returns OperationNotRequired only when attachers
// are configured and none of them loaded anything.
func (p *Pipeline) populate(ctx context.Context, job *load.Job) load.ExitCode {
	l := job.Notify()
	if err := job.Project.EnsureFree(p.MinFreeBytes); err != nil {
		notify.Errorf(l, "pipeline", err, "not enough free space")
		return load.Error
	}
	raw, err := job.Provider.Database(ctx, storage.Raw)
	if err != nil {
		notify.Errorf(l, "pipeline", err, "RAW database unavailable")
		return load.Failure(ctx, err)
	}
	if len(p.Attachers) == 0 {
		notify.Warnf(l, "pipeline", "no attachers; RAW is used as found")
		return load.Success
	}

	ready, err := p.initialize(job, raw)
	exit := load.Error
	defer func() {
		for _, a := range ready {
			a.LoadCompletedSoDispose(ctx, exit, l)
		}
	}()
	if err != nil {
		return load.Error
	}
	code := timed(job, "check", func() load.ExitCode {
		if err := p.check(ctx, job, raw, ready); err != nil {
			return load.Failure(ctx, err)
		}
		return load.Success
	})
	if !code.OK() {
		exit = code
		return code
	}

	// RAW changes only once every check has passed
	code = timed(job, "prepare", func() load.ExitCode {
		if err := p.prepareRaw(ctx, job, raw); err != nil {
			notify.Errorf(l, "pipeline", err, "could not prepare RAW")
			return load.Failure(ctx, err)
		}
		return load.Success
	})
	if !code.OK() {
		exit = code
		return code
	}

	exit = load.OperationNotRequired
	for _, a := range ready {
		if ctx.Err() != nil {
			notify.Warnf(l, "pipeline", "cancelled before attacher %s", a.Kind())
			exit = load.Abort
			break
		}
		c := timed(job, "attach:"+a.Kind(), func() load.ExitCode { return a.Attach(ctx, job) })
		if c == load.Success {
			exit = load.Success
		} else if !c.OK() {
			notify.Errorf(l, "pipeline", nil, "attacher %s finished with %s", a.Kind(), c)
			exit = c
			break
		}
	}
	return exit
}

// Check initialises and checks every attacher and validates the catalogue
// and promote transforms. Nothing is created, emptied or loaded.
func (p *Pipeline) Check(ctx context.Context, job *load.Job) error {
	l := job.Notify()
	raw, err := job.Provider.Database(ctx, storage.Raw)
	if err != nil {
		notify.Errorf(l, "pipeline", err, "RAW database unavailable")
		return err
	}
	ready, err := p.initialize(job, raw)
	defer func() {
		for _, a := range ready {
			a.LoadCompletedSoDispose(ctx, load.OperationNotRequired, l)
		}
	}()
	if err != nil {
		return err
	}
	return p.check(ctx, job, raw, ready)
}

func (p *Pipeline) requestsCreation() bool {
	for _, a := range p.Attachers {
		if a.RequestsExternalDatabaseCreation() {
			return true
		}
	}
	return false
}

// prepareRaw creates missing RAW tables from the catalogue when the job and
// an attacher ask for it, and empties existing ones.
func (p *Pipeline) prepareRaw(ctx context.Context, job *load.Job, raw *storage.Database) error {
	l := job.Notify()
	create := job.CreateRawTables && p.requestsCreation()
	for _, t := range job.Tables() {
		name := job.StageTable(t.Name, storage.Raw)
		ok, err := raw.TableExists(ctx, name)
		if err != nil {
			return err
		}
		switch {
		case ok:
			n, err := raw.DeleteAll(ctx, name)
			if err != nil {
				return err
			}
			if n > 0 {
				notify.Infof(l, "pipeline", "emptied %d leftover row(s) from RAW table %s", n, name)
			}
		case !ok && create:
			if err := raw.CreateTable(ctx, name, t.Defs(true)); err != nil {
				return errors.Wrapf(err, "create RAW table %s", name)
			}
			notify.Infof(l, "pipeline", "created RAW table %s in %s", name, raw.Describe())
		}
	}
	return nil
}

// initialize returns the attachers that initialised; they must be disposed
// even when a later one fails.
func (p *Pipeline) initialize(job *load.Job, raw *storage.Database) ([]attach.Attacher, error) {
	l := job.Notify()
	env := attach.Env{
		Project: job.Project,
		DB:      raw,
		Naming:  job.Naming,
		Cache:   job.Cache,
		Log:     job.Logger(),

		CreateRaw: job.CreateRawTables,
	}
	ready := make([]attach.Attacher, 0, len(p.Attachers))
	for _, a := range p.Attachers {
		if err := a.Initialize(env); err != nil {
			notify.Errorf(l, "pipeline", err, "could not initialise attacher %s", a.Kind())
			return ready, err
		}
		ready = append(ready, a)
	}
	return ready, nil
}

// check runs every check so all problems are reported together, then fails
// with the first.
func (p *Pipeline) check(ctx context.Context, job *load.Job, raw *storage.Database, ready []attach.Attacher) error {
	l := job.Notify()
	var first error
	for _, a := range ready {
		if err := a.Check(ctx, l); err != nil && first == nil {
			first = errors.Wrapf(err, "attacher %s", a.Kind())
		}
	}
	for _, d := range job.Datasets {
		if !catalog.Check(raw.Helper, d, l) && first == nil {
			first = errors.Errorf("dataset %s is not usable", d.Name)
		}
	}
	if p.Promote != nil {
		if err := promote.Check(job, raw, l); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		notify.Errorf(l, "pipeline", first, "checks failed; nothing was attached")
	}
	return first
}

func timed(job *load.Job, name string, fn func() load.ExitCode) load.ExitCode {
	start := time.Now()
	code := fn()
	metrics.RecordStage(job.Name, name, code.String(), time.Since(start))
	return code
}
