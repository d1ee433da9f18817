package pipeline

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/HDRUK/RDMP-sub001/internal/attach"
	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/audit/boltstore"
	"github.com/HDRUK/RDMP-sub001/internal/audit/sqlstore"
	"github.com/HDRUK/RDMP-sub001/internal/cache"
	"github.com/HDRUK/RDMP-sub001/internal/cache/httporigin"
	"github.com/HDRUK/RDMP-sub001/internal/cache/s3origin"
	"github.com/HDRUK/RDMP-sub001/internal/catalog"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/dilution"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/migration"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/promote"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Known lists the registered attacher kinds and dilution operations for
// configuration validation.
func Known() config.Known {
	return config.Known{Attachers: attach.Kinds(), Dilutions: dilution.Names()}
}

// BuildOptions carries what a load document does not.
type BuildOptions struct {
	Log      logger.Logger
	Listener notify.Listener
	// Now is used for cache sweeping; defaults to time.Now.
	Now func() time.Time
}

// Built is a pipeline and job assembled from a load document. Close releases
// the databases and audit store it opened.
type Built struct {
	Pipeline *Pipeline
	Job      *load.Job
	// Store is where the job's audit records go.
	Store audit.Store
	// Catalog indexes the datasets the job loads.
	Catalog catalog.Repository

	closers []func() error
}

// Close releases resources in reverse order of acquisition and returns the
// first error.
func (b *Built) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// Build validates cfg and wires every component it names. The job's audit
// run is started; Pipeline.Run ends it.
func Build(ctx context.Context, cfg config.Load, opts BuildOptions) (_ *Built, err error) {
	if opts.Log == nil {
		opts.Log = logger.NopLogger
	}
	if opts.Listener == nil {
		opts.Listener = notify.Log(opts.Log)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	issues := config.ValidateLoad(cfg, Known())
	for _, i := range issues {
		if i.Severity != config.SeverityError {
			opts.Log.Warnf("config: %s", i)
		}
	}
	if config.HasErrors(issues) {
		var msgs []string
		for _, i := range issues {
			if i.Severity == config.SeverityError {
				msgs = append(msgs, i.Error())
			}
		}
		return nil, errors.Errorf("pipeline: invalid configuration: %s", strings.Join(msgs, "; "))
	}

	b := &Built{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	dir := project.New(cfg.Project)
	if err := dir.Create(); err != nil {
		return nil, err
	}

	stages, err := cfg.StageConfigs()
	if err != nil {
		return nil, err
	}
	provider := storage.NewStaticProvider(stages)
	b.closers = append(b.closers, provider.Close)

	naming, err := load.ParseNaming(cfg.Naming)
	if err != nil {
		return nil, err
	}
	repo, err := catalog.NewStaticRepository(cfg.Datasets...)
	if err != nil {
		return nil, err
	}
	b.Catalog = repo

	store, closeStore, err := openAudit(ctx, cfg.Audit, dir)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		b.closers = append(b.closers, closeStore)
	}
	b.Store = store

	manager, err := buildCache(cfg.Cache, dir, opts.Log, opts.Now())
	if err != nil {
		return nil, err
	}

	attachers := make([]attach.Attacher, 0, len(cfg.Attachers))
	for i, c := range cfg.Attachers {
		a, err := attach.New(c.Kind, c.Options)
		if err != nil {
			return nil, errors.Wrapf(err, "attachers[%d]", i)
		}
		attachers = append(attachers, a)
	}

	steps := make([]dilution.Step, 0, len(cfg.Dilutions))
	for i, d := range cfg.Dilutions {
		op, err := dilution.New(d.Operation)
		if err != nil {
			return nil, errors.Wrapf(err, "dilutions[%d]", i)
		}
		steps = append(steps, dilution.Step{Operation: op, Table: d.Table, Column: d.Column})
	}

	run, err := audit.StartRun(ctx, store, cfg.Job, cfg.Description)
	if err != nil {
		return nil, err
	}

	job := load.NewJob(cfg.Job, dir, provider, repo.Datasets()...)
	job.Naming = naming
	job.Listener = opts.Listener
	job.Log = opts.Log
	job.Audit = run
	if manager.HasOrigin() {
		job.Cache = manager
	}
	job.CreateRawTables = cfg.Runtime.ShouldCreateRawTables()
	job.MigrateStagingToLive = cfg.Migration.IsEnabled()
	if cfg.Runtime.BatchSize > 0 {
		job.BatchSize = cfg.Runtime.BatchSize
	}

	b.Job = job
	b.Pipeline = &Pipeline{
		Attachers: attachers,
		Promote:   &promote.Stage{PageSize: cfg.Promote.PageSize},
		Dilution:  &dilution.Stage{Steps: steps},
		Migration: migration.NewHost(migration.Configuration{
			AllowOverwrite:   cfg.Migration.AllowOverwrite,
			DeleteFlagColumn: cfg.Migration.DeleteFlagColumn,
			BatchSize:        job.Batch(),
		}),
		Skippable:    cfg.Runtime.Skippable,
		MinFreeBytes: cfg.Runtime.MinFreeBytes,
	}
	return b, nil
}

// openAudit returns the store for a and, when it holds a resource, the
// function that releases it.
func openAudit(ctx context.Context, a config.Audit, dir project.Directory) (audit.Store, func() error, error) {
	switch strings.ToLower(a.Kind) {
	case "", "memory":
		return audit.NewMemoryStore(), nil, nil
	case "bolt":
		path := a.Path
		if path == "" {
			path = filepath.Join(dir.Logs(), "audit.bolt")
		}
		s, err := boltstore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sql":
		db, err := storage.New(ctx, a.DB)
		if err != nil {
			return nil, nil, errors.Wrap(err, "audit database")
		}
		s, err := sqlstore.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	}
	return nil, nil, errors.Errorf("pipeline: unknown audit kind %q", a.Kind)
}

// BuildCache returns the cache manager for c rooted at the project
// directory. Stale temporary files are swept first when configured.
func BuildCache(c config.Cache, dir project.Directory, log logger.Logger) (*cache.Manager, error) {
	return buildCache(c, dir, log, time.Now())
}

func buildCache(c config.Cache, dir project.Directory, log logger.Logger, now time.Time) (*cache.Manager, error) {
	if log == nil {
		log = logger.NopLogger
	}
	var origin cache.Origin
	switch strings.ToLower(c.Origin) {
	case "":
	case "http":
		client := httporigin.NewClient(httporigin.Config{
			Timeout:    time.Duration(c.TimeoutMS) * time.Millisecond,
			MaxRetries: c.MaxRetries,
		})
		h := http.Header{}
		for k, v := range c.Headers {
			h.Set(k, v)
		}
		o, err := httporigin.New(client, c.URLTemplate, h)
		if err != nil {
			return nil, err
		}
		origin = o
	case "s3":
		o, err := s3origin.New(s3origin.Config{
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKey,
			SecretAccessKey: c.S3.SecretKey,
			Region:          c.S3.Region,
			UseSSL:          c.S3.UseSSL,
			Bucket:          c.S3.Bucket,
			KeyTemplate:     c.S3.KeyTemplate,
		})
		if err != nil {
			return nil, err
		}
		origin = o
	default:
		return nil, errors.Errorf("pipeline: unknown cache origin %q", c.Origin)
	}

	layout := cache.CreateCacheLayout(dir.Root)
	if c.SweepAfterMS > 0 {
		n, err := layout.Sweep(time.Duration(c.SweepAfterMS)*time.Millisecond, now)
		if err != nil {
			return nil, errors.Wrap(err, "pipeline: sweep cache")
		}
		if n > 0 {
			log.Infof("cache: swept %d abandoned temporary file(s) from %s", n, layout.Dir())
		}
	}

	opts := []cache.Option{cache.WithLogger(log)}
	if c.RatePerSecond > 0 {
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, cache.WithRateLimit(rate.Limit(c.RatePerSecond), burst))
	}
	return cache.NewManager(layout, origin, opts...), nil
}
