// Package attach populates the RAW stage. An Attacher is a strategy bound to
// one RAW database: it is initialised with the load directory and target,
// checked without side effects, asked to attach, and always disposed.
// Strategies register by kind from init(); import attach/all to enable the
// built-in ones.
package attach

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/cache"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/load"
	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
	"github.com/HDRUK/RDMP-sub001/internal/project"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Env is what an attacher is initialised with.
type Env struct {
	Project project.Directory
	// DB is the RAW database.
	DB     *storage.Database
	Naming load.NamingStrategy
	// Cache is nil when the load has no fetch origin.
	Cache *cache.Manager
	Log   logger.Logger
	// CreateRaw is set when the job lets the pipeline create missing RAW
	// tables once every check has passed.
	CreateRaw bool
}

// RawTable resolves a LIVE table name to its RAW name.
func (e Env) RawTable(table string) string {
	if e.Naming == nil {
		return table
	}
	return e.Naming.TableName(table, storage.Raw)
}

// Attacher is the capability set every RAW population strategy provides.
type Attacher interface {
	Kind() string
	Initialize(env Env) error
	// RequestsExternalDatabaseCreation reports whether the pipeline must
	// create missing RAW tables after the checks pass. Attachers that return
	// false expect their target table to exist already.
	RequestsExternalDatabaseCreation() bool
	// Check validates configuration and reachability. It must not modify
	// anything.
	Check(ctx context.Context, l notify.Listener) error
	// Attach loads RAW. It polls ctx between batches and returns Abort
	// when cancelled.
	Attach(ctx context.Context, job *load.Job) load.ExitCode
	// LoadCompletedSoDispose runs after every Attach regardless of outcome.
	LoadCompletedSoDispose(ctx context.Context, exit load.ExitCode, l notify.Listener)
}

// Factory builds an attacher from its options.
type Factory func(o config.Options) (Attacher, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(kind)] = f
}

// New builds the attacher registered for kind.
func New(kind string, o config.Options) (Attacher, error) {
	mu.RLock()
	f, ok := factories[strings.ToLower(kind)]
	mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("attach: unsupported kind %q (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}
	if o == nil {
		o = config.Options{}
	}
	a, err := f(o)
	if err != nil {
		return nil, errors.Wrapf(err, "attach: %s", kind)
	}
	return a, nil
}

// Kinds lists registered kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Base carries the state every attacher shares: its environment and the RAW
// tables it has written to, which are emptied again on a failed load.
type Base struct {
	Env Env

	mu        sync.Mutex
	populated []string
}

// Initialize stores env. The RAW database is required.
func (b *Base) Initialize(env Env) error {
	if env.DB == nil {
		return errors.New("attach: RAW database is required")
	}
	if env.Log == nil {
		env.Log = logger.NopLogger
	}
	b.Env = env
	return nil
}

// RequireTable reports an error event and returns an error when the RAW
// table is missing, unless create is set and the job creates RAW tables.
func (b *Base) RequireTable(ctx context.Context, source, table string, create bool, l notify.Listener) error {
	ok, err := b.Env.DB.TableExists(ctx, table)
	if err != nil {
		notify.Errorf(l, source, err, "could not check RAW table %s", table)
		return err
	}
	if !ok && create && b.Env.CreateRaw {
		notify.Infof(l, source, "RAW table %s will be created", table)
		return nil
	}
	if !ok {
		err := errors.Errorf("RAW table %s does not exist in %s", table, b.Env.DB.Describe())
		notify.Errorf(l, source, err, "RAW table missing")
		return err
	}
	notify.Infof(l, source, "found RAW table %s", table)
	return nil
}

// MarkPopulated records that table received rows during this load.
func (b *Base) MarkPopulated(table string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.populated {
		if t == table {
			return
		}
	}
	b.populated = append(b.populated, table)
}

// Populated lists the tables written so far.
func (b *Base) Populated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.populated...)
}

// Revert empties every populated table when exit is not a success, leaving
// RAW as it was before this load. A fresh context is used so a cancelled
// load can still clean up.
func (b *Base) Revert(exit load.ExitCode, source string, l notify.Listener) {
	if exit.OK() {
		return
	}
	ctx := context.Background()
	for _, t := range b.Populated() {
		n, err := b.Env.DB.DeleteAll(ctx, t)
		if err != nil {
			notify.Errorf(l, source, err, "could not empty RAW table %s after %s", t, exit)
			continue
		}
		notify.Warnf(l, source, "emptied RAW table %s (%d rows) after %s", t, n, exit)
	}
	b.mu.Lock()
	b.populated = nil
	b.mu.Unlock()
}
