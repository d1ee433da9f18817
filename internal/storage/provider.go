package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Provider hands out the database for a stage. It is passed explicitly down
// the call chain so tests can substitute their own.
type Provider interface {
	Database(ctx context.Context, stage Stage) (*Database, error)
}

// StaticProvider opens configured databases lazily. Stages configured with
// the same kind, DSN and database share one handle.
type StaticProvider struct {
	mu      sync.Mutex
	configs map[Stage]Config
	open    map[string]*Database
	closed  bool
}

// NewStaticProvider returns a provider over cfgs.
func NewStaticProvider(cfgs map[Stage]Config) *StaticProvider {
	c := make(map[Stage]Config, len(cfgs))
	for k, v := range cfgs {
		c[k] = v
	}
	return &StaticProvider{configs: c, open: map[string]*Database{}}
}

// Database implements Provider.
func (p *StaticProvider) Database(ctx context.Context, stage Stage) (*Database, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("storage: provider closed")
	}
	cfg, ok := p.configs[stage]
	if !ok {
		return nil, errors.Errorf("storage: no database configured for %s", stage)
	}
	if db, ok := p.open[cfg.key()]; ok {
		return db, nil
	}
	db, err := New(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", stage)
	}
	p.open[cfg.key()] = db
	return db, nil
}

// Close closes every opened handle once. Later Database calls fail.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var first error
	for k, db := range p.open {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.open, k)
	}
	return first
}

// Fixed is a Provider over already-open handles. It never closes them.
type Fixed map[Stage]*Database

// Database implements Provider.
func (f Fixed) Database(_ context.Context, stage Stage) (*Database, error) {
	db, ok := f[stage]
	if !ok || db == nil {
		return nil, errors.Errorf("storage: no database for %s", stage)
	}
	return db, nil
}
