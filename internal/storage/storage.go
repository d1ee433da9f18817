// Package storage opens the databases a load touches and exposes them as
// discovered handles: a *sql.DB, the engine's syntax helper and a bulk-copy
// primitive. Backends register themselves by kind from init(); import
// storage/all to enable every built-in backend.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Stage is one of the three database stages a dataset passes through.
type Stage int

const (
	Raw Stage = iota
	Staging
	Live
)

func (s Stage) String() string {
	switch s {
	case Raw:
		return "RAW"
	case Staging:
		return "STAGING"
	case Live:
		return "LIVE"
	}
	return "UNKNOWN"
}

// ParseStage accepts RAW, STAGING or LIVE in any case.
func ParseStage(s string) (Stage, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RAW":
		return Raw, nil
	case "STAGING":
		return Staging, nil
	case "LIVE":
		return Live, nil
	}
	return 0, errors.Errorf("storage: unknown stage %q", s)
}

// Config selects a backend and connection. DSNs come from configuration and
// are never assembled by the load engine itself.
type Config struct {
	Kind     string `json:"kind" yaml:"kind"`
	DSN      string `json:"dsn" yaml:"dsn"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	// MaxOpenConns caps the pool; 0 leaves the driver default.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
}

func (c Config) key() string { return c.Kind + "\x00" + c.DSN + "\x00" + c.Database }

// Factory opens a Database for cfg.
type Factory func(ctx context.Context, cfg Config) (*Database, error)

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

// New opens a Database using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (*Database, error) {
	mu.RLock()
	f, ok := factories[strings.ToLower(cfg.Kind)]
	mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("storage: unsupported kind %q (registered: %s)", cfg.Kind, strings.Join(ListKinds(), ", "))
	}
	db, err := f(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", cfg.Kind)
	}
	return db, nil
}

// ListKinds returns the registered backend kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
