// Package dilution reduces the granularity of STAGING columns for
// anonymisation. Each Operation is bound to one column, checked, and then
// asked for a single UPDATE statement; Stage runs the configured operations
// in the order they are declared.
package dilution

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

var (
	// ErrColumnNotBound is returned by Check and GetMutilationSQL before
	// SetColumn.
	ErrColumnNotBound = errors.New("dilution: column to dilute is not bound")
	// ErrNotChecked is returned by GetMutilationSQL until Check has passed.
	ErrNotChecked = errors.New("dilution: Check has not passed")
)

// ColumnToDilute is the STAGING column an operation rewrites.
type ColumnToDilute struct {
	// Table is the STAGING table name.
	Table    string
	Column   string
	DataType string
	Helper   dialect.QuerySyntaxHelper
}

// Operation is one dilution.
type Operation interface {
	Name() string
	SetColumn(c ColumnToDilute)
	// Check validates the binding. An unrecognised data type is reported as
	// a warning and does not fail; an incompatible one does.
	Check(l notify.Listener) error
	GetMutilationSQL() (string, error)
}

// bound carries the binding and check state shared by every operation.
type bound struct {
	name     string
	accepts  []dialect.TypeFamily
	col      *ColumnToDilute
	checked  bool
	rendered func(c ColumnToDilute) (string, error)
}

func (b *bound) Name() string { return b.name }

func (b *bound) SetColumn(c ColumnToDilute) {
	b.col = &c
	b.checked = false
}

func (b *bound) Check(l notify.Listener) error {
	source := "dilution:" + b.name
	if b.col == nil {
		notify.Errorf(l, source, ErrColumnNotBound, "no column bound")
		return ErrColumnNotBound
	}
	c := *b.col
	source += ":" + c.Table + "." + c.Column
	switch {
	case c.Helper == nil:
		err := errors.New("dilution: no syntax helper bound")
		notify.Errorf(l, source, err, "cannot render SQL")
		return err
	case strings.TrimSpace(c.Table) == "" || strings.TrimSpace(c.Column) == "":
		err := errors.Errorf("dilution: incomplete binding %q.%q", c.Table, c.Column)
		notify.Errorf(l, source, err, "cannot render SQL")
		return err
	}
	fam := dialect.TypeFamilyOf(c.DataType)
	if fam == dialect.FamilyUnknown {
		notify.Warnf(l, source, "unrecognised data type %q; the UPDATE may fail at run time", c.DataType)
	} else if !b.accept(fam) {
		err := errors.Errorf("dilution: %s cannot be applied to %s column %s (%s)", b.name, fam, c.Column, c.DataType)
		notify.Errorf(l, source, err, "incompatible column")
		return err
	}
	b.checked = true
	return nil
}

func (b *bound) accept(f dialect.TypeFamily) bool {
	for _, a := range b.accepts {
		if a == f {
			return true
		}
	}
	return false
}

func (b *bound) GetMutilationSQL() (string, error) {
	if b.col == nil {
		return "", ErrColumnNotBound
	}
	if !b.checked {
		return "", ErrNotChecked
	}
	return b.rendered(*b.col)
}

// update renders "UPDATE t SET c = expr [WHERE cond]".
func update(c ColumnToDilute, expr, where string) string {
	sql := "UPDATE " + c.Helper.EnsureWrapped(c.Table) + " SET " + c.Helper.Wrap(c.Column) + " = " + expr
	if where != "" {
		sql += " WHERE " + where
	}
	return sql
}

var (
	mu  sync.RWMutex
	ops = map[string]func() Operation{}
)

// Register installs a constructor under name (case-insensitive).
func Register(name string, f func() Operation) {
	mu.Lock()
	defer mu.Unlock()
	ops[strings.ToLower(name)] = f
}

// New returns a fresh, unbound operation.
func New(name string) (Operation, error) {
	mu.RLock()
	f, ok := ops[strings.ToLower(strings.TrimSpace(name))]
	mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("dilution: unknown operation %q", name)
	}
	return f(), nil
}

// Names lists the registered operations.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(ops))
	for _, f := range ops {
		out = append(out, f().Name())
	}
	sort.Strings(out)
	return out
}
