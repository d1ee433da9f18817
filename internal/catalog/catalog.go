// Package catalog is the read-only view of the metadata catalogue: which
// datasets a load touches, their tables and columns, and which column fields
// carry SQL. The catalogue store itself is external; this package only
// models what the load engine looks up.
package catalog

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

// ColumnInfo describes one LIVE column.
type ColumnInfo struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Nullable   bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	// Transform is an SQL expression applied when promoting RAW to STAGING.
	// {column} is replaced with the wrapped RAW column name.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
	// Description is shown to users only.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TableInfo is a LIVE table and its columns in ordinal order.
type TableInfo struct {
	Name    string       `json:"name" yaml:"name"`
	Columns []ColumnInfo `json:"columns" yaml:"columns"`
}

// ColumnNames lists the column names in order.
func (t TableInfo) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// PrimaryKeys lists the primary key column names in order.
func (t TableInfo) PrimaryKeys() []string {
	var out []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

// Column finds a column by case-insensitive name.
func (t TableInfo) Column(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// Defs renders the table as column definitions. RAW tables drop primary keys
// and NOT NULL so unvalidated data can land.
func (t TableInfo) Defs(relaxed bool) []dialect.ColumnDef {
	out := make([]dialect.ColumnDef, len(t.Columns))
	for i, c := range t.Columns {
		d := dialect.ColumnDef{Name: c.Name, Type: c.Type, Nullable: c.Nullable, PrimaryKey: c.PrimaryKey}
		if relaxed {
			d.Nullable, d.PrimaryKey = true, false
		}
		out[i] = d
	}
	return out
}

// Dataset is a catalogue entry loaded as a unit.
type Dataset struct {
	Name   string      `json:"name" yaml:"name"`
	Tables []TableInfo `json:"tables" yaml:"tables"`
}

// Table finds a table by case-insensitive name.
func (d Dataset) Table(name string) (TableInfo, bool) {
	for _, t := range d.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return TableInfo{}, false
}

// Repository is the typed lookup the load engine needs from the catalogue.
type Repository interface {
	Dataset(name string) (Dataset, error)
	Datasets() []Dataset
}

// ErrNoSuchDataset is returned by lookups for unknown datasets.
var ErrNoSuchDataset = errors.New("catalog: no such dataset")

// StaticRepository serves datasets held in memory, typically decoded from
// the load configuration.
type StaticRepository struct {
	byName map[string]Dataset
}

// NewStaticRepository indexes ds by lowercased name. Duplicate names are an
// error.
func NewStaticRepository(ds ...Dataset) (*StaticRepository, error) {
	r := &StaticRepository{byName: make(map[string]Dataset, len(ds))}
	for _, d := range ds {
		k := strings.ToLower(d.Name)
		if _, dup := r.byName[k]; dup {
			return nil, errors.Errorf("catalog: dataset %q declared twice", d.Name)
		}
		r.byName[k] = d
	}
	return r, nil
}

func (r *StaticRepository) Dataset(name string) (Dataset, error) {
	d, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return Dataset{}, errors.Wrap(ErrNoSuchDataset, name)
	}
	return d, nil
}

// Datasets returns every dataset sorted by name.
func (r *StaticRepository) Datasets() []Dataset {
	out := make([]Dataset, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check validates dataset structure and every SQL-bearing field against h.
// Problems go to l; the result reports whether the dataset is usable.
func Check(h dialect.QuerySyntaxHelper, d Dataset, l notify.Listener) bool {
	source := "catalog/" + d.Name
	ok := true
	if len(d.Tables) == 0 {
		notify.Errorf(l, source, nil, "dataset has no tables")
		return false
	}
	seen := map[string]bool{}
	for _, t := range d.Tables {
		k := strings.ToLower(t.Name)
		if seen[k] {
			notify.Errorf(l, source, nil, "table %s declared twice", t.Name)
			ok = false
		}
		seen[k] = true
		if len(t.Columns) == 0 {
			notify.Errorf(l, source, nil, "table %s has no columns", t.Name)
			ok = false
		}
		if len(t.PrimaryKeys()) == 0 {
			notify.Warnf(l, source, "table %s has no primary key; migration cannot match rows", t.Name)
		}
		for _, c := range t.Columns {
			if dialect.TypeFamilyOf(c.Type) == dialect.FamilyUnknown {
				notify.Warnf(l, source, "column %s.%s has unrecognised type %q", t.Name, c.Name, c.Type)
			}
			for field, sql := range SQLFields(c) {
				probs := h.ValidateStatement(sql)
				if !dialect.Report(l, source+"/"+t.Name+"."+c.Name+"."+field, probs) {
					ok = false
				}
			}
		}
	}
	return ok
}
