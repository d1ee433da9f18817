package dialect

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SelectTop renders "first n rows" of a query, placing the TOP-N fragment
// where the engine wants it. where and orderBy may be empty.
func SelectTop(h QuerySyntaxHelper, selectList, from, where, orderBy string, n int) string {
	top := h.TopX(n)
	var b strings.Builder
	b.WriteString("SELECT ")
	if top.Location == QueryComponentSelect {
		b.WriteString(top.SQL)
		b.WriteByte(' ')
	}
	b.WriteString(selectList)
	b.WriteString(" FROM ")
	b.WriteString(from)

	conds := make([]string, 0, 2)
	if strings.TrimSpace(where) != "" {
		conds = append(conds, "("+where+")")
	}
	if top.Location == QueryComponentWhere {
		conds = append(conds, top.SQL)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	if strings.TrimSpace(orderBy) != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderBy)
	}
	if top.Location == QueryComponentPostfix {
		b.WriteByte(' ')
		b.WriteString(top.SQL)
	}
	return b.String()
}

// ColumnDef is one column of a CREATE TABLE.
type ColumnDef struct {
	Name          string
	Type          string
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
}

// CreateTableSQL renders a CREATE TABLE for the engine. A single
// AutoIncrement column becomes the table's surrogate primary key.
func CreateTableSQL(h QuerySyntaxHelper, table string, cols []ColumnDef) (string, error) {
	if len(cols) == 0 {
		return "", errors.Errorf("dialect: table %s has no columns", table)
	}
	var (
		defs []string
		pks  []string
		auto bool
	)
	for _, c := range cols {
		if c.AutoIncrement {
			if auto {
				return "", errors.Errorf("dialect: table %s has more than one auto-increment column", table)
			}
			auto = true
			defs = append(defs, h.AutoIncrementColumn(c.Name))
			continue
		}
		def := h.Wrap(c.Name) + " " + c.Type
		if !c.Nullable || c.PrimaryKey {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if c.PrimaryKey {
			pks = append(pks, h.Wrap(c.Name))
		}
	}
	if len(pks) > 0 {
		if auto {
			return "", errors.Errorf("dialect: table %s mixes an auto-increment key with a declared primary key", table)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pks, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", h.EnsureWrapped(table), strings.Join(defs, ", ")), nil
}
