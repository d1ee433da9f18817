package storage

import (
	"context"
	"database/sql"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ReadAll runs query and materialises every row before returning, so the
// connection is free again when the caller writes the rows elsewhere. Byte
// slices from non-binary columns become strings.
func ReadAll(ctx context.Context, q Querier, query string, args ...any) ([][]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	width := len(types)
	binary := make([]bool, width)
	for i, ct := range types {
		binary[i] = dialect.TypeFamilyOf(ct.DatabaseTypeName()) == dialect.FamilyBinary
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, width)
		ptrs := make([]any, width)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && !binary[i] {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}
