package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/zeebo/xxh3"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

const savepoint = "migrate_row"

// merger holds one table's prepared statements inside the transaction.
type merger struct {
	tx        *sql.Tx
	db        *storage.Database
	p         *plan
	overwrite bool
	log       logger.Logger

	lookup, insert, update, remove *sql.Stmt
}

func newMerger(ctx context.Context, tx *sql.Tx, live *storage.Database, p *plan, overwrite bool, log logger.Logger) (*merger, error) {
	h := live.Helper
	m := &merger{tx: tx, db: live, p: p, overwrite: overwrite, log: log}
	table := h.EnsureWrapped(p.live)

	// whereFrom matches the key columns, numbering placeholders after skip
	whereFrom := func(skip int) string {
		conds := make([]string, len(p.keyIx))
		for i, k := range p.keyIx {
			conds[i] = h.Wrap(p.cols[k]) + " = " + h.Placeholder(skip+i+1)
		}
		return strings.Join(conds, " AND ")
	}
	wrapAll := func(ix []int, suffix func(i int) string) []string {
		out := make([]string, len(ix))
		for i, x := range ix {
			out[i] = h.Wrap(p.cols[x]) + suffix(i)
		}
		return out
	}
	none := func(int) string { return "" }

	// lookup returns the non-key values, or the keys when every column is
	// part of the key
	sel := p.valIx
	if len(sel) == 0 {
		sel = p.keyIx
	}
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&m.lookup, "SELECT " + strings.Join(wrapAll(sel, none), ", ") + " FROM " + table + " WHERE " + whereFrom(0)},
		{&m.insert, storage.InsertStatement(h, p.live, p.cols)},
		{&m.remove, "DELETE FROM " + table + " WHERE " + whereFrom(0)},
	}
	if len(p.valIx) > 0 {
		sets := wrapAll(p.valIx, func(i int) string { return " = " + h.Placeholder(i+1) })
		stmts = append(stmts, struct {
			dst   **sql.Stmt
			query string
		}{&m.update, "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE " + whereFrom(len(p.valIx))})
	}

	for _, s := range stmts {
		stmt, err := tx.PrepareContext(ctx, s.query)
		if err != nil {
			m.close()
			return nil, errors.Wrapf(err, "prepare %s", s.query)
		}
		*s.dst = stmt
	}
	return m, nil
}

func (m *merger) close() {
	for _, s := range []*sql.Stmt{m.lookup, m.insert, m.update, m.remove} {
		if s != nil {
			_ = s.Close()
		}
	}
}

func (m *merger) pick(row []any, ix []int) []any {
	out := make([]any, len(ix))
	for i, x := range ix {
		out[i] = row[x]
	}
	return out
}

// apply classifies one STAGING row and writes it. Only errors that leave
// the transaction unusable are returned; row failures are counted.
func (m *merger) apply(ctx context.Context, row []any, c *Counts) error {
	keys := m.pick(row, m.p.keyIx)
	for _, k := range keys {
		if k == nil {
			c.ErrorRows++
			return nil
		}
	}

	if m.p.flagIx >= 0 && m.p.flagIx < len(row) && truthy(row[m.p.flagIx]) {
		res, err := m.remove.ExecContext(ctx, keys...)
		if err != nil {
			return errors.Wrap(err, "delete")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			c.Deletes += n
		} else {
			c.Unchanged++
		}
		return nil
	}

	existing, found, err := m.find(ctx, keys)
	if err != nil {
		return err
	}
	if !found {
		return m.guarded(ctx, c, &c.Inserts, func() error {
			_, err := m.insert.ExecContext(ctx, row[:len(m.p.cols)]...)
			return err
		})
	}

	if len(m.p.valIx) == 0 || RowHash(m.pick(row, m.p.valIx)) == RowHash(existing) {
		c.Unchanged++
		return nil
	}
	if !m.overwrite {
		c.Duplicates++
		return nil
	}
	args := append(m.pick(row, m.p.valIx), keys...)
	return m.guarded(ctx, c, &c.Updates, func() error {
		_, err := m.update.ExecContext(ctx, args...)
		return err
	})
}

func (m *merger) find(ctx context.Context, keys []any) ([]any, bool, error) {
	width := len(m.p.valIx)
	if width == 0 {
		width = len(m.p.keyIx)
	}
	vals := make([]any, width)
	ptrs := make([]any, width)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	err := m.lookup.QueryRowContext(ctx, keys...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "lookup")
	}
	return vals, true, nil
}

// guarded runs write under a savepoint. Success bumps ok; a duplicate key
// is a discarded duplicate and anything else an error row.
func (m *merger) guarded(ctx context.Context, c *Counts, ok *int64, write func() error) error {
	h := m.db.Helper
	if _, err := m.tx.ExecContext(ctx, h.Savepoint(savepoint)); err != nil {
		return errors.Wrap(err, "savepoint")
	}
	if werr := write(); werr != nil {
		if _, err := m.tx.ExecContext(ctx, h.RollbackToSavepoint(savepoint)); err != nil {
			return errors.Wrapf(err, "rollback to savepoint after %v", werr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.db.IsDuplicateKey(werr) {
			c.Duplicates++
		} else {
			c.ErrorRows++
			m.log.Warnf("migration: %s: row rejected: %v", m.p.live, werr)
		}
		return m.release(ctx)
	}
	*ok++
	return m.release(ctx)
}

func (m *merger) release(ctx context.Context) error {
	if rel := m.db.Helper.ReleaseSavepoint(savepoint); rel != "" {
		if _, err := m.tx.ExecContext(ctx, rel); err != nil {
			return errors.Wrap(err, "release savepoint")
		}
	}
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "t", "y", "yes":
			return true
		}
	case []byte:
		return truthy(string(x))
	}
	return false
}

// RowHash is an xxh3 hash of the canonical form of vals, so that values
// read back from different drivers compare equal when they denote the same
// thing: numbers by decimal value, times as UTC instants, NULL distinct from
// the empty string.
func RowHash(vals []any) uint64 {
	var b strings.Builder
	for _, v := range vals {
		b.WriteString(canonical(v))
		b.WriteByte(0x1f)
	}
	return xxh3.HashString(b.String())
}

func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case []byte:
		return canonical(string(x))
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(x)); err == nil {
			return "n:" + d.String()
		}
		if t, ok := parseTime(x); ok {
			return canonical(t)
		}
		return "s:" + x
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case int:
		return "n:" + strconv.Itoa(x)
	case float64:
		return "n:" + decimal.NewFromFloat(x).String()
	case decimal.Decimal:
		return "n:" + x.String()
	case bool:
		if x {
			return "n:1"
		}
		return "n:0"
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("v:%v", v)
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", time.DateOnly}

func parseTime(s string) (time.Time, bool) {
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
