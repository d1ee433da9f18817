package dialect

import (
	"fmt"

	"github.com/pkg/errors"
)

// SQLiteHelper renders SQLite syntax. Dates are stored as ISO-8601 text.
type SQLiteHelper struct{}

func (SQLiteHelper) Engine() Engine     { return SQLite }
func (SQLiteHelper) DriverName() string { return "sqlite" }

func (h SQLiteHelper) Wrap(name string) string { return doubleQuotes.wrap(name) }

func (h SQLiteHelper) EnsureWrapped(name string) string {
	return doubleQuotes.ensureWrapped(name, h.Wrap)
}

func (SQLiteHelper) GetRuntimeName(name string) string      { return doubleQuotes.runtimeName(name) }
func (SQLiteHelper) MaximumIdentifierLength() int           { return 0 }
func (SQLiteHelper) NormalizeIdentifier(name string) string { return name }

func (SQLiteHelper) TopX(n int) TopXResponse {
	return TopXResponse{SQL: fmt.Sprintf("LIMIT %d", n), Location: QueryComponentPostfix}
}

func (SQLiteHelper) PageClause(offset, limit int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (SQLiteHelper) Placeholder(int) string { return "?" }

func (SQLiteHelper) GetScalarFunctionSQL(fn ScalarFunction) (string, error) {
	switch fn {
	case GetTodaysDate:
		return "datetime('now')", nil
	case Len:
		return "length", nil
	}
	return "", errors.Wrapf(ErrUnsupportedFunction, "sqlite: %s", fn)
}

func (SQLiteHelper) GetParameterDeclaration(name, _ string) (string, error) {
	return "", errors.Wrapf(ErrUnsupportedFunction, "sqlite: parameter declaration %q", name)
}

func (SQLiteHelper) GetAutoIncrementKeywords() string { return "AUTOINCREMENT" }

// AutoIncrementColumn must be INTEGER PRIMARY KEY for SQLite to alias rowid.
func (h SQLiteHelper) AutoIncrementColumn(name string) string {
	return h.Wrap(name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (SQLiteHelper) Savepoint(name string) string           { return "SAVEPOINT " + name }
func (SQLiteHelper) RollbackToSavepoint(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
func (SQLiteHelper) ReleaseSavepoint(name string) string    { return "RELEASE SAVEPOINT " + name }

func (SQLiteHelper) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (SQLiteHelper) DatePart(part DatePart, expr string) string {
	f := "%Y"
	switch part {
	case Month:
		f = "%m"
	case Day:
		f = "%d"
	}
	return fmt.Sprintf("CAST(strftime('%s', %s) AS INTEGER)", f, expr)
}

func (SQLiteHelper) MakeDate(y, m, d string) string {
	return fmt.Sprintf("printf('%%04d-%%02d-%%02d', %s, %s, %s)", y, m, d)
}

func (SQLiteHelper) IntDiv(a, b string) string { return fmt.Sprintf("((%s) / (%s))", a, b) }

func (SQLiteHelper) Substring(expr, start, length string) string {
	return fmt.Sprintf("substr(%s, %s, %s)", expr, start, length)
}

func (SQLiteHelper) ValidateStatement(sql string) []SyntaxProblem {
	return checkBalance(sql, doubleQuotes)
}
