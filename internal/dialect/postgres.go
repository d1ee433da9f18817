package dialect

import (
	"fmt"

	"github.com/pkg/errors"
)

// PostgresHelper renders PostgreSQL syntax.
type PostgresHelper struct{}

// postgres silently truncates identifiers longer than NAMEDATALEN-1 bytes.
const postgresMaxIdentifier = 63

func (PostgresHelper) Engine() Engine     { return Postgres }
func (PostgresHelper) DriverName() string { return "pgx" }

func (h PostgresHelper) Wrap(name string) string {
	return doubleQuotes.wrap(h.NormalizeIdentifier(name))
}

func (h PostgresHelper) EnsureWrapped(name string) string {
	return doubleQuotes.ensureWrapped(name, h.Wrap)
}

func (PostgresHelper) GetRuntimeName(name string) string { return doubleQuotes.runtimeName(name) }
func (PostgresHelper) MaximumIdentifierLength() int      { return postgresMaxIdentifier }

func (PostgresHelper) NormalizeIdentifier(name string) string {
	return truncate(name, postgresMaxIdentifier)
}

func (PostgresHelper) TopX(n int) TopXResponse {
	return TopXResponse{SQL: fmt.Sprintf("LIMIT %d", n), Location: QueryComponentPostfix}
}

func (PostgresHelper) PageClause(offset, limit int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (PostgresHelper) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (PostgresHelper) GetScalarFunctionSQL(fn ScalarFunction) (string, error) {
	switch fn {
	case GetTodaysDate:
		return "now()", nil
	case GetGuid:
		return "gen_random_uuid()", nil
	case Len:
		return "LENGTH", nil
	}
	return "", errors.Wrapf(ErrUnsupportedFunction, "postgres: %s", fn)
}

func (PostgresHelper) GetParameterDeclaration(name, _ string) (string, error) {
	return "", errors.Wrapf(ErrUnsupportedFunction, "postgres: parameter declaration %q", name)
}

func (PostgresHelper) GetAutoIncrementKeywords() string {
	return "GENERATED BY DEFAULT AS IDENTITY"
}

func (h PostgresHelper) AutoIncrementColumn(name string) string {
	return h.Wrap(name) + " BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
}

func (PostgresHelper) Savepoint(name string) string           { return "SAVEPOINT " + name }
func (PostgresHelper) RollbackToSavepoint(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
func (PostgresHelper) ReleaseSavepoint(name string) string    { return "RELEASE SAVEPOINT " + name }

func (PostgresHelper) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1"
}

func (PostgresHelper) DatePart(part DatePart, expr string) string {
	return fmt.Sprintf("CAST(EXTRACT(%s FROM %s) AS INTEGER)", ansiPart(part), expr)
}

func (PostgresHelper) MakeDate(y, m, d string) string {
	return fmt.Sprintf("MAKE_DATE(%s, %s, %s)", y, m, d)
}

func (PostgresHelper) IntDiv(a, b string) string { return fmt.Sprintf("((%s) / (%s))", a, b) }

func (PostgresHelper) Substring(expr, start, length string) string {
	return fmt.Sprintf("SUBSTR(%s, %s, %s)", expr, start, length)
}

func (PostgresHelper) ValidateStatement(sql string) []SyntaxProblem {
	return checkBalance(sql, doubleQuotes)
}

func ansiPart(p DatePart) string {
	switch p {
	case Month:
		return "MONTH"
	case Day:
		return "DAY"
	}
	return "YEAR"
}
