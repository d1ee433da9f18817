package dialect

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// OracleHelper renders Oracle syntax. Identifiers are upper-cased and cut to
// 30 characters so wrapped names match unquoted references.
type OracleHelper struct{}

const oracleMaxIdentifier = 30

func (OracleHelper) Engine() Engine     { return Oracle }
func (OracleHelper) DriverName() string { return "godror" }

func (h OracleHelper) Wrap(name string) string {
	return doubleQuotes.wrap(h.NormalizeIdentifier(name))
}

func (h OracleHelper) EnsureWrapped(name string) string {
	return doubleQuotes.ensureWrapped(name, h.Wrap)
}

func (OracleHelper) GetRuntimeName(name string) string { return doubleQuotes.runtimeName(name) }
func (OracleHelper) MaximumIdentifierLength() int      { return oracleMaxIdentifier }

// NormalizeIdentifier upper-cases first, then keeps the first 30 runes.
func (OracleHelper) NormalizeIdentifier(name string) string {
	return truncate(strings.ToUpper(name), oracleMaxIdentifier)
}

func (OracleHelper) TopX(n int) TopXResponse {
	return TopXResponse{SQL: fmt.Sprintf("ROWNUM <= %d", n), Location: QueryComponentWhere}
}

func (OracleHelper) PageClause(offset, limit int) string {
	return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}

func (OracleHelper) Placeholder(n int) string { return fmt.Sprintf(":%d", n) }

func (OracleHelper) GetScalarFunctionSQL(fn ScalarFunction) (string, error) {
	switch fn {
	case GetTodaysDate:
		return "SYSDATE", nil
	case GetGuid:
		return "SYS_GUID()", nil
	case Len:
		return "LENGTH", nil
	}
	return "", errors.Wrapf(ErrUnsupportedFunction, "oracle: %s", fn)
}

func (OracleHelper) GetParameterDeclaration(name, _ string) (string, error) {
	return "", errors.Wrapf(ErrUnsupportedFunction, "oracle: parameter declaration %q", name)
}

func (OracleHelper) GetAutoIncrementKeywords() string {
	return "GENERATED BY DEFAULT ON NULL AS IDENTITY"
}

func (h OracleHelper) AutoIncrementColumn(name string) string {
	return h.Wrap(name) + " NUMBER GENERATED BY DEFAULT ON NULL AS IDENTITY PRIMARY KEY"
}

func (OracleHelper) Savepoint(name string) string           { return "SAVEPOINT " + name }
func (OracleHelper) RollbackToSavepoint(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
func (OracleHelper) ReleaseSavepoint(string) string         { return "" }

func (OracleHelper) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM user_tables WHERE table_name = :1"
}

func (OracleHelper) DatePart(part DatePart, expr string) string {
	return fmt.Sprintf("EXTRACT(%s FROM %s)", ansiPart(part), expr)
}

func (OracleHelper) MakeDate(y, m, d string) string {
	return fmt.Sprintf("TO_DATE(%s || '-' || %s || '-' || %s, 'YYYY-MM-DD')", y, m, d)
}

func (OracleHelper) IntDiv(a, b string) string { return fmt.Sprintf("TRUNC((%s) / (%s))", a, b) }

func (OracleHelper) Substring(expr, start, length string) string {
	return fmt.Sprintf("SUBSTR(%s, %s, %s)", expr, start, length)
}

func (OracleHelper) ValidateStatement(sql string) []SyntaxProblem {
	return checkBalance(sql, doubleQuotes)
}
