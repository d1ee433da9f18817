package dialect

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MySQLHelper renders MySQL/MariaDB syntax.
type MySQLHelper struct{}

const mysqlMaxIdentifier = 64

func (MySQLHelper) Engine() Engine     { return MySQL }
func (MySQLHelper) DriverName() string { return "mysql" }

func (h MySQLHelper) Wrap(name string) string {
	return backticks.wrap(h.NormalizeIdentifier(name))
}

func (h MySQLHelper) EnsureWrapped(name string) string {
	return backticks.ensureWrapped(name, h.Wrap)
}

func (MySQLHelper) GetRuntimeName(name string) string { return backticks.runtimeName(name) }
func (MySQLHelper) MaximumIdentifierLength() int      { return mysqlMaxIdentifier }

func (MySQLHelper) NormalizeIdentifier(name string) string {
	return truncate(name, mysqlMaxIdentifier)
}

func (MySQLHelper) TopX(n int) TopXResponse {
	return TopXResponse{SQL: fmt.Sprintf("LIMIT %d", n), Location: QueryComponentPostfix}
}

func (MySQLHelper) PageClause(offset, limit int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (MySQLHelper) Placeholder(int) string { return "?" }

func (MySQLHelper) GetScalarFunctionSQL(fn ScalarFunction) (string, error) {
	switch fn {
	case GetTodaysDate:
		return "now()", nil
	case GetGuid:
		return "uuid()", nil
	case Len:
		return "LENGTH", nil
	}
	return "", errors.Wrapf(ErrUnsupportedFunction, "mysql: %s", fn)
}

// GetParameterDeclaration declares a session variable; MySQL variables are
// untyped so sqlType is only checked for presence.
func (MySQLHelper) GetParameterDeclaration(name, sqlType string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" || strings.TrimSpace(sqlType) == "" {
		return "", errors.New("mysql: parameter declaration needs a name and a type")
	}
	return fmt.Sprintf("SET @%s := NULL;", name), nil
}

func (MySQLHelper) GetAutoIncrementKeywords() string { return "AUTO_INCREMENT" }

func (h MySQLHelper) AutoIncrementColumn(name string) string {
	return h.Wrap(name) + " BIGINT AUTO_INCREMENT PRIMARY KEY"
}

func (MySQLHelper) Savepoint(name string) string           { return "SAVEPOINT " + name }
func (MySQLHelper) RollbackToSavepoint(name string) string { return "ROLLBACK TO SAVEPOINT " + name }
func (MySQLHelper) ReleaseSavepoint(name string) string    { return "RELEASE SAVEPOINT " + name }

func (MySQLHelper) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
}

func (MySQLHelper) DatePart(part DatePart, expr string) string {
	return fmt.Sprintf("EXTRACT(%s FROM %s)", ansiPart(part), expr)
}

func (MySQLHelper) MakeDate(y, m, d string) string {
	return fmt.Sprintf("STR_TO_DATE(CONCAT_WS('-', %s, %s, %s), '%%Y-%%c-%%e')", y, m, d)
}

func (MySQLHelper) IntDiv(a, b string) string { return fmt.Sprintf("((%s) DIV (%s))", a, b) }

func (MySQLHelper) Substring(expr, start, length string) string {
	return fmt.Sprintf("SUBSTRING(%s, %s, %s)", expr, start, length)
}

func (MySQLHelper) ValidateStatement(sql string) []SyntaxProblem {
	return checkBalance(sql, backticks)
}
