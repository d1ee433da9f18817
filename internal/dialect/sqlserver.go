package dialect

import (
	"fmt"
	"strings"

	"github.com/ha1tch/tsqlparser"
	"github.com/pkg/errors"
)

// SQLServerHelper renders Microsoft SQL Server (T-SQL) syntax.
type SQLServerHelper struct{}

const sqlServerMaxIdentifier = 128

func (SQLServerHelper) Engine() Engine     { return SQLServer }
func (SQLServerHelper) DriverName() string { return "sqlserver" }

func (h SQLServerHelper) Wrap(name string) string {
	return brackets.wrap(h.NormalizeIdentifier(name))
}

func (h SQLServerHelper) EnsureWrapped(name string) string {
	return brackets.ensureWrapped(name, h.Wrap)
}

func (SQLServerHelper) GetRuntimeName(name string) string { return brackets.runtimeName(name) }
func (SQLServerHelper) MaximumIdentifierLength() int      { return sqlServerMaxIdentifier }

func (SQLServerHelper) NormalizeIdentifier(name string) string {
	return truncate(name, sqlServerMaxIdentifier)
}

func (SQLServerHelper) TopX(n int) TopXResponse {
	return TopXResponse{SQL: fmt.Sprintf("TOP %d", n), Location: QueryComponentSelect}
}

func (SQLServerHelper) PageClause(offset, limit int) string {
	return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}

func (SQLServerHelper) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (SQLServerHelper) GetScalarFunctionSQL(fn ScalarFunction) (string, error) {
	switch fn {
	case GetTodaysDate:
		return "GETDATE()", nil
	case GetGuid:
		return "newid()", nil
	case Len:
		return "LEN", nil
	}
	return "", errors.Wrapf(ErrUnsupportedFunction, "sqlserver: %s", fn)
}

func (SQLServerHelper) GetParameterDeclaration(name, sqlType string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" || strings.TrimSpace(sqlType) == "" {
		return "", errors.New("sqlserver: parameter declaration needs a name and a type")
	}
	return fmt.Sprintf("DECLARE @%s AS %s;", name, sqlType), nil
}

func (SQLServerHelper) GetAutoIncrementKeywords() string { return "IDENTITY(1,1)" }

func (h SQLServerHelper) AutoIncrementColumn(name string) string {
	return h.Wrap(name) + " BIGINT IDENTITY(1,1) PRIMARY KEY"
}

func (SQLServerHelper) Savepoint(name string) string           { return "SAVE TRANSACTION " + name }
func (SQLServerHelper) RollbackToSavepoint(name string) string { return "ROLLBACK TRANSACTION " + name }
func (SQLServerHelper) ReleaseSavepoint(string) string         { return "" }

func (SQLServerHelper) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1"
}

func (SQLServerHelper) DatePart(part DatePart, expr string) string {
	return fmt.Sprintf("DATEPART(%s, %s)", strings.ToLower(ansiPart(part)), expr)
}

func (SQLServerHelper) MakeDate(y, m, d string) string {
	return fmt.Sprintf("DATEFROMPARTS(%s, %s, %s)", y, m, d)
}

func (SQLServerHelper) IntDiv(a, b string) string { return fmt.Sprintf("((%s) / (%s))", a, b) }

func (SQLServerHelper) Substring(expr, start, length string) string {
	return fmt.Sprintf("SUBSTRING(%s, %s, %s)", expr, start, length)
}

// ValidateStatement runs the bracket/quote balance check and then hands the
// statement to the T-SQL parser.
func (SQLServerHelper) ValidateStatement(sql string) []SyntaxProblem {
	probs := checkBalance(sql, brackets)
	if len(probs) > 0 {
		return probs
	}
	program, errs := tsqlparser.Parse(sql)
	for _, e := range errs {
		probs = append(probs, SyntaxProblem{Kind: ParseFailure, Message: fmt.Sprintf("%v", e)})
	}
	if len(probs) == 0 && (program == nil || len(program.Statements) == 0) {
		probs = append(probs, SyntaxProblem{Kind: ParseFailure, Message: "no statements parsed"})
	}
	return probs
}
