// Package dialect translates logical SQL intents into engine-specific syntax.
//
// Every SQL-emitting component in the load engine (attachers, dilution,
// promotion, migration, the SQL audit store) builds its statements through a
// QuerySyntaxHelper. Identifier quoting and normalisation rules live here and
// nowhere else.
package dialect

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Engine identifies a database engine.
type Engine string

const (
	Postgres  Engine = "postgres"
	SQLServer Engine = "sqlserver"
	MySQL     Engine = "mysql"
	SQLite    Engine = "sqlite"
	Oracle    Engine = "oracle"
)

// ParseEngine maps a storage kind (as written in load configuration) to an
// Engine. "mssql" is accepted as an alias for SQL Server.
func ParseEngine(kind string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "oracle":
		return Oracle, nil
	}
	return "", errors.Errorf("dialect: unknown engine %q", kind)
}

// ErrUnsupportedFunction is returned when an engine cannot express a
// requested function or declaration. Callers must not treat it as a no-op.
var ErrUnsupportedFunction = errors.New("dialect: unsupported by engine")

// QueryComponent says where a generated fragment belongs in a SELECT.
type QueryComponent int

const (
	// QueryComponentSelect fragments follow the SELECT keyword (SQL Server TOP).
	QueryComponentSelect QueryComponent = iota
	// QueryComponentWhere fragments are ANDed into the WHERE clause (Oracle ROWNUM).
	QueryComponentWhere
	// QueryComponentPostfix fragments are appended after ORDER BY (LIMIT).
	QueryComponentPostfix
)

func (q QueryComponent) String() string {
	switch q {
	case QueryComponentSelect:
		return "select"
	case QueryComponentWhere:
		return "where"
	case QueryComponentPostfix:
		return "postfix"
	}
	return "unknown"
}

// TopXResponse is the engine-specific rendering of "first N rows".
type TopXResponse struct {
	SQL      string
	Location QueryComponent
}

// ScalarFunction enumerates the scalar functions every engine is asked for.
type ScalarFunction int

const (
	GetTodaysDate ScalarFunction = iota
	GetGuid
	Len
)

func (f ScalarFunction) String() string {
	switch f {
	case GetTodaysDate:
		return "GetTodaysDate"
	case GetGuid:
		return "GetGuid"
	case Len:
		return "Len"
	}
	return fmt.Sprintf("ScalarFunction(%d)", int(f))
}

// DatePart selects a component of a date expression.
type DatePart int

const (
	Year DatePart = iota
	Month
	Day
)

// QuerySyntaxHelper is implemented once per engine.
type QuerySyntaxHelper interface {
	Engine() Engine
	// DriverName is the database/sql driver registered for the engine.
	DriverName() string

	// Wrap quotes a single identifier segment, normalising it first.
	Wrap(name string) string
	// EnsureWrapped quotes every segment of a possibly dotted name, leaving
	// already-wrapped segments alone.
	EnsureWrapped(name string) string
	// GetRuntimeName returns the bare final segment of a (wrapped) name.
	GetRuntimeName(name string) string
	// MaximumIdentifierLength is 0 when the engine imposes no limit.
	MaximumIdentifierLength() int
	// NormalizeIdentifier applies the engine's case folding and truncation.
	// The result is deterministic: the same input always yields the same output.
	NormalizeIdentifier(name string) string

	TopX(n int) TopXResponse
	// PageClause renders OFFSET/LIMIT paging; the query must have ORDER BY.
	PageClause(offset, limit int) string
	Placeholder(n int) string

	GetScalarFunctionSQL(fn ScalarFunction) (string, error)
	GetParameterDeclaration(name, sqlType string) (string, error)
	GetAutoIncrementKeywords() string
	// AutoIncrementColumn renders a complete surrogate-key column definition.
	AutoIncrementColumn(name string) string

	Savepoint(name string) string
	RollbackToSavepoint(name string) string
	// ReleaseSavepoint returns "" on engines that have no release statement.
	ReleaseSavepoint(name string) string

	// TableExistsSQL counts tables named by its single placeholder.
	TableExistsSQL() string

	DatePart(part DatePart, expr string) string
	MakeDate(year, month, day string) string
	IntDiv(a, b string) string
	Substring(expr, start, length string) string

	// ValidateStatement reports syntax problems without executing anything.
	ValidateStatement(sql string) []SyntaxProblem
}

var (
	regMu   sync.RWMutex
	helpers = map[Engine]QuerySyntaxHelper{}
)

// Register installs (or replaces) the helper for h.Engine().
func Register(h QuerySyntaxHelper) {
	regMu.Lock()
	defer regMu.Unlock()
	helpers[h.Engine()] = h
}

// For returns the helper registered for e.
func For(e Engine) (QuerySyntaxHelper, error) {
	regMu.RLock()
	h, ok := helpers[e]
	regMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("dialect: no syntax helper registered for %q", e)
	}
	return h, nil
}

// Engines lists the registered engines in sorted order.
func Engines() []Engine {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]Engine, 0, len(helpers))
	for e := range helpers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	Register(PostgresHelper{})
	Register(SQLServerHelper{})
	Register(MySQLHelper{})
	Register(SQLiteHelper{})
	Register(OracleHelper{})
}
