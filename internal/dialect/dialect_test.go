package dialect

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

func TestParseEngine(t *testing.T) {
	t.Parallel()
	cases := map[string]Engine{
		"postgres": Postgres, "PGX": Postgres, "mssql": SQLServer, "sqlserver": SQLServer,
		"mariadb": MySQL, "sqlite3": SQLite, "oracle": Oracle,
	}
	for in, want := range cases {
		got, err := ParseEngine(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseEngine("db2")
	assert.Error(t, err)
}

func TestRegistryHasEveryEngine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []Engine{MySQL, Oracle, Postgres, SQLite, SQLServer}, Engines())
	for _, e := range Engines() {
		h, err := For(e)
		require.NoError(t, err)
		assert.Equal(t, e, h.Engine())
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()
	cases := []struct {
		h    QuerySyntaxHelper
		in   string
		want string
	}{
		{PostgresHelper{}, "my col", `"my col"`},
		{PostgresHelper{}, `a"b`, `"a""b"`},
		{SQLServerHelper{}, "col", "[col]"},
		{SQLServerHelper{}, "a]b", "[a]]b]"},
		{MySQLHelper{}, "col", "`col`"},
		{SQLiteHelper{}, "col", `"col"`},
		{OracleHelper{}, "col", `"COL"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.h.Wrap(tc.in))
	}
}

func TestEnsureWrapped(t *testing.T) {
	t.Parallel()
	ms := SQLServerHelper{}
	assert.Equal(t, "[db].[dbo].[t]", ms.EnsureWrapped("db.dbo.t"))
	assert.Equal(t, "[db].[dbo].[t]", ms.EnsureWrapped("[db].dbo.[t]"))
	assert.Equal(t, "[db]..[t]", ms.EnsureWrapped("db..t"))
	assert.Equal(t, "[my.db].[t]", ms.EnsureWrapped("[my.db].t"))

	pg := PostgresHelper{}
	assert.Equal(t, `"public"."t"`, pg.EnsureWrapped("public.t"))
	assert.Equal(t, pg.EnsureWrapped("public.t"), pg.EnsureWrapped(pg.EnsureWrapped("public.t")))
}

func TestGetRuntimeName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "t", SQLServerHelper{}.GetRuntimeName("[db]..[t]"))
	assert.Equal(t, "a]b", SQLServerHelper{}.GetRuntimeName("[db].[a]]b]"))
	assert.Equal(t, "col", MySQLHelper{}.GetRuntimeName("`db`.`col`"))
	assert.Equal(t, "plain", PostgresHelper{}.GetRuntimeName("plain"))
	assert.Equal(t, "x.y", PostgresHelper{}.GetRuntimeName(`s."x.y"`))
}

func TestNormalizeIdentifierTruncation(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("abcdefghij", 20) + "é"
	for _, e := range Engines() {
		h, err := For(e)
		require.NoError(t, err)
		first := h.NormalizeIdentifier(long)
		assert.Equal(t, first, h.NormalizeIdentifier(long), "deterministic for %s", e)
		if max := h.MaximumIdentifierLength(); max > 0 {
			assert.Equal(t, max, utf8.RuneCountInString(first), e)
			assert.True(t, strings.HasPrefix(strings.ToLower(long), strings.ToLower(first)), e)
		} else {
			assert.Equal(t, long, first, e)
		}
	}

	ora := OracleHelper{}
	got := ora.NormalizeIdentifier("patient_date_of_birth_rounded_to_quarter")
	assert.Equal(t, "PATIENT_DATE_OF_BIRTH_ROUNDED_", got)
	assert.Len(t, got, 30)
	assert.Equal(t, `"`+got+`"`, ora.Wrap("patient_date_of_birth_rounded_to_quarter"))
	assert.Equal(t, "ÉCOLE", ora.NormalizeIdentifier("école"))
}

func TestTopX(t *testing.T) {
	t.Parallel()
	cases := []struct {
		h    QuerySyntaxHelper
		sql  string
		loc  QueryComponent
		full string
	}{
		{SQLServerHelper{}, "TOP 5", QueryComponentSelect, "SELECT TOP 5 * FROM [t] WHERE (a = 1) ORDER BY a"},
		{OracleHelper{}, "ROWNUM <= 5", QueryComponentWhere, `SELECT * FROM "T" WHERE (a = 1) AND ROWNUM <= 5 ORDER BY a`},
		{PostgresHelper{}, "LIMIT 5", QueryComponentPostfix, `SELECT * FROM "t" WHERE (a = 1) ORDER BY a LIMIT 5`},
		{MySQLHelper{}, "LIMIT 5", QueryComponentPostfix, "SELECT * FROM `t` WHERE (a = 1) ORDER BY a LIMIT 5"},
	}
	for _, tc := range cases {
		top := tc.h.TopX(5)
		assert.Equal(t, tc.sql, top.SQL)
		assert.Equal(t, tc.loc, top.Location)
		assert.Equal(t, tc.full, SelectTop(tc.h, "*", tc.h.EnsureWrapped("t"), "a = 1", "a", 5))
	}
	assert.Equal(t, `SELECT * FROM "T" WHERE ROWNUM <= 1`, SelectTop(OracleHelper{}, "*", `"T"`, "", "", 1))
}

func TestScalarFunctions(t *testing.T) {
	t.Parallel()
	s, err := SQLServerHelper{}.GetScalarFunctionSQL(GetTodaysDate)
	require.NoError(t, err)
	assert.Equal(t, "GETDATE()", s)

	s, err = PostgresHelper{}.GetScalarFunctionSQL(GetGuid)
	require.NoError(t, err)
	assert.Equal(t, "gen_random_uuid()", s)

	_, err = SQLiteHelper{}.GetScalarFunctionSQL(GetGuid)
	assert.True(t, errors.Is(err, ErrUnsupportedFunction))

	_, err = MySQLHelper{}.GetScalarFunctionSQL(ScalarFunction(42))
	assert.True(t, errors.Is(err, ErrUnsupportedFunction))
}

func TestParameterDeclaration(t *testing.T) {
	t.Parallel()
	s, err := SQLServerHelper{}.GetParameterDeclaration("@since", "datetime2")
	require.NoError(t, err)
	assert.Equal(t, "DECLARE @since AS datetime2;", s)

	s, err = MySQLHelper{}.GetParameterDeclaration("since", "datetime")
	require.NoError(t, err)
	assert.Equal(t, "SET @since := NULL;", s)

	for _, h := range []QuerySyntaxHelper{PostgresHelper{}, SQLiteHelper{}, OracleHelper{}} {
		_, err := h.GetParameterDeclaration("since", "date")
		assert.True(t, errors.Is(err, ErrUnsupportedFunction), h.Engine())
	}
	_, err = SQLServerHelper{}.GetParameterDeclaration("", "int")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnsupportedFunction))
}

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()
	got, err := CreateTableSQL(SQLServerHelper{}, "dbo.people", []ColumnDef{
		{Name: "id", Type: "int", PrimaryKey: true},
		{Name: "name", Type: "varchar(50)", Nullable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE [dbo].[people] ([id] int NOT NULL, [name] varchar(50), PRIMARY KEY ([id]))", got)

	got, err = CreateTableSQL(PostgresHelper{}, "audit", []ColumnDef{{Name: "id", AutoIncrement: true}, {Name: "note", Type: "text", Nullable: true}})
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "audit" ("id" BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY, "note" text)`, got)

	_, err = CreateTableSQL(SQLiteHelper{}, "t", nil)
	assert.Error(t, err)
	_, err = CreateTableSQL(SQLiteHelper{}, "t", []ColumnDef{{Name: "a", AutoIncrement: true}, {Name: "b", AutoIncrement: true}})
	assert.Error(t, err)
}

func TestTypeFamilyOf(t *testing.T) {
	t.Parallel()
	cases := map[string]TypeFamily{
		"varchar(50)":    FamilyText,
		"NVARCHAR(MAX)":  FamilyText,
		"int":            FamilyInteger,
		"BIGINT":         FamilyInteger,
		"int unsigned":   FamilyInteger,
		"decimal(10,2)":  FamilyDecimal,
		"NUMBER":         FamilyDecimal,
		"double":         FamilyFloat,
		"datetime2(7)":   FamilyDate,
		"date":           FamilyDate,
		"bit":            FamilyBool,
		"varbinary(max)": FamilyBinary,
		"geography":      FamilyUnknown,
		"":               FamilyUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, TypeFamilyOf(in), in)
	}
	assert.True(t, Compatible(FamilyInteger, FamilyDecimal))
	assert.True(t, Compatible(FamilyDate, FamilyText))
	assert.False(t, Compatible(FamilyText, FamilyInteger))
	assert.False(t, Compatible(FamilyDate, FamilyFloat))
}

func TestValidateStatement(t *testing.T) {
	t.Parallel()
	pg := PostgresHelper{}
	assert.Empty(t, pg.ValidateStatement(`UPDATE "t" SET "c" = 'it''s' WHERE ("d" > 1) -- note ' unbalanced in comment`))

	probs := pg.ValidateStatement(`UPDATE "t SET c = 1`)
	require.Len(t, probs, 1)
	assert.Equal(t, UnbalancedWrapping, probs[0].Kind)

	probs = pg.ValidateStatement(`UPDATE t SET c = 'x WHERE 1 = 1`)
	require.Len(t, probs, 1)
	assert.Equal(t, UnbalancedQuotes, probs[0].Kind)

	probs = pg.ValidateStatement(`SELECT ((1)`)
	require.Len(t, probs, 1)
	assert.Equal(t, UnbalancedParentheses, probs[0].Kind)

	ms := SQLServerHelper{}
	probs = ms.ValidateStatement("SELECT a] FROM t")
	require.NotEmpty(t, probs)
	assert.Equal(t, UnbalancedWrapping, probs[0].Kind)
	assert.Empty(t, ms.ValidateStatement("SELECT [a] FROM [t] WHERE [a] = 1"))
}

func TestValidateAliasAndReport(t *testing.T) {
	t.Parallel()
	ms := SQLServerHelper{}
	assert.Empty(t, ValidateAlias(ms, "patient_id"))
	assert.Empty(t, ValidateAlias(ms, "[patient id]"))

	probs := ValidateAlias(ms, "patient id")
	require.Len(t, probs, 1)
	assert.Equal(t, InvalidAlias, probs[0].Kind)

	probs = ValidateAlias(ms, "[patient id")
	require.Len(t, probs, 1)
	assert.Equal(t, UnbalancedWrapping, probs[0].Kind)

	assert.Equal(t, InvalidAlias, ValidateAlias(ms, "  ")[0].Kind)

	var c notify.Collector
	assert.True(t, Report(&c, "alias", nil))
	assert.False(t, Report(&c, "alias", probs))
	assert.Equal(t, 1, c.Count(notify.Error))
}

// TestSQLiteExpressionsExecute runs the SQLite renderings against a real
// database so the generated text is known to be accepted.
func TestSQLiteExpressionsExecute(t *testing.T) {
	t.Parallel()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "d.db"))
	require.NoError(t, err)
	defer db.Close()

	h := SQLiteHelper{}
	ddl, err := CreateTableSQL(h, "t", []ColumnDef{{Name: "id", AutoIncrement: true}, {Name: "d", Type: "text", Nullable: true}})
	require.NoError(t, err)
	_, err = db.Exec(ddl)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO "t" ("d") VALUES (?)`, "2021-11-07")
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(h.TableExistsSQL(), "t").Scan(&n))
	assert.Equal(t, 1, n)

	month := h.DatePart(Month, `"d"`)
	expr := h.MakeDate(h.DatePart(Year, `"d"`), h.IntDiv(month+" - 1", "3")+" * 3 + 2", "15")
	var got string
	require.NoError(t, db.QueryRow(`SELECT `+expr+` FROM "t"`).Scan(&got))
	assert.Equal(t, "2021-11-15", got)

	require.NoError(t, db.QueryRow(`SELECT `+h.Substring(`'SW1A 1AA'`, "1", "4")).Scan(&got))
	assert.Equal(t, "SW1A", got)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(h.Savepoint("sp1"))
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO "t" ("d") VALUES ('x')`)
	require.NoError(t, err)
	_, err = tx.Exec(h.RollbackToSavepoint("sp1"))
	require.NoError(t, err)
	_, err = tx.Exec(h.ReleaseSavepoint("sp1"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "t"`).Scan(&n))
	assert.Equal(t, 1, n)

	var rows int
	require.NoError(t, db.QueryRow(SelectTop(h, "COUNT(*)", `"t"`, "", "", 1)).Scan(&rows))
	assert.Equal(t, 1, rows)
}
