package dialect

import "strings"

// TypeFamily groups declared SQL types by how their values behave.
type TypeFamily int

const (
	FamilyUnknown TypeFamily = iota
	FamilyText
	FamilyInteger
	FamilyDecimal
	FamilyFloat
	FamilyDate
	FamilyBool
	FamilyBinary
)

func (f TypeFamily) String() string {
	switch f {
	case FamilyText:
		return "text"
	case FamilyInteger:
		return "integer"
	case FamilyDecimal:
		return "decimal"
	case FamilyFloat:
		return "float"
	case FamilyDate:
		return "date"
	case FamilyBool:
		return "bool"
	case FamilyBinary:
		return "binary"
	}
	return "unknown"
}

// TypeFamilyOf classifies a declared column type such as "varchar(50)",
// "NUMERIC(10,2)" or "datetime2". Size and precision are ignored.
func TypeFamilyOf(sqlType string) TypeFamily {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimSuffix(t, " unsigned")
	switch t {
	case "":
		return FamilyUnknown
	case "bit", "bool", "boolean":
		return FamilyBool
	case "int", "integer", "int2", "int4", "int8", "smallint", "bigint", "tinyint",
		"mediumint", "serial", "bigserial", "smallserial":
		return FamilyInteger
	case "decimal", "numeric", "money", "smallmoney", "number":
		return FamilyDecimal
	case "float", "float4", "float8", "real", "double", "double precision",
		"binary_float", "binary_double":
		return FamilyFloat
	case "date", "datetime", "datetime2", "smalldatetime", "datetimeoffset",
		"timestamp", "timestamptz", "timestamp with time zone",
		"timestamp without time zone", "time":
		return FamilyDate
	case "binary", "varbinary", "blob", "longblob", "mediumblob", "bytea",
		"image", "raw":
		return FamilyBinary
	case "char", "nchar", "varchar", "nvarchar", "varchar2", "nvarchar2", "text",
		"ntext", "tinytext", "mediumtext", "longtext", "character varying",
		"character", "clob", "nclob", "uuid", "uniqueidentifier", "citext", "json", "jsonb":
		return FamilyText
	}
	return FamilyUnknown
}

// Compatible reports whether values of family a can be written into a
// column of family b without a lossy conversion.
func Compatible(a, b TypeFamily) bool {
	if a == b || a == FamilyUnknown || b == FamilyUnknown || b == FamilyText {
		return true
	}
	switch b {
	case FamilyDecimal, FamilyFloat:
		return a == FamilyInteger || a == FamilyDecimal || a == FamilyFloat
	case FamilyInteger:
		return a == FamilyBool
	}
	return false
}
