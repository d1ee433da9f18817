package catalog

// FieldRole says how a ColumnInfo field is used.
type FieldRole int

const (
	// RoleDisplay fields are shown to users and never executed.
	RoleDisplay FieldRole = iota
	// RoleSQL fields hold SQL fragments and are syntax-checked.
	RoleSQL
	// RoleKey fields take part in row matching.
	RoleKey
)

func (r FieldRole) String() string {
	switch r {
	case RoleSQL:
		return "sql"
	case RoleKey:
		return "key"
	}
	return "display"
}

// ColumnFieldRoles maps ColumnInfo field names to their role.
var ColumnFieldRoles = map[string]FieldRole{
	"Name":        RoleDisplay,
	"Type":        RoleDisplay,
	"Description": RoleDisplay,
	"PrimaryKey":  RoleKey,
	"Transform":   RoleSQL,
}

// fieldValues exposes the string-valued fields of c by name.
func fieldValues(c ColumnInfo) map[string]string {
	return map[string]string{
		"Name":        c.Name,
		"Type":        c.Type,
		"Description": c.Description,
		"Transform":   c.Transform,
	}
}

// SQLFields returns the non-empty fields of c whose role is RoleSQL.
func SQLFields(c ColumnInfo) map[string]string {
	out := map[string]string{}
	for name, v := range fieldValues(c) {
		if v != "" && ColumnFieldRoles[name] == RoleSQL {
			out[name] = v
		}
	}
	return out
}
