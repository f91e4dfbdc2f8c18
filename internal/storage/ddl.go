package storage

import (
	"fmt"
	"strings"

	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// Dialect captures the SQL differences between database backends.
type Dialect struct {
	Name string
	// Open and Close quote identifiers, e.g. `"` and `"` or `[` and `]`.
	Open, Close string
	// Types maps column types to SQL types. Missing types use Types[String].
	Types map[types.DataType]string
	// Placeholder renders the i-th (0-based) bind parameter.
	Placeholder func(i int) string
	// CreateIfNotExists renders a create statement that tolerates an existing
	// table. When nil, "CREATE TABLE IF NOT EXISTS" is used.
	CreateIfNotExists func(table, body string) string
}

// Quote quotes one identifier, doubling embedded closing quotes.
func (d Dialect) Quote(name string) string {
	return d.Open + strings.ReplaceAll(name, d.Close, d.Close+d.Close) + d.Close
}

// QuoteFQN quotes each dot-separated part of a possibly schema-qualified
// table name.
func (d Dialect) QuoteFQN(fqn string) string {
	parts := strings.Split(fqn, ".")
	for i, p := range parts {
		parts[i] = d.Quote(strings.TrimSpace(p))
	}
	return strings.Join(parts, ".")
}

// SQLType maps t onto the dialect's column type.
func (d Dialect) SQLType(t types.DataType) string {
	if s, ok := d.Types[t]; ok {
		return s
	}
	return d.Types[types.String]
}

// CreateTableSQL renders a create statement for schema. All columns are
// nullable.
func (d Dialect) CreateTableSQL(table string, schema frame.Schema) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("%s ddl: table name must not be empty", d.Name)
	}
	if schema.Len() == 0 {
		return "", fmt.Errorf("%s ddl: table %s has no columns", d.Name, table)
	}
	cols := make([]string, schema.Len())
	for i, f := range schema.Fields {
		cols[i] = d.Quote(f.Name) + " " + d.SQLType(f.Type)
	}
	body := "(\n  " + strings.Join(cols, ",\n  ") + "\n)"
	if d.CreateIfNotExists != nil {
		return d.CreateIfNotExists(table, body), nil
	}
	return "CREATE TABLE IF NOT EXISTS " + d.QuoteFQN(table) + " " + body + ";", nil
}

// InsertSQL renders a single-row insert of columns into table.
func (d Dialect) InsertSQL(table string, columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = d.Quote(c)
		ph[i] = d.Placeholder(i)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QuoteFQN(table), strings.Join(cols, ", "), strings.Join(ph, ", "))
}

// Question is the "?" placeholder style.
func Question(int) string { return "?" }

// Dollar is the "$1" placeholder style.
func Dollar(i int) string { return fmt.Sprintf("$%d", i+1) }

// SQLValue converts a cell into a value database drivers accept. Value
// counts are stored as JSON text.
func SQLValue(v any) any {
	if m, ok := v.(map[string]int64); ok {
		return Text(m)
	}
	return v
}
