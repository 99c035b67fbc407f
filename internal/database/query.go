package database

import (
	"fmt"
	"strings"

	"github.com/koustreak/schemagate/internal/errs"
)

// Dialect controls which SQL placeholder and quoting style the builders emit.
type Dialect int

const (
	// DialectPostgres uses $1, $2, … placeholders and "double" quotes.
	DialectPostgres Dialect = iota

	// DialectMySQL uses ? placeholders and `backtick` quotes.
	DialectMySQL
)

// maxInValues caps the IN list of a single query.
const maxInValues = 1000

// SelectBuilder constructs a parameterized SELECT query using a fluent API.
// Values are never interpolated into the SQL string, always passed as args.
//
// Usage (Postgres):
//
//	sql, args, err := Select("pending_entries", DialectPostgres).
//	    Columns("id").
//	    WhereTextIn("id", []string{"7", "8"}).
//	    Build()
type SelectBuilder struct {
	schema  string
	table   string
	dialect Dialect
	columns []string
	asText  bool
	where   []inClause
	orderBy []orderClause
}

// SortDirection controls the ORDER BY direction.
type SortDirection bool

const (
	Asc  SortDirection = false
	Desc SortDirection = true
)

type inClause struct {
	column string
	values []string
}

type orderClause struct {
	column string
	dir    SortDirection
}

// Select starts a new SelectBuilder for the given table and dialect.
func Select(table string, d Dialect) *SelectBuilder {
	return &SelectBuilder{table: table, dialect: d}
}

// InSchema qualifies the table with a schema name.
func (b *SelectBuilder) InSchema(schema string) *SelectBuilder {
	b.schema = schema
	return b
}

// Columns restricts the SELECT to the specified columns.
// If not called, SELECT * is used.
func (b *SelectBuilder) Columns(cols ...string) *SelectBuilder {
	b.columns = cols
	return b
}

// AsText casts every selected column to text, so results scan into strings
// whatever the column type.
func (b *SelectBuilder) AsText() *SelectBuilder {
	b.asText = true
	return b
}

// WhereTextIn matches rows whose column, compared as text, is one of values.
// Multiple calls are combined with AND.
func (b *SelectBuilder) WhereTextIn(column string, values []string) *SelectBuilder {
	b.where = append(b.where, inClause{column: column, values: values})
	return b
}

// OrderBy appends an ORDER BY clause for the given column and direction.
func (b *SelectBuilder) OrderBy(column string, dir SortDirection) *SelectBuilder {
	b.orderBy = append(b.orderBy, orderClause{column, dir})
	return b
}

// Build produces the final SQL string and argument slice.
// Returns an error if an IN list is empty or too long.
func (b *SelectBuilder) Build() (string, []any, error) {
	cols := "*"
	if len(b.columns) > 0 {
		quoted := make([]string, len(b.columns))
		for i, c := range b.columns {
			quoted[i] = QuoteIdent(b.dialect, c)
			if b.asText {
				quoted[i] = fmt.Sprintf("CAST(%s AS %s)", quoted[i], b.textType())
			}
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(QualifiedName(b.dialect, b.schema, b.table))

	var args []any
	argIdx := 1

	if len(b.where) > 0 {
		parts := make([]string, 0, len(b.where))
		for _, w := range b.where {
			if len(w.values) == 0 || len(w.values) > maxInValues {
				return "", nil, errs.Newf(errs.ErrKindInvalidInput,
					"IN list for %q must hold 1 to %d values, got %d", w.column, maxInValues, len(w.values))
			}
			ph := make([]string, len(w.values))
			for i, v := range w.values {
				ph[i] = b.placeholder(argIdx)
				args = append(args, v)
				argIdx++
			}
			parts = append(parts, fmt.Sprintf("CAST(%s AS %s) IN (%s)",
				QuoteIdent(b.dialect, w.column), b.textType(), strings.Join(ph, ", ")))
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(parts, " AND "))
	}

	if len(b.orderBy) > 0 {
		parts := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			dir := "ASC"
			if o.dir == Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", QuoteIdent(b.dialect, o.column), dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	return sb.String(), args, nil
}

// placeholder returns the correct parameter placeholder for the dialect.
// Postgres: $1, $2, …   MySQL: ? (index is ignored)
func (b *SelectBuilder) placeholder(idx int) string {
	if b.dialect == DialectMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", idx)
}

func (b *SelectBuilder) textType() string {
	if b.dialect == DialectMySQL {
		return "CHAR"
	}
	return "TEXT"
}

// AddColumnDDL renders ALTER TABLE … ADD COLUMN for an already sanitized
// column name and an allow-listed type. The type is emitted verbatim.
func AddColumnDDL(d Dialect, schema, table, column, dataType string) (string, error) {
	if table == "" || column == "" || dataType == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "table, column and type are required")
	}
	if strings.ContainsAny(dataType, ";'\"`-") {
		return "", errs.Newf(errs.ErrKindInvalidInput, "refusing type %q", dataType)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		QualifiedName(d, schema, table), QuoteIdent(d, column), dataType), nil
}

// QualifiedName quotes table, prefixed by schema when set.
func QualifiedName(d Dialect, schema, table string) string {
	if schema == "" {
		return QuoteIdent(d, table)
	}
	return QuoteIdent(d, schema) + "." + QuoteIdent(d, table)
}

// QuoteIdent wraps a SQL identifier in the dialect's quote character.
// This safely handles reserved words and mixed-case names.
func QuoteIdent(d Dialect, name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
