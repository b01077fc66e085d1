package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Dialect selects identifier casing, placeholder style and value formatting
type Dialect int

const (
	// DialectFirebird uppercases identifiers, uses '?' and converts values for Firebird 2.5
	DialectFirebird Dialect = iota
	// DialectSQLite keeps identifiers as given and uses '?'
	DialectSQLite
	// DialectPostgres keeps identifiers as given and uses $n
	DialectPostgres
)

// Expr is rendered verbatim in a SET clause instead of being bound as an argument
type Expr string

// Condition is one equality predicate of a WHERE clause. A nil Value renders IS NULL.
type Condition struct {
	Column string
	Value  any
}

// Eq builds an equality condition
func Eq(column string, value any) Condition {
	return Condition{Column: column, Value: value}
}

// SQLBuilder translates map payloads into parameterized statements
type SQLBuilder struct {
	dialect Dialect
}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{dialect: d}
}

type statement struct {
	b    *SQLBuilder
	args []any
}

func (s *statement) bind(v any) string {
	s.args = append(s.args, s.b.formatValue(v))
	if s.b.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", len(s.args))
	}
	return "?"
}

func (s *statement) where(conds []Condition) string {
	if len(conds) == 0 {
		return ""
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		col := s.b.ident(c.Column)
		if c.Value == nil {
			parts = append(parts, col+" IS NULL")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = %s", col, s.bind(c.Value)))
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// BuildInsert generates a deterministic INSERT statement
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}

	st := &statement{b: b}
	var columns []string
	var placeholders []string

	for _, k := range sortedKeys(data, "") {
		columns = append(columns, b.ident(k))
		placeholders = append(placeholders, st.bind(data[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		b.ident(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, st.args, nil
}

// BuildUpdate generates an UPDATE statement. Columns that appear in a condition with
// the same name as the first condition (the key) are skipped from the SET clause.
func (b *SQLBuilder) BuildUpdate(tableName string, data map[string]any, where ...Condition) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, fmt.Errorf("refusing unconditioned update on table %s", tableName)
	}

	st := &statement{b: b}
	var setClauses []string

	for _, k := range sortedKeys(data, where[0].Column) {
		if e, ok := data[k].(Expr); ok {
			setClauses = append(setClauses, fmt.Sprintf("%s = %s", b.ident(k), string(e)))
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", b.ident(k), st.bind(data[k])))
	}
	if len(setClauses) == 0 {
		return "", nil, fmt.Errorf("no data provided for update on table %s", tableName)
	}

	query := fmt.Sprintf("UPDATE %s SET %s", b.ident(tableName), strings.Join(setClauses, ", "))
	query += st.where(where)

	return query, st.args, nil
}

// BuildDelete generates a DELETE statement
func (b *SQLBuilder) BuildDelete(tableName string, where ...Condition) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, fmt.Errorf("refusing unconditioned delete on table %s", tableName)
	}
	st := &statement{b: b}
	query := "DELETE FROM " + b.ident(tableName) + st.where(where)
	return query, st.args, nil
}

// BuildSelect generates a SELECT of the given columns (all when empty)
func (b *SQLBuilder) BuildSelect(tableName string, columns []string, where ...Condition) (string, []any) {
	cols := "*"
	if len(columns) > 0 {
		idents := make([]string, len(columns))
		for i, c := range columns {
			idents[i] = b.ident(c)
		}
		cols = strings.Join(idents, ", ")
	}
	st := &statement{b: b}
	query := fmt.Sprintf("SELECT %s FROM %s", cols, b.ident(tableName)) + st.where(where)
	return query, st.args
}

func (b *SQLBuilder) ident(name string) string {
	if b.dialect == DialectFirebird {
		// Standardizing to Uppercase to prevent case-sensitivity issues in Firebird
		return strings.ToUpper(name)
	}
	return name
}

// sortedKeys returns keys in deterministic order, skipping skip (case-insensitive)
func sortedKeys(data map[string]any, skip string) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if skip != "" && strings.EqualFold(k, skip) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue handles type conversion for Firebird 2.5 specificities
func (b *SQLBuilder) formatValue(v any) any {
	if b.dialect != DialectFirebird {
		return v
	}
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		// 1. Try Full ISO8601/RFC3339 (Timestamp)
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
		// 2. Try Simple Date (YYYY-MM-DD)
		if t, err := time.Parse("2006-01-02", val); err == nil {
			return t.Format("2006-01-02")
		}
		return val
	default:
		return val
	}
}
