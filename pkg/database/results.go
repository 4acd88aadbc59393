package database

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/gosette/gosette/pkg/errs"
)

var readOnlyTx = &sql.TxOptions{ReadOnly: true}

// QueryError reports a failed statement.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string { return e.Err.Error() }

func (e *QueryError) Unwrap() error { return e.Err }

// Row is one result row. Values are addressable by column name.
type Row struct {
	columns []string
	values  []any
}

// Get returns the value of column col, or nil.
func (r Row) Get(col string) any {
	for i, c := range r.columns {
		if c == col {
			return r.values[i]
		}
	}
	return nil
}

// Values returns the values in column order.
func (r Row) Values() []any { return r.values }

// Map returns the row as a column to value map.
func (r Row) Map() map[string]any {
	out := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		out[c] = r.values[i]
	}
	return out
}

// MarshalJSON encodes the row as a list of values.
func (r Row) MarshalJSON() ([]byte, error) {
	if r.values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.values)
}

// Results is the outcome of a read query.
type Results struct {
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// First returns the first row, if any.
func (r *Results) First() (Row, bool) {
	if len(r.Rows) == 0 {
		return Row{}, false
	}
	return r.Rows[0], true
}

// Dicts returns every row as a map.
func (r *Results) Dicts() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, row.Map())
	}
	return out
}

// Single returns the first column of the first row, or nil.
func (r *Results) Single() any {
	row, ok := r.First()
	if !ok || len(row.values) == 0 {
		return nil
	}
	return row.values[0]
}

func scanResults(rows *sql.Rows, limit int, bytesAsText bool) (*Results, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Results{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		if limit > 0 && len(res.Rows) >= limit {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				if bytesAsText {
					vals[i] = string(b)
				} else {
					vals[i] = append([]byte(nil), b...)
				}
			}
		}
		res.Rows = append(res.Rows, Row{columns: cols, values: vals})
	}
	return res, rows.Err()
}

// CheckReadOnly accepts a single SELECT, WITH or VALUES statement. Anything
// else is rejected with a validation error.
func CheckReadOnly(query string) error {
	stripped := strings.TrimSpace(stripComments(query))
	if stripped == "" {
		return errs.Invalid("sql", "query is empty")
	}
	stripped = strings.TrimSpace(strings.TrimSuffix(stripped, ";"))
	if hasStatementBreak(stripped) {
		return errs.Invalid("sql", "only a single statement is allowed")
	}
	word := strings.ToLower(firstWord(stripped))
	switch word {
	case "select", "with", "values":
		return nil
	default:
		return errs.Invalid("sql", "statement must be read-only, got %s", strings.ToUpper(word))
	}
}

func firstWord(s string) string {
	for i, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return s[:i]
		}
	}
	return s
}

// stripComments removes -- and /* */ comments outside of quoted text.
func stripComments(s string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(c)
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// hasStatementBreak reports a ';' outside quoted text.
func hasStatementBreak(s string) bool {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			return true
		}
	}
	return false
}
