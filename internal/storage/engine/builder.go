package engine

import (
	"strconv"
	"strings"
)

// Statement is a translated native query: query text plus the positional
// parameters it binds.
type Statement struct {
	SQL  string
	Args []any
}

// Placeholder renders the n-th (1-based) positional parameter marker for
// a backend's dialect.
type Placeholder func(n int) string

// DollarPlaceholder renders $1, $2, ... (PostgreSQL).
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// QuestionPlaceholder renders ? regardless of position (ClickHouse).
func QuestionPlaceholder(int) string { return "?" }

// Builder accumulates WHERE conditions and their bound arguments while a
// translator walks the typed parameters. It is the shared half of query
// translation; dialect-specific syntax stays in the concrete translators.
type Builder struct {
	ph    Placeholder
	conds []string
	args  []any
}

// NewBuilder returns a Builder rendering placeholders with ph.
func NewBuilder(ph Placeholder) *Builder {
	return &Builder{ph: ph}
}

// Bind registers an argument and returns its placeholder marker.
func (b *Builder) Bind(v any) string {
	b.args = append(b.args, v)
	return b.ph(len(b.args))
}

// Where appends one condition; conditions are ANDed together.
func (b *Builder) Where(cond string) {
	b.conds = append(b.conds, cond)
}

// Clause renders " WHERE c1 AND c2 ..." or the empty string.
func (b *Builder) Clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// Args returns the bound arguments in bind order.
func (b *Builder) Args() []any {
	return b.args
}

// EscapeLike escapes the pattern metacharacters of SQL LIKE/ILIKE so a
// user-supplied search term matches literally. Backslash is the escape
// character on both backends.
func EscapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}
