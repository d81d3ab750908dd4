package record

import (
	"strconv"
	"strings"
)

// Expr is a parameterized SQL fragment using ? placeholders. Fragments
// compose with And; the repository rebinds placeholders to PostgreSQL's
// positional form when the statement is assembled.
type Expr struct {
	SQL  string
	Args []any
}

// NewExpr builds a fragment.
func NewExpr(sql string, args ...any) Expr {
	return Expr{SQL: sql, Args: args}
}

// Empty reports whether the fragment carries no SQL.
func (e Expr) Empty() bool { return strings.TrimSpace(e.SQL) == "" }

// And joins non-empty fragments with AND, parenthesizing each.
func And(exprs ...Expr) Expr {
	parts := make([]string, 0, len(exprs))
	var args []any
	for _, e := range exprs {
		if e.Empty() {
			continue
		}
		parts = append(parts, "("+e.SQL+")")
		args = append(args, e.Args...)
	}
	return Expr{SQL: strings.Join(parts, " AND "), Args: args}
}

// rebind converts ? placeholders to $1..$n.
func rebind(sql string) string {
	var out strings.Builder
	out.Grow(len(sql) + 8)
	n := 0
	for _, ch := range sql {
		if ch == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(ch)
	}
	return out.String()
}

// placeholders renders n comma-separated ? marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
