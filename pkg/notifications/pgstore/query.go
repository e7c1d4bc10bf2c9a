package pgstore

import (
	"fmt"
	"strconv"
	"strings"
)

// where collects AND-ed conditions with positional arguments.
type where struct {
	clauses []string
	args    []any
}

// add appends a condition. Each %s in clause is replaced by the placeholder of
// the next argument, in order.
func (w *where) add(clause string, args ...any) {
	placeholders := make([]any, len(args))
	for i, arg := range args {
		w.args = append(w.args, arg)
		placeholders[i] = "$" + strconv.Itoa(len(w.args))
	}
	w.clauses = append(w.clauses, fmt.Sprintf(clause, placeholders...))
}

// raw appends a condition without arguments.
func (w *where) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

// next reserves a placeholder for an argument used outside the WHERE clause.
func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
