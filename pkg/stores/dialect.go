package stores

import (
	"strconv"
	"strings"
)

// dialect captures the SQL differences between backends.
type dialect struct {
	name string

	// numbered placeholders ($1, $2) instead of ?.
	numbered bool

	// forUpdate is appended to row-locking selects.
	forUpdate string
}

var (
	sqliteDialect   = dialect{name: DriverSQLite}
	postgresDialect = dialect{name: DriverPostgres, numbered: true, forUpdate: " FOR UPDATE"}
)

// rebind rewrites ? placeholders for the dialect. Queries must not contain
// literal question marks.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// in returns "(?, ?, ...)" with n placeholders.
func in(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}
