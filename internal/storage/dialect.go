package storage

import (
	"strconv"
	"strings"
)

// dialect hides the few differences between the supported SQL engines.
// Queries are written with '?' placeholders and rebound for postgres.
type dialect struct {
	name       string
	sqlDriver  string
	dollarVars bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", sqlDriver: "sqlite"}
	dialectPostgres = dialect{name: "postgres", sqlDriver: "pgx", dollarVars: true}
)

func (d dialect) rebind(q string) string {
	if !d.dollarVars || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
