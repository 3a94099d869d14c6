package store

import (
	"strconv"
	"strings"
)

type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// lockRow is appended to row reads made inside a transaction.
	lockRow string
}

var (
	postgresDialect = dialect{name: "postgres", numbered: true, lockRow: " FOR UPDATE"}
	sqliteDialect   = dialect{name: "sqlite"}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(q string) string {
	if !d.numbered {
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
