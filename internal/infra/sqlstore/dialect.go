package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// dialect captures what differs between the supported databases.
type dialect struct {
	name      string
	system    string // db.system span attribute
	isolation sql.IsolationLevel
	forUpdate string
	numbered  bool // $1, $2 placeholders instead of ?
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return dialect{
			name:      DriverPostgres,
			system:    "postgresql",
			isolation: sql.LevelSerializable,
			forUpdate: " FOR UPDATE",
			numbered:  true,
		}, nil
	case DriverSQLite:
		// BEGIN IMMEDIATE (see SQLiteDSN) takes the write lock up front,
		// which serializes units without row locks.
		return dialect{
			name:      DriverSQLite,
			system:    "sqlite",
			isolation: sql.LevelDefault,
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// SQLiteDSN adds the connection parameters the store relies on to a SQLite
// file path: immediate transactions, a busy timeout and foreign keys.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
