package sqlstore

import (
	"fmt"
	"strconv"
)

// Dialect holds what differs between the supported SQL databases.
type Dialect struct {
	Name   string
	Driver string
	// NowMillis is an expression evaluating to the database time in epoch
	// millis. It must be stable within a statement.
	NowMillis string
	BlobType  string
	// Placeholder renders the n-th (1 based) statement parameter.
	Placeholder func(n int) string
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		NowMillis:   "CAST(EXTRACT(EPOCH FROM now()) * 1000 AS BIGINT)",
		BlobType:    "BYTEA",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
	// SQLite evaluates 'now' once per statement step.
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite3",
		NowMillis:   "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
		BlobType:    "BLOB",
		Placeholder: func(n int) string { return "?" + strconv.Itoa(n) },
	}
)

// DialectByName returns the dialect registered under name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case Postgres.Name, "postgresql", "pg":
		return Postgres, nil
	case SQLite.Name, "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("sqlstore: unknown dialect %q", name)
}

// args collects statement parameters and renders their placeholders.
type args struct {
	d      Dialect
	values []interface{}
}

func (a *args) add(v interface{}) string {
	a.values = append(a.values, v)
	return a.d.Placeholder(len(a.values))
}
