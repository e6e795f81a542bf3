package sqlstore

import (
	"fmt"
	"strings"
)

// dialect captures the query text that differs between SQL backends.
type dialect interface {
	// Name returns the database/sql driver name.
	Name() string

	// Placeholder returns the n-th (1-based) bind parameter marker.
	Placeholder(n int) string

	// TableExistsQuery takes the table name as its only parameter.
	TableExistsQuery() string

	// ColumnsQuery lists column names of a table in storage order.
	ColumnsQuery(table string) (string, []any)
}

// quoteIdent quotes an identifier for both SQLite and PostgreSQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

func placeholders(d dialect, from, count int) []string {
	out := make([]string, count)
	for i := range out {
		out[i] = d.Placeholder(from + i)
	}
	return out
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite3" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) TableExistsQuery() string {
	return "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (sqliteDialect) ColumnsQuery(table string) (string, []any) {
	return "SELECT name FROM pragma_table_info(?) ORDER BY cid", []any{table}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) TableExistsQuery() string {
	return "SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
}

func (postgresDialect) ColumnsQuery(table string) (string, []any) {
	return `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, []any{table}
}
