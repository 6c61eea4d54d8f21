package backup

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
)

// Querier is the subset of *sql.Conn the exporters use.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Dialect captures everything that differs between database engines.
type Dialect interface {
	Name() string
	DriverName() string
	DSN(db *config.DatabaseConfig) (string, error)

	QuoteIdent(name string) string
	QuoteString(s string) string
	QuoteBytes(b []byte) string
	// FormatTime renders a quoted time literal. dateOnly is set for DATE columns.
	FormatTime(t time.Time, dateOnly bool) string

	// ListTables returns the base tables of the database in engine order.
	ListTables(ctx context.Context, q Querier) ([]string, error)
	// CreateTable returns the statement that recreates the table, ending in ';'.
	CreateTable(ctx context.Context, q Querier, table string) (string, error)
	// OrderBy returns quoted expressions giving a stable row order, or nil when
	// the table has no usable key.
	OrderBy(ctx context.Context, q Querier, table string) ([]string, error)

	LockTables(ctx context.Context, q Querier, tables []string) error
	UnlockTables(ctx context.Context, q Querier) error
}

func NewDialect(dbType config.DatabaseType) (Dialect, error) {
	switch dbType {
	case config.DatabaseTypeMySQL:
		return MySQL{}, nil
	case config.DatabaseTypePostgres:
		return Postgres{}, nil
	case config.DatabaseTypeSQLite:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func quoteWith(s string, quote byte) string {
	q := string(quote)
	return q + strings.ReplaceAll(s, q, q+q) + q
}

func hexLiteral(b []byte) string {
	return "X'" + strings.ToUpper(hex.EncodeToString(b)) + "'"
}

func quotedList(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = d.QuoteIdent(name)
	}
	return strings.Join(quoted, ", ")
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
