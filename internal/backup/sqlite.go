package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
)

// SQLite dumps a database file through the pure Go modernc driver.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }

func (SQLite) DSN(db *config.DatabaseConfig) (string, error) {
	if db.Path == "" {
		return "", fmt.Errorf("sqlite database path is empty")
	}
	return db.Path, nil
}

func (SQLite) QuoteIdent(name string) string {
	return quoteWith(name, '"')
}

func (SQLite) QuoteString(s string) string {
	return quoteWith(s, '\'')
}

func (SQLite) QuoteBytes(b []byte) string {
	return hexLiteral(b)
}

func (SQLite) FormatTime(t time.Time, dateOnly bool) string {
	if dateOnly {
		return "'" + t.Format("2006-01-02") + "'"
	}
	return "'" + t.Format("2006-01-02 15:04:05.999999999-07:00") + "'"
}

func (SQLite) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	tables, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

func (SQLite) CreateTable(ctx context.Context, q Querier, table string) (string, error) {
	var stmt string
	err := q.QueryRowContext(ctx, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&stmt)
	if err != nil {
		return "", fmt.Errorf("failed to read create statement of %s: %w", table, err)
	}
	return stmt + ";", nil
}

// OrderBy uses the declared primary key, falling back to rowid.
func (d SQLite) OrderBy(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, pk FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}
	defer rows.Close()

	type keyColumn struct {
		name string
		pos  int
	}
	var keys []keyColumn
	for rows.Next() {
		var k keyColumn
		if err := rows.Scan(&k.name, &k.pos); err != nil {
			return nil, fmt.Errorf("failed to scan primary key of %s: %w", table, err)
		}
		if k.pos > 0 {
			keys = append(keys, k)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}

	if len(keys) == 0 {
		return []string{"rowid"}, nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].pos < keys[j].pos })

	columns := make([]string, len(keys))
	for i, k := range keys {
		columns[i] = d.QuoteIdent(k.name)
	}
	return columns, nil
}

// SelectList reads DATE, DATETIME and TIMESTAMP columns through a unary plus.
// The driver parses text of those declared types into time.Time, which loses
// the stored spelling; the plus leaves the value alone but hides the type.
func (d SQLite) SelectList(ctx context.Context, q Querier, table string) (string, []Column, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var (
		exprs   []string
		columns []Column
	)
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DatabaseType); err != nil {
			return "", nil, fmt.Errorf("failed to scan columns of %s: %w", table, err)
		}
		col.DatabaseType = strings.ToUpper(col.DatabaseType)

		ident := d.QuoteIdent(col.Name)
		switch col.DatabaseType {
		case "DATE", "DATETIME", "TIMESTAMP":
			exprs = append(exprs, "+"+ident+" AS "+ident)
		default:
			exprs = append(exprs, ident)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("table %s has no columns", table)
	}
	return strings.Join(exprs, ", "), columns, nil
}

// LockTables takes the database write lock. SQLite has no table level locks,
// so the tables only matter for the empty check done by the caller.
func (SQLite) LockTables(ctx context.Context, q Querier, tables []string) error {
	_, err := q.ExecContext(ctx, "BEGIN IMMEDIATE")
	return err
}

func (SQLite) UnlockTables(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, "ROLLBACK")
	return err
}
