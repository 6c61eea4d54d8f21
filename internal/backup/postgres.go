package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
)

// Postgres dumps the tables of the current schema through pgx.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) DSN(db *config.DatabaseConfig) (string, error) {
	if db.ConnectionString == "" {
		return "", fmt.Errorf("postgres connection string is empty")
	}
	return db.ConnectionString, nil
}

func (Postgres) QuoteIdent(name string) string {
	return quoteWith(name, '"')
}

// QuoteString assumes standard_conforming_strings, the default since 9.1.
func (Postgres) QuoteString(s string) string {
	return quoteWith(s, '\'')
}

func (Postgres) QuoteBytes(b []byte) string {
	return `'\x` + hex.EncodeToString(b) + `'`
}

func (Postgres) FormatTime(t time.Time, dateOnly bool) string {
	if dateOnly {
		return "'" + t.Format("2006-01-02") + "'"
	}
	return "'" + t.Format("2006-01-02 15:04:05.999999Z07:00") + "'"
}

func (Postgres) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tablename FROM pg_catalog.pg_tables
		WHERE schemaname = current_schema() ORDER BY tablename`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	tables, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// CreateTable rebuilds a CREATE TABLE statement from the catalog. Sequence
// defaults are left out since the sequences themselves are not dumped.
func (d Postgres) CreateTable(ctx context.Context, q Querier, table string) (string, error) {
	rows, err := q.QueryContext(ctx, `SELECT a.attname, format_type(a.atttypid, a.atttypmod), a.attnotnull,
			COALESCE(pg_get_expr(ad.adbin, ad.adrelid), '')
		FROM pg_catalog.pg_attribute a
		LEFT JOIN pg_catalog.pg_attrdef ad ON ad.adrelid = a.attrelid AND ad.adnum = a.attnum
		WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, d.QuoteIdent(table))
	if err != nil {
		return "", fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var defs []string
	for rows.Next() {
		var name, typ, def string
		var notNull bool
		if err := rows.Scan(&name, &typ, &notNull, &def); err != nil {
			return "", fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		line := d.QuoteIdent(name) + " " + typ
		if def != "" && !strings.HasPrefix(def, "nextval(") {
			line += " DEFAULT " + def
		}
		if notNull {
			line += " NOT NULL"
		}
		defs = append(defs, line)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if len(defs) == 0 {
		return "", fmt.Errorf("table %s has no columns", table)
	}

	var pk string
	err = q.QueryRowContext(ctx, `SELECT pg_get_constraintdef(c.oid) FROM pg_catalog.pg_constraint c
		WHERE c.conrelid = $1::regclass AND c.contype = 'p'`, d.QuoteIdent(table)).Scan(&pk)
	if err == nil {
		defs = append(defs, pk)
	} else if !isNoRows(err) {
		return "", fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", d.QuoteIdent(table), strings.Join(defs, ",\n  ")), nil
}

func (d Postgres) OrderBy(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT a.attname FROM pg_catalog.pg_index i
		JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey::int2[], a.attnum)`, d.QuoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}
	columns, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}
	for i, c := range columns {
		columns[i] = d.QuoteIdent(c)
	}
	return columns, nil
}

// LockTables opens a repeatable read transaction and takes EXCLUSIVE locks,
// which block writers but still let other sessions read. Counts and chunks
// read afterwards on the same connection share one snapshot.
func (d Postgres) LockTables(ctx context.Context, q Querier, tables []string) error {
	if _, err := q.ExecContext(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "LOCK TABLE "+quotedList(d, tables)+" IN EXCLUSIVE MODE"); err != nil {
		_, _ = q.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

func (Postgres) UnlockTables(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, "COMMIT")
	return err
}
