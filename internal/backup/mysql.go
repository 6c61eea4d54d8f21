package backup

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
)

// MySQL covers MySQL and MariaDB.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

// DSN builds a go-sql-driver DSN. Time values stay in their textual form so
// that DATETIME and friends round-trip exactly; query parameters of the URL
// are passed through to the driver.
func (MySQL) DSN(db *config.DatabaseConfig) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = db.User
	cfg.Passwd = db.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
	cfg.DBName = db.Name
	cfg.ParseTime = false

	if u, err := url.Parse(db.ConnectionString); err == nil {
		for key, values := range u.Query() {
			if len(values) == 0 {
				continue
			}
			if key == "tls" {
				cfg.TLSConfig = values[0]
				continue
			}
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}
			cfg.Params[key] = values[0]
		}
	}

	return cfg.FormatDSN(), nil
}

func (MySQL) QuoteIdent(name string) string {
	return quoteWith(name, '`')
}

// QuoteString escapes like mysqldump does.
func (MySQL) QuoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func (MySQL) QuoteBytes(b []byte) string {
	if len(b) == 0 {
		return "''"
	}
	return hexLiteral(b)
}

func (MySQL) FormatTime(t time.Time, dateOnly bool) string {
	if dateOnly {
		return "'" + t.Format("2006-01-02") + "'"
	}
	return "'" + t.Format("2006-01-02 15:04:05.999999") + "'"
}

func (MySQL) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SHOW FULL TABLES WHERE Table_type = 'BASE TABLE'")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name, tableType string
		if err := rows.Scan(&name, &tableType); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

func (d MySQL) CreateTable(ctx context.Context, q Querier, table string) (string, error) {
	var name, stmt string
	err := q.QueryRowContext(ctx, "SHOW CREATE TABLE "+d.QuoteIdent(table)).Scan(&name, &stmt)
	if err != nil {
		return "", fmt.Errorf("failed to read create statement of %s: %w", table, err)
	}
	return stmt + ";", nil
}

func (d MySQL) OrderBy(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, table)
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

func (d MySQL) LockTables(ctx context.Context, q Querier, tables []string) error {
	parts := make([]string, len(tables))
	for i, table := range tables {
		parts[i] = d.QuoteIdent(table) + " WRITE"
	}
	_, err := q.ExecContext(ctx, "LOCK TABLES "+strings.Join(parts, ", "))
	return err
}

func (MySQL) UnlockTables(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, "UNLOCK TABLES")
	return err
}
