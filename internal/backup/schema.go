package backup

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Snapshot is the table set of a dump with the row count of each table.
type Snapshot struct {
	Tables    []string
	RowCounts map[string]int
}

// SchemaExporter reads table metadata over a session.
type SchemaExporter struct {
	q Querier
	d Dialect
}

func NewSchemaExporter(s *Session) *SchemaExporter {
	return &SchemaExporter{q: s.Querier(), d: s.Dialect()}
}

// ListTables returns the base tables in engine order.
func (e *SchemaExporter) ListTables(ctx context.Context) ([]string, error) {
	return e.d.ListTables(ctx, e.q)
}

// Snapshot counts the rows of each table. Callers take the lock first so the
// counts cannot move while the dump runs.
func (e *SchemaExporter) Snapshot(ctx context.Context, tables []string) (*Snapshot, error) {
	snap := &Snapshot{
		Tables:    append([]string(nil), tables...),
		RowCounts: make(map[string]int, len(tables)),
	}

	for _, table := range tables {
		var count int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", e.d.QuoteIdent(table))
		if err := e.q.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows of %s: %w", table, err)
		}
		log.WithField("table", table).Debugf("Table has %d rows", count)
		snap.RowCounts[table] = int(count)
	}

	return snap, nil
}

// CreateStatements returns one CREATE TABLE statement per table, in order.
func (e *SchemaExporter) CreateStatements(ctx context.Context, tables []string) ([]string, error) {
	statements := make([]string, 0, len(tables))
	for _, table := range tables {
		stmt, err := e.d.CreateTable(ctx, e.q, table)
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)
	}
	return statements, nil
}
