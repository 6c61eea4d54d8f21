package backup

import (
	"context"
	"fmt"
	"strings"
)

// Chunk is the output of one ExportChunk call.
type Chunk struct {
	Statements  []string
	RowsWritten int
	// TableExhausted is set when the read came back short, i.e. there are no
	// rows past this chunk.
	TableExhausted bool
}

// RowExporter renders table rows as INSERT statements, one chunk at a time.
type RowExporter struct {
	q       Querier
	d       Dialect
	order   map[string]string
	selects map[string]*selectList
}

// SelectLister is implemented by dialects whose driver rewrites values of some
// declared types when a column is selected bare. The select list reads every
// column in its stored form; columns carry the declared types.
type SelectLister interface {
	SelectList(ctx context.Context, q Querier, table string) (string, []Column, error)
}

type selectList struct {
	expr    string
	columns []Column
}

func NewRowExporter(s *Session) *RowExporter {
	return &RowExporter{
		q:       s.Querier(),
		d:       s.Dialect(),
		order:   make(map[string]string),
		selects: make(map[string]*selectList),
	}
}

// ExportChunk reads up to maxRows rows of table starting at offset in a stable
// order and returns one INSERT per row.
func (e *RowExporter) ExportChunk(ctx context.Context, table string, offset, maxRows int) (*Chunk, error) {
	if maxRows <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxRows)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}

	orderBy, err := e.orderBy(ctx, table)
	if err != nil {
		return nil, err
	}

	sel, err := e.selectList(ctx, table)
	if err != nil {
		return nil, err
	}

	// Limits are inlined so MySQL uses the text protocol and returns every
	// value in its server textual form.
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
		sel.expr, e.d.QuoteIdent(table), orderBy, maxRows, offset)

	rows, err := e.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	columns := sel.columns
	if columns == nil {
		columns = make([]Column, len(types))
		for i, ct := range types {
			columns[i] = Column{Name: ct.Name(), DatabaseType: strings.ToUpper(ct.DatabaseTypeName())}
		}
	}
	if len(columns) != len(types) {
		return nil, fmt.Errorf("columns of %s changed during the dump", table)
	}

	raw := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}

	chunk := &Chunk{Statements: make([]string, 0, maxRows)}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", table, err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[i] = Cell{Column: col.Name, Value: ValueOf(col, raw[i])}
		}
		chunk.Statements = append(chunk.Statements, RenderInsert(e.d, table, row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", table, err)
	}

	chunk.RowsWritten = len(chunk.Statements)
	chunk.TableExhausted = chunk.RowsWritten < maxRows
	return chunk, nil
}

// orderBy resolves and caches the ORDER BY clause of a table: the primary key
// when there is one, every column otherwise.
func (e *RowExporter) orderBy(ctx context.Context, table string) (string, error) {
	if clause, ok := e.order[table]; ok {
		return clause, nil
	}

	keys, err := e.d.OrderBy(ctx, e.q, table)
	if err != nil {
		return "", err
	}

	if len(keys) == 0 {
		rows, err := e.q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", e.d.QuoteIdent(table)))
		if err != nil {
			return "", fmt.Errorf("failed to read columns of %s: %w", table, err)
		}
		names, err := rows.Columns()
		rows.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read columns of %s: %w", table, err)
		}
		for _, name := range names {
			keys = append(keys, e.d.QuoteIdent(name))
		}
	}

	clause := strings.Join(keys, ", ")
	e.order[table] = clause
	return clause, nil
}

func (e *RowExporter) selectList(ctx context.Context, table string) (*selectList, error) {
	if sel, ok := e.selects[table]; ok {
		return sel, nil
	}

	sel := &selectList{expr: "*"}
	if l, ok := e.d.(SelectLister); ok {
		expr, columns, err := l.SelectList(ctx, e.q, table)
		if err != nil {
			return nil, err
		}
		sel.expr, sel.columns = expr, columns
	}
	e.selects[table] = sel
	return sel, nil
}
