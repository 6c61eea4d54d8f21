package dump

import (
	"context"
	"fmt"
	"time"

	"github.com/jorgepascosoto/resumable-db-dump/internal/backup"
	"github.com/jorgepascosoto/resumable-db-dump/internal/progress"
)

// fakeDB serves tables of synthetic rows. Row i of table t renders as
// "INSERT t i;".
type fakeDB struct {
	tables []string
	rows   map[string]int

	listErr     error
	snapshotErr error
	createErr   error
	// rowErrs fails that many ExportChunk calls before succeeding.
	rowErrs int

	chunkCalls []chunkCall
}

type chunkCall struct {
	table         string
	offset, limit int
}

func newFakeDB(tables ...any) *fakeDB {
	db := &fakeDB{rows: make(map[string]int)}
	for i := 0; i+1 < len(tables); i += 2 {
		name := tables[i].(string)
		db.tables = append(db.tables, name)
		db.rows[name] = tables[i+1].(int)
	}
	return db
}

func (f *fakeDB) ListTables(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.tables...), nil
}

func (f *fakeDB) Snapshot(ctx context.Context, tables []string) (*backup.Snapshot, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	snap := &backup.Snapshot{Tables: tables, RowCounts: make(map[string]int)}
	for _, t := range tables {
		snap.RowCounts[t] = f.rows[t]
	}
	return snap, nil
}

func (f *fakeDB) CreateStatements(ctx context.Context, tables []string) ([]string, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = fmt.Sprintf("CREATE TABLE %s;", t)
	}
	return out, nil
}

func (f *fakeDB) ExportChunk(ctx context.Context, table string, offset, maxRows int) (*backup.Chunk, error) {
	f.chunkCalls = append(f.chunkCalls, chunkCall{table: table, offset: offset, limit: maxRows})
	if f.rowErrs > 0 {
		f.rowErrs--
		return nil, fmt.Errorf("connection reset")
	}

	chunk := &backup.Chunk{}
	for i := offset; i < f.rows[table] && i < offset+maxRows; i++ {
		chunk.Statements = append(chunk.Statements, insertOf(table, i))
	}
	chunk.RowsWritten = len(chunk.Statements)
	chunk.TableExhausted = chunk.RowsWritten < maxRows
	return chunk, nil
}

func insertOf(table string, i int) string {
	return fmt.Sprintf("INSERT %s %d;", table, i)
}

type fakeLock struct {
	held       bool
	acquireErr error
	acquired   int
	released   int
	tables     []string
}

func (l *fakeLock) AcquireExclusive(ctx context.Context, tables []string) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}
	if l.held || len(tables) == 0 {
		return nil
	}
	l.held = true
	l.acquired++
	l.tables = tables
	return nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	l.released++
	return nil
}

func (l *fakeLock) Held() bool {
	return l.held
}

// failingStore fails the next failSaves calls to Save.
type failingStore struct {
	progress.Store
	failSaves int
	saves     int
}

func (s *failingStore) Save(ctx context.Context, r *progress.Record) error {
	if s.failSaves > 0 {
		s.failSaves--
		return fmt.Errorf("disk full")
	}
	s.saves++
	return s.Store.Save(ctx, r)
}

// failingArtifact fails Append while failAppends is positive.
type failingArtifact struct {
	Artifact
	failAppends int
}

func (a *failingArtifact) Append(ctx context.Context, key string, data []byte) error {
	if a.failAppends > 0 {
		a.failAppends--
		return fmt.Errorf("disk full")
	}
	return a.Artifact.Append(ctx, key, data)
}

// tickingClock returns a time one second later on every call.
func tickingClock() func() time.Time {
	t := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		now := t
		t = t.Add(time.Second)
		return now
	}
}
