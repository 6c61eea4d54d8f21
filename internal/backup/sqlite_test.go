package backup

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
)

const testSchema = `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, score REAL, avatar BLOB);
CREATE TABLE events (kind TEXT, n INTEGER);
CREATE TABLE memberships (team_id INTEGER, user_name TEXT, role TEXT, PRIMARY KEY (user_name, team_id));
INSERT INTO users (id, name, score, avatar) VALUES
	(3, 'carol', 2.25, NULL),
	(1, 'alice', 1.5, X'00FF'),
	(5, 'eve', NULL, NULL),
	(2, 'O''Brien', -3, X'AB'),
	(4, 'dave "the rave"', 0.1, NULL);
INSERT INTO events (kind, n) VALUES ('login', 1), ('logout', 2), ('login', 3);
INSERT INTO memberships (team_id, user_name, role) VALUES (2, 'bob', 'admin'), (1, 'bob', 'member'), (1, 'alice', 'owner');
`

func newTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db, path
}

func newTestSession(t *testing.T, db *sql.DB) *Session {
	t.Helper()

	s, err := NewSession(context.Background(), db, SQLite{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SQLite(t *testing.T) {
	_, path := newTestDB(t)

	s, err := Open(context.Background(), &config.DatabaseConfig{Type: config.DatabaseTypeSQLite, Path: path})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "sqlite", s.Dialect().Name())
	tables, err := NewSchemaExporter(s).ListTables(context.Background())
	require.NoError(t, err)
	assert.Len(t, tables, 3)
}

func TestSchemaExporter_SQLite(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	e := NewSchemaExporter(newTestSession(t, db))

	tables, err := e.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "memberships", "users"}, tables)

	snap, err := e.Snapshot(ctx, tables)
	require.NoError(t, err)
	assert.Equal(t, tables, snap.Tables)
	assert.Equal(t, map[string]int{"events": 3, "memberships": 3, "users": 5}, snap.RowCounts)

	statements, err := e.CreateStatements(ctx, []string{"users", "events"})
	require.NoError(t, err)
	require.Len(t, statements, 2)
	assert.Equal(t, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, score REAL, avatar BLOB);", statements[0])
	assert.Equal(t, "CREATE TABLE events (kind TEXT, n INTEGER);", statements[1])
}

func TestSchemaExporter_UnknownTable(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	e := NewSchemaExporter(newTestSession(t, db))

	_, err := e.CreateStatements(ctx, []string{"missing"})
	assert.Error(t, err)

	_, err = e.Snapshot(ctx, []string{"missing"})
	assert.Error(t, err)
}

func TestRowExporter_Chunks(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	e := NewRowExporter(newTestSession(t, db))

	var sizes []int
	var statements []string
	offset := 0
	for {
		chunk, err := e.ExportChunk(ctx, "users", offset, 2)
		require.NoError(t, err)
		sizes = append(sizes, chunk.RowsWritten)
		statements = append(statements, chunk.Statements...)
		offset += chunk.RowsWritten
		if chunk.TableExhausted {
			break
		}
	}

	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{
		`INSERT INTO "users" ("id", "name", "score", "avatar") VALUES (1, 'alice', 1.5, X'00FF');`,
		`INSERT INTO "users" ("id", "name", "score", "avatar") VALUES (2, 'O''Brien', -3, X'AB');`,
		`INSERT INTO "users" ("id", "name", "score", "avatar") VALUES (3, 'carol', 2.25, NULL);`,
		`INSERT INTO "users" ("id", "name", "score", "avatar") VALUES (4, 'dave "the rave"', 0.1, NULL);`,
		`INSERT INTO "users" ("id", "name", "score", "avatar") VALUES (5, 'eve', NULL, NULL);`,
	}, statements)
}

func TestRowExporter_ExactMultipleNeedsEmptyRead(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	e := NewRowExporter(newTestSession(t, db))

	chunk, err := e.ExportChunk(ctx, "events", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, chunk.RowsWritten)
	assert.False(t, chunk.TableExhausted, "a full chunk cannot tell whether more rows follow")

	chunk, err = e.ExportChunk(ctx, "events", 3, 3)
	require.NoError(t, err)
	assert.Zero(t, chunk.RowsWritten)
	assert.Empty(t, chunk.Statements)
	assert.True(t, chunk.TableExhausted)
}

func TestRowExporter_Ordering(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	e := NewRowExporter(newTestSession(t, db))

	chunk, err := e.ExportChunk(ctx, "memberships", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`INSERT INTO "memberships" ("team_id", "user_name", "role") VALUES (1, 'alice', 'owner');`,
		`INSERT INTO "memberships" ("team_id", "user_name", "role") VALUES (1, 'bob', 'member');`,
		`INSERT INTO "memberships" ("team_id", "user_name", "role") VALUES (2, 'bob', 'admin');`,
	}, chunk.Statements)

	// No primary key: insertion order through rowid
	chunk, err = e.ExportChunk(ctx, "events", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`INSERT INTO "events" ("kind", "n") VALUES ('logout', 2);`,
		`INSERT INTO "events" ("kind", "n") VALUES ('login', 3);`,
	}, chunk.Statements)
}

func TestRowExporter_SQLiteTimeColumnsKeepStoredForm(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	_, err := db.Exec(`
CREATE TABLE log (id INTEGER PRIMARY KEY, at DATETIME, d date, ts TIMESTAMP);
INSERT INTO log (id, at, d, ts) VALUES
	(1, '2024-01-01', '2024-01-02 10:11:12', 1714557600),
	(2, '2024-03-04T05:06:07Z', '2024-05-06', NULL);
`)
	require.NoError(t, err)
	e := NewRowExporter(newTestSession(t, db))

	chunk, err := e.ExportChunk(ctx, "log", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`INSERT INTO "log" ("id", "at", "d", "ts") VALUES (1, '2024-01-01', '2024-01-02 10:11:12', 1714557600);`,
		`INSERT INTO "log" ("id", "at", "d", "ts") VALUES (2, '2024-03-04T05:06:07Z', '2024-05-06', NULL);`,
	}, chunk.Statements)
}

func TestSQLite_SelectList(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	_, err := db.Exec(`CREATE TABLE log (id INTEGER PRIMARY KEY, at DATETIME, note TEXT)`)
	require.NoError(t, err)
	s := newTestSession(t, db)

	expr, columns, err := SQLite{}.SelectList(ctx, s.Querier(), "log")
	require.NoError(t, err)
	assert.Equal(t, `"id", +"at" AS "at", "note"`, expr)
	assert.Equal(t, []Column{
		{Name: "id", DatabaseType: "INTEGER"},
		{Name: "at", DatabaseType: "DATETIME"},
		{Name: "note", DatabaseType: "TEXT"},
	}, columns)

	_, _, err = SQLite{}.SelectList(ctx, s.Querier(), "missing")
	assert.Error(t, err)
}

func TestRowExporter_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	e := NewRowExporter(newTestSession(t, db))

	_, err := e.ExportChunk(ctx, "users", 0, 0)
	assert.Error(t, err)
	_, err = e.ExportChunk(ctx, "users", -1, 5)
	assert.Error(t, err)
	_, err = e.ExportChunk(ctx, "missing", 0, 5)
	assert.Error(t, err)
}

func TestDump_ReplaysIntoFreshDatabase(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	s := newTestSession(t, db)
	schema := NewSchemaExporter(s)
	rows := NewRowExporter(s)

	tables, err := schema.ListTables(ctx)
	require.NoError(t, err)
	statements, err := schema.CreateStatements(ctx, tables)
	require.NoError(t, err)
	for _, table := range tables {
		chunk, err := rows.ExportChunk(ctx, table, 0, 100)
		require.NoError(t, err)
		require.True(t, chunk.TableExhausted)
		statements = append(statements, chunk.Statements...)
	}

	restored, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer restored.Close()
	for _, stmt := range statements {
		_, err := restored.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	query := "SELECT id, name, score, avatar FROM users ORDER BY id"
	assert.Equal(t, dumpRows(t, db, query), dumpRows(t, restored, query))
	query = "SELECT kind, n FROM events ORDER BY rowid"
	assert.Equal(t, dumpRows(t, db, query), dumpRows(t, restored, query))
}

func dumpRows(t *testing.T, db *sql.DB, query string) [][]any {
	t.Helper()

	rows, err := db.Query(query)
	require.NoError(t, err)
	defer rows.Close()

	columns, err := rows.Columns()
	require.NoError(t, err)

	var out [][]any
	for rows.Next() {
		raw := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		require.NoError(t, rows.Scan(dest...))
		out = append(out, raw)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestLockCoordinator_SQLite(t *testing.T) {
	ctx := context.Background()
	db, path := newTestDB(t)
	lock := NewLockCoordinator(newTestSession(t, db))

	other, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)")
	require.NoError(t, err)
	defer other.Close()
	other.SetMaxOpenConns(1)

	require.NoError(t, lock.AcquireExclusive(ctx, []string{"users"}))
	assert.True(t, lock.Held())
	require.NoError(t, lock.AcquireExclusive(ctx, []string{"users"}), "acquire is idempotent")

	_, err = other.ExecContext(ctx, "INSERT INTO events (kind, n) VALUES ('blocked', 9)")
	assert.Error(t, err, "writers are blocked while the lock is held")

	var count int
	require.NoError(t, other.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count))
	assert.Equal(t, 5, count, "readers are not blocked")

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.Held())
	require.NoError(t, lock.Release(ctx), "release without lock is a no-op")

	_, err = other.ExecContext(ctx, "INSERT INTO events (kind, n) VALUES ('free', 10)")
	assert.NoError(t, err)
}

func TestLockCoordinator_EmptyTableSet(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	lock := NewLockCoordinator(newTestSession(t, db))

	require.NoError(t, lock.AcquireExclusive(ctx, nil))
	assert.False(t, lock.Held())
}
