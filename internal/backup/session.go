package backup

import (
	"context"
	"database/sql"
	"fmt"

	// Drivers for the supported dialects
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
)

// Session pins one connection for the lifetime of an invocation. Table locks
// are scoped to a connection, so every query of a dump goes through it.
type Session struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect Dialect
	ownsDB  bool
}

// Open connects to the configured database.
func Open(ctx context.Context, db *config.DatabaseConfig) (*Session, error) {
	dialect, err := NewDialect(db.Type)
	if err != nil {
		return nil, err
	}
	dsn, err := dialect.DSN(db)
	if err != nil {
		return nil, err
	}

	pool, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(), err)
	}

	s, err := NewSession(ctx, pool, dialect)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSession takes a dedicated connection from an existing pool. The pool
// stays owned by the caller.
func NewSession(ctx context.Context, db *sql.DB, dialect Dialect) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name(), err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name(), err)
	}
	return &Session{db: db, conn: conn, dialect: dialect}, nil
}

func (s *Session) Querier() Querier {
	return s.conn
}

func (s *Session) Dialect() Dialect {
	return s.dialect
}

// Close returns the connection, closing the pool when Open created it.
func (s *Session) Close() error {
	err := s.conn.Close()
	if s.ownsDB {
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
