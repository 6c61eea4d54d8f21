package backup

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// LockCoordinator holds the exclusive table locks of a dump.
type LockCoordinator struct {
	q      Querier
	d      Dialect
	held   bool
	tables []string
}

func NewLockCoordinator(s *Session) *LockCoordinator {
	return &LockCoordinator{q: s.Querier(), d: s.Dialect()}
}

// AcquireExclusive blocks writers to the tables until Release. It is a no-op
// for an empty table set or when the lock is already held.
func (l *LockCoordinator) AcquireExclusive(ctx context.Context, tables []string) error {
	if l.held || len(tables) == 0 {
		return nil
	}
	if err := l.d.LockTables(ctx, l.q, tables); err != nil {
		return fmt.Errorf("failed to lock %d table(s): %w", len(tables), err)
	}
	l.held = true
	l.tables = append([]string(nil), tables...)
	log.Debugf("Locked tables %v", l.tables)
	return nil
}

// Release drops the locks. Releasing without a held lock does nothing.
func (l *LockCoordinator) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	if err := l.d.UnlockTables(ctx, l.q); err != nil {
		return fmt.Errorf("failed to unlock tables: %w", err)
	}
	l.held = false
	log.Debugf("Unlocked tables %v", l.tables)
	l.tables = nil
	return nil
}

func (l *LockCoordinator) Held() bool {
	return l.held
}
