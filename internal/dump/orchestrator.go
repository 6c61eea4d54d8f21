// Package dump drives a resumable database dump one bounded step at a time.
//
// Every step loads the progress record, does at most one chunk of work, and
// checkpoints before returning, so a process may be killed between any two
// steps and the next invocation picks up where the last checkpoint left off.
package dump

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/resumable-db-dump/internal/backup"
	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
	"github.com/jorgepascosoto/resumable-db-dump/internal/metrics"
	"github.com/jorgepascosoto/resumable-db-dump/internal/progress"
)

// State is the persisted phase of a dump. The schema phase runs inside the
// step that starts a dump and is never observed on its own.
type State string

const (
	StateNotStarted State = "not_started"
	StateRowPhase   State = "row_phase"
	StateCompleted  State = "completed"
)

// SchemaExporter reads the table set, row counts, and CREATE statements.
type SchemaExporter interface {
	ListTables(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, tables []string) (*backup.Snapshot, error)
	CreateStatements(ctx context.Context, tables []string) ([]string, error)
}

type RowExporter interface {
	ExportChunk(ctx context.Context, table string, offset, maxRows int) (*backup.Chunk, error)
}

type Locker interface {
	AcquireExclusive(ctx context.Context, tables []string) error
	Release(ctx context.Context) error
	Held() bool
}

// Artifact is where dump text is appended. A confirmed Append must be durable,
// and a failed one must leave the artifact as it was.
type Artifact interface {
	Append(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Session describes the dump recorded in the progress store.
type Session struct {
	DumpName string `json:"dump_name,omitempty"`
	State    State  `json:"state"`
	// Table is the table in progress and Offset the rows of it already written.
	Table     string                  `json:"table,omitempty"`
	Offset    int                     `json:"offset"`
	Remaining progress.TableRowCounts `json:"remaining"`
	LockHeld  bool                    `json:"lock_held"`
}

// StepResult is the outcome of one Step.
type StepResult struct {
	State       State  `json:"state"`
	DumpName    string `json:"dump_name"`
	Table       string `json:"table,omitempty"`
	RowsWritten int    `json:"rows_written"`
	// Remaining is the number of tables still to export.
	Remaining int  `json:"remaining"`
	Ready     bool `json:"ready"`
}

type Option func(*Orchestrator)

// WithClock overrides the time source used for dump names.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithChunkSize sets the maximum rows read per step.
func WithChunkSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs the dump state machine. Steps are serialized; the
// orchestrator is safe for concurrent use.
type Orchestrator struct {
	store    progress.Store
	artifact Artifact
	schema   SchemaExporter
	rows     RowExporter
	lock     Locker

	chunkSize int
	now       func() time.Time
	metrics   *metrics.Metrics

	mu sync.Mutex
	// warned is the dump already reported as resumed without locks.
	warned string
}

func New(store progress.Store, artifact Artifact, schema SchemaExporter, rows RowExporter, lock Locker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		artifact:  artifact,
		schema:    schema,
		rows:      rows,
		lock:      lock,
		chunkSize: config.DefaultChunkSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewForSession wires the exporters and lock of a database session.
func NewForSession(s *backup.Session, store progress.Store, artifact Artifact, opts ...Option) *Orchestrator {
	return New(store, artifact,
		backup.NewSchemaExporter(s),
		backup.NewRowExporter(s),
		backup.NewLockCoordinator(s),
		opts...)
}

// Step advances the dump by at most one chunk and checkpoints. On a completed
// dump it only reports readiness.
func (o *Orchestrator) Step(ctx context.Context) (*StepResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	result, err := o.step(ctx)

	outcome := "progress"
	switch {
	case err != nil:
		outcome = "error"
		o.metrics.ObserveError(errorKind(err))
	case result.Ready:
		outcome = "ready"
	}
	o.metrics.ObserveStep(outcome, time.Since(start))
	o.metrics.SetLockHeld(o.lock.Held())

	return result, err
}

func (o *Orchestrator) step(ctx context.Context) (*StepResult, error) {
	record, err := o.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case record == nil:
		record, err = o.start(ctx)
		if err != nil {
			return nil, err
		}
	case record.Completed:
		return &StepResult{State: StateCompleted, DumpName: record.DumpName, Ready: true}, nil
	case !o.lock.Held() && o.warned != record.DumpName:
		o.warned = record.DumpName
		log.WithField("dump", record.DumpName).Warn("Resuming dump without table locks; rows written since the previous process exited may be missing or duplicated")
	}

	return o.exportChunk(ctx, record)
}

// start lists the tables, locks them, snapshots their counts, and writes the
// schema. Nothing is persisted unless every part succeeds.
func (o *Orchestrator) start(ctx context.Context) (_ *progress.Record, err error) {
	record, err := o.newRecord(ctx)
	if err != nil {
		return nil, err
	}
	name := record.DumpName
	logger := log.WithField("dump", name)
	logger.Info("Starting new dump")

	// A lock still held belongs to a record that was cleared under us
	if o.lock.Held() {
		if err := o.lock.Release(ctx); err != nil {
			return nil, errors.NewDumpError(errors.ErrLockAcquisition, name, "", err)
		}
	}

	tables, err := o.schema.ListTables(ctx)
	if err != nil {
		return nil, errors.NewDumpError(errors.ErrSchemaIntrospection, name, "", err)
	}

	if err := o.lock.AcquireExclusive(ctx, tables); err != nil {
		return nil, errors.NewDumpError(errors.ErrLockAcquisition, name, "", err)
	}
	wroteArtifact := false
	defer func() {
		if err == nil {
			return
		}
		if rerr := o.lock.Release(ctx); rerr != nil {
			logger.Warnf("Failed to release table locks: %v", rerr)
		}
		if wroteArtifact {
			if derr := o.artifact.Delete(ctx, name); derr != nil {
				logger.Warnf("Failed to remove partial artifact: %v", derr)
			}
		}
	}()

	snap, err := o.schema.Snapshot(ctx, tables)
	if err != nil {
		return nil, errors.NewDumpError(errors.ErrSchemaIntrospection, name, "", err)
	}
	statements, err := o.schema.CreateStatements(ctx, snap.Tables)
	if err != nil {
		return nil, errors.NewDumpError(errors.ErrSchemaIntrospection, name, "", err)
	}

	wroteArtifact = true
	if err := o.artifact.Append(ctx, name, []byte(backup.Script(statements))); err != nil {
		return nil, errors.NewDumpError(errors.ErrPersistenceWrite, name, "", err)
	}

	record.TableRowCounts = progress.NewTableRowCounts(snap.Tables, snap.RowCounts)
	skipEmptyTables(record)
	if err := o.store.Save(ctx, record); err != nil {
		return nil, errors.NewDumpError(errors.ErrPersistenceWrite, name, "", err)
	}

	logger.WithField("tables", record.TableRowCounts.Len()).Info("Schema written")
	return record, nil
}

// newRecord names the new session after the clock, moving past names whose
// artifact already exists so a consumed dump is never appended to.
func (o *Orchestrator) newRecord(ctx context.Context) (*progress.Record, error) {
	at := o.now()
	for {
		record := progress.NewRecord(at)
		taken, err := o.artifact.Exists(ctx, record.DumpName)
		if err != nil {
			return nil, errors.NewDumpError(errors.ErrPersistenceWrite, record.DumpName, "", err)
		}
		if !taken {
			return record, nil
		}
		at = at.Add(time.Second)
	}
}

func (o *Orchestrator) exportChunk(ctx context.Context, record *progress.Record) (*StepResult, error) {
	name := record.DumpName
	result := &StepResult{State: StateRowPhase, DumpName: name}

	skipEmptyTables(record)

	if table, expected, ok := record.CurrentTable(); ok {
		result.Table = table
		offset := record.RowsExported
		limit := min(o.chunkSize, expected-offset)

		chunk, err := o.rows.ExportChunk(ctx, table, offset, limit)
		if err != nil {
			return nil, errors.NewDumpError(errors.ErrRowRead, name, table, err)
		}

		if len(chunk.Statements) > 0 {
			if err := o.artifact.Append(ctx, name, []byte(backup.Script(chunk.Statements))); err != nil {
				return nil, errors.NewDumpError(errors.ErrPersistenceWrite, name, table, err)
			}
		}

		record.Advance(chunk.RowsWritten)
		result.RowsWritten = chunk.RowsWritten
		if chunk.TableExhausted || record.RowsExported >= expected {
			record.FinishTable(table)
			log.WithFields(log.Fields{"dump": name, "table": table}).Info("Table exported")
		}
		skipEmptyTables(record)

		o.metrics.ObserveChunk(table, chunk.RowsWritten)
		log.WithFields(log.Fields{
			"dump":   name,
			"table":  table,
			"offset": offset,
			"rows":   chunk.RowsWritten,
		}).Debug("Chunk written")
	}

	completed := record.MarkCompleted()
	if err := o.store.Save(ctx, record); err != nil {
		return nil, errors.NewDumpError(errors.ErrPersistenceWrite, name, result.Table, err)
	}

	result.Remaining = record.TableRowCounts.Len()
	o.metrics.SetTablesRemaining(result.Remaining)

	if record.Completed {
		result.State = StateCompleted
		result.Ready = true
		if completed {
			o.metrics.ObserveCompleted()
			log.WithField("dump", name).Info("Dump completed")
		}
		if err := o.lock.Release(ctx); err != nil {
			log.WithField("dump", name).Warnf("Failed to release table locks: %v", err)
		}
	}

	return result, nil
}

// skipEmptyTables finishes leading tables that have no rows left to read.
func skipEmptyTables(record *progress.Record) {
	for {
		table, expected, ok := record.CurrentTable()
		if !ok || expected-record.RowsExported > 0 {
			return
		}
		record.FinishTable(table)
	}
}

// Status reports the dump in the progress store without changing it.
func (o *Orchestrator) Status(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	record, err := o.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	s := SessionOf(record)
	if record != nil {
		s.LockHeld = o.lock.Held()
	}
	return s, nil
}

// SessionOf describes a progress record; a nil record is a dump not yet
// started. LockHeld is left unset since only a live orchestrator knows it.
func SessionOf(record *progress.Record) *Session {
	if record == nil {
		return &Session{State: StateNotStarted}
	}

	s := &Session{
		DumpName:  record.DumpName,
		Offset:    record.RowsExported,
		Remaining: record.TableRowCounts,
	}
	if record.Completed {
		s.State = StateCompleted
		return s
	}
	s.State = StateRowPhase
	s.Table, _, _ = record.CurrentTable()
	return s
}

// Clear acknowledges that the dump was consumed. The next Step starts a new
// dump; the artifact itself is kept.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.lock.Release(ctx); err != nil {
		return fmt.Errorf("failed to release table locks: %w", err)
	}
	o.metrics.SetLockHeld(false)
	o.warned = ""
	return o.store.Clear(ctx)
}

// Close releases table locks still held by this process. The progress record
// is untouched so a later process can resume.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.lock.Release(ctx); err != nil {
		return fmt.Errorf("failed to release table locks: %w", err)
	}
	o.metrics.SetLockHeld(false)
	return nil
}

func errorKind(err error) string {
	kinds := []struct {
		kind error
		name string
	}{
		{errors.ErrCorruptProgress, "corrupt_progress"},
		{errors.ErrSchemaIntrospection, "schema_introspection"},
		{errors.ErrLockAcquisition, "lock_acquisition"},
		{errors.ErrRowRead, "row_read"},
		{errors.ErrPersistenceWrite, "persistence_write"},
	}
	for _, k := range kinds {
		if stderrors.Is(err, k.kind) {
			return k.name
		}
	}
	return "other"
}
