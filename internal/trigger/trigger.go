// Package trigger exposes budgeted dump invocations over HTTP and AWS Lambda.
package trigger

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/resumable-db-dump/internal/dump"
	"github.com/jorgepascosoto/resumable-db-dump/internal/notify"
)

// ErrBusy is returned when another invocation is still running.
var ErrBusy = stderrors.New("dump invocation already in progress")

type Dumper interface {
	dump.Stepper
	Status(ctx context.Context) (*dump.Session, error)
	Clear(ctx context.Context) error
}

type Publisher interface {
	Publish(ctx context.Context, dumpName string) (*notify.DumpSummary, error)
}

// Outcome is the result of one invocation. Summary is set once a ready dump
// was published and cleared.
type Outcome struct {
	Result  *dump.StepResult
	Summary *notify.DumpSummary
}

func (o *Outcome) Ready() bool {
	return o.Result != nil && o.Result.Ready
}

// Trigger runs at most one invocation at a time.
type Trigger struct {
	dumper    Dumper
	publisher Publisher
	mu        sync.Mutex
}

func New(dumper Dumper, publisher Publisher) *Trigger {
	return &Trigger{dumper: dumper, publisher: publisher}
}

// Invoke steps the dump for up to budget. A dump that becomes ready is
// published and then cleared so the next invocation starts a new one. A
// failed publish leaves the record completed and is retried next time.
func (t *Trigger) Invoke(ctx context.Context, budget time.Duration) (*Outcome, error) {
	if !t.mu.TryLock() {
		return nil, ErrBusy
	}
	defer t.mu.Unlock()

	result, err := dump.Run(ctx, t.dumper, budget)
	outcome := &Outcome{Result: result}
	if err != nil {
		return outcome, err
	}
	if !result.Ready {
		log.WithFields(log.Fields{
			"dump":      result.DumpName,
			"table":     result.Table,
			"remaining": result.Remaining,
		}).Info("Dump in progress")
		return outcome, nil
	}

	summary, err := t.publisher.Publish(ctx, result.DumpName)
	outcome.Summary = summary
	if err != nil {
		return outcome, fmt.Errorf("failed to publish %s: %w", result.DumpName, err)
	}
	if err := t.dumper.Clear(ctx); err != nil {
		return outcome, fmt.Errorf("failed to clear progress: %w", err)
	}
	log.WithField("dump", result.DumpName).Info("Dump ready and cleared")
	return outcome, nil
}

func (t *Trigger) Status(ctx context.Context) (*dump.Session, error) {
	return t.dumper.Status(ctx)
}
