package dump

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Stepper is anything that advances a dump one step at a time.
type Stepper interface {
	Step(ctx context.Context) (*StepResult, error)
}

// Run calls Step until the dump is ready, the budget is spent, or ctx is done.
// A zero budget means no limit. Run does not start a step it expects to
// overrun the budget, judging by the slowest step seen so far.
//
// The last result is returned even when ctx ends the loop.
func Run(ctx context.Context, s Stepper, budget time.Duration) (*StepResult, error) {
	start := time.Now()
	var (
		last    *StepResult
		slowest time.Duration
		steps   int
	)

	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if budget > 0 && steps > 0 && budget-time.Since(start) < slowest {
			log.Debugf("Time budget reached after %d step(s)", steps)
			return last, nil
		}

		stepStart := time.Now()
		result, err := s.Step(ctx)
		if err != nil {
			return last, err
		}
		steps++
		last = result
		if d := time.Since(stepStart); d > slowest {
			slowest = d
		}

		if result.Ready {
			return result, nil
		}
	}
}
