package trigger

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"
)

// LambdaMargin is kept free before the invocation deadline for the final
// checkpoint and the response.
const LambdaMargin = 2 * time.Second

type LambdaResponse struct {
	Status    string `json:"status"`
	DumpName  string `json:"dumpName,omitempty"`
	Table     string `json:"table,omitempty"`
	Rows      int    `json:"rows"`
	ObjectKey string `json:"objectKey,omitempty"`
}

// LambdaHandler runs one invocation per Lambda event, typically a schedule.
type LambdaHandler struct {
	trigger *Trigger
	// fallback is the budget used when the context carries no deadline.
	fallback time.Duration
}

func NewLambdaHandler(t *Trigger, fallback time.Duration) *LambdaHandler {
	return &LambdaHandler{trigger: t, fallback: fallback}
}

func (h *LambdaHandler) Start() {
	lambda.Start(h.Handle)
}

func (h *LambdaHandler) Handle(ctx context.Context) (*LambdaResponse, error) {
	budget := h.budget(ctx)
	log.Debugf("Lambda invocation with a %s budget", budget)

	outcome, err := h.trigger.Invoke(ctx, budget)
	if err != nil {
		return nil, err
	}

	res := outcome.Result
	resp := &LambdaResponse{
		Status:   "in_progress",
		DumpName: res.DumpName,
		Table:    res.Table,
		Rows:     res.RowsWritten,
	}
	if outcome.Ready() {
		resp.Status = "ready"
		if outcome.Summary != nil {
			resp.ObjectKey = outcome.Summary.ObjectKey
		}
	}
	return resp, nil
}

func (h *LambdaHandler) budget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return h.fallback
	}
	// Never below a nanosecond; zero would mean no limit
	return max(time.Until(deadline)-LambdaMargin, time.Nanosecond)
}
