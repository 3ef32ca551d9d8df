package runner

import (
	"context"
	"time"

	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/pkg/schema"
)

// Publisher announces lifecycle changes of process records.
type Publisher interface {
	PublishEvent(ctx context.Context, evt schema.ProcessLifecycleEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishEvent(context.Context, schema.ProcessLifecycleEvent) error {
	return nil
}

// LifecycleEvent builds the event for rec entering stage.
func LifecycleEvent(rec *process.Record, stage schema.ProcessingStage, now time.Time) schema.ProcessLifecycleEvent {
	return schema.ProcessLifecycleEvent{
		Identifier: rec.Identifier,
		JobType:    rec.JobType,
		OwnerID:    rec.OwnerID,
		Stage:      stage,
		Progress:   rec.Progress,
		HappenedAt: now.Unix(),
	}
}

func (r *Runner) publish(ctx context.Context, rec *process.Record, stage schema.ProcessingStage, cause error, elapsed time.Duration) {
	r.publishFailure(ctx, rec, stage, cause, "", elapsed)
}

func (r *Runner) publishFailure(ctx context.Context, rec *process.Record, stage schema.ProcessingStage, cause error, failure schema.FailureType, elapsed time.Duration) {
	evt := LifecycleEvent(rec, stage, r.now())
	if cause != nil {
		evt.Error = cause.Error()
		evt.FailureType = failure
	}
	evt.DurationMs = elapsed.Milliseconds()
	if err := r.events.PublishEvent(ctx, evt); err != nil {
		r.logger.Warn("failed to publish lifecycle event", "identifier", rec.Identifier, "stage", stage, "err", err)
	}
}
