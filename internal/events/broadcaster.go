package events

import (
	"context"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/zimage-server/internal/hub"
	"github.com/aliskhannn/zimage-server/internal/model"
)

// Producer publishes job lifecycle events to a message broker.
type Producer interface {
	Produce(ctx context.Context, j model.Job) error
}

// Archiver persists terminal job records durably.
type Archiver interface {
	SaveJob(ctx context.Context, j model.Job) error
}

// Broadcaster is the single emission path for job events. Subscriber
// delivery goes through the hub synchronously, which keeps per-job ordering;
// the optional broker and archive sinks are fed asynchronously since they
// must never slow down or fail a job.
type Broadcaster struct {
	hub      *hub.Hub
	producer Producer
	archiver Archiver
	strategy retry.Strategy
}

// New creates a Broadcaster delivering to the given hub.
func New(h *hub.Hub, strategy retry.Strategy) *Broadcaster {
	return &Broadcaster{hub: h, strategy: strategy}
}

// AttachProducer enables the broker sink.
func (b *Broadcaster) AttachProducer(p Producer) { b.producer = p }

// AttachArchiver enables the durable archive sink.
func (b *Broadcaster) AttachArchiver(a Archiver) { b.archiver = a }

// JobStatus broadcasts a status transition to the job's subscribers and
// feeds the audit sinks. Exactly one call per transition.
func (b *Broadcaster) JobStatus(ctx context.Context, j model.Job) {
	b.hub.Publish(j.ID, model.NewStatusMessage(j))
	b.Audit(ctx, j)
}

// JobProgress forwards a pipeline progress callback to the job's
// subscribers. Progress never reaches the audit sinks.
func (b *Broadcaster) JobProgress(jobID string, p model.Progress) {
	b.hub.Publish(jobID, model.NewProgressMessage(jobID, p))
}

// Audit feeds the sinks without notifying subscribers. Used for the pending
// state, which the creating client already receives as a direct reply.
func (b *Broadcaster) Audit(ctx context.Context, j model.Job) {
	if b.producer != nil {
		go func() {
			if err := b.producer.Produce(ctx, j); err != nil {
				zlog.Logger.Err(err).Str("job_id", j.ID).Msg("failed to publish job event")
			}
		}()
	}

	if b.archiver != nil && j.Status.Terminal() {
		go func() {
			err := retry.Do(func() error {
				return b.archiver.SaveJob(ctx, j)
			}, b.strategy)
			if err != nil {
				zlog.Logger.Err(err).Str("job_id", j.ID).Msg("failed to archive job")
			}
		}()
	}
}
