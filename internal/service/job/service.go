package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/zimage-server/internal/model"
	jobrepo "github.com/aliskhannn/zimage-server/internal/repository/job"
)

// repo is the slice of the job store the orchestrator needs.
type repo interface {
	GetOrCreate(id string, factory func() model.Job) (model.Job, bool)
	Get(id string) (model.Job, error)
	RequestCancel(id string) (model.Job, bool, error)
	ListByClient(clientID string) []model.Job
}

// scheduler admits newly created jobs for execution.
type scheduler interface {
	Enqueue(j model.Job)
}

// clientHub registers subscriptions and delivers direct replies to a
// client's live connection.
type clientHub interface {
	Subscribe(clientID, jobID, requestID string)
	Send(clientID string, msg model.Outbound)
}

// resultCache resolves results of previously completed jobs.
type resultCache interface {
	Get(jobID string) (*model.Result, bool)
}

// broadcaster emits job events.
type broadcaster interface {
	JobStatus(ctx context.Context, j model.Job)
	Audit(ctx context.Context, j model.Job)
}

// Caller identifies the client behind an inbound message. Bound is true when
// the client supplied its own identifier at connection time; only bound
// clients own jobs and may list them.
type Caller struct {
	ClientID string
	Bound    bool
}

// Service is the job orchestrator. It receives inbound operations, derives
// job identity, consults the result cache, drives the job store and
// scheduler, and registers subscriptions. Handle is synchronous and
// transport-agnostic; asynchronous events reach clients through the hub.
type Service struct {
	jobs   repo
	sched  scheduler
	subs   clientHub
	cache  resultCache
	events broadcaster
}

// NewService creates the orchestrator.
func NewService(jobs repo, sched scheduler, subs clientHub, cache resultCache, events broadcaster) *Service {
	return &Service{jobs: jobs, sched: sched, subs: subs, cache: cache, events: events}
}

// Handle dispatches one inbound message and returns the direct replies for
// the caller's connection.
func (s *Service) Handle(ctx context.Context, caller Caller, raw []byte) []model.Outbound {
	var msg model.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return reply(model.NewErrorMessage("invalid JSON", ""))
	}

	switch msg.Type {
	case model.MsgCreateJob:
		return s.createJob(ctx, caller, msg)
	case model.MsgGetStatus:
		return s.getStatus(caller, msg)
	case model.MsgCancelJob:
		return s.cancelJob(ctx, msg)
	case model.MsgGetClientJobs:
		return s.clientJobs(caller, msg)
	default:
		return reply(model.NewErrorMessage(fmt.Sprintf("unknown message type: %s", msg.Type), msg.RequestID))
	}
}

// createJob normalizes the parameters, derives the job identity and either
// creates and schedules a new job or answers from the existing record. The
// requesting client is subscribed to the job either way. When a new job is
// scheduled the pending reply is pushed through the hub directly, ahead of
// any broadcast the worker may produce.
func (s *Service) createJob(ctx context.Context, caller Caller, msg model.Inbound) []model.Outbound {
	if msg.TaskType == "" {
		return reply(model.NewErrorMessage("missing task_type", msg.RequestID))
	}
	if msg.TaskType != model.TaskTypeTextToImage {
		return reply(model.NewErrorMessage(fmt.Sprintf("unknown task_type: %s", msg.TaskType), msg.RequestID))
	}

	params, paramsReqID, err := model.ParseParams(msg.Params)

	// Older clients put the correlation token inside params.
	requestID := msg.RequestID
	if requestID == "" {
		requestID = paramsReqID
	}

	if err != nil {
		return reply(model.NewErrorMessage(fmt.Sprintf("invalid params: %v", err), requestID))
	}

	id := params.ID(msg.TaskType)

	var owner string
	if caller.Bound {
		owner = caller.ClientID
	}

	j, created := s.jobs.GetOrCreate(id, func() model.Job {
		now := time.Now()
		j := model.Job{
			TaskType:      msg.TaskType,
			Params:        params,
			Status:        model.StatusPending,
			CreatedAt:     now,
			OwnerClientID: owner,
		}

		// A completed result may survive in the file cache from a previous
		// process; resurrect it as a terminal record instead of re-executing.
		if res, ok := s.cache.Get(id); ok {
			zlog.Logger.Info().Str("job_id", id).Msg("result cache hit")
			j.Status = model.StatusCompleted
			j.Result = res
			j.CompletedAt = &now
		}

		return j
	})

	s.subs.Subscribe(caller.ClientID, id, requestID)

	out := model.NewStatusMessage(j).WithRequestID(requestID)

	if created && j.Status == model.StatusPending {
		// The worker starts broadcasting the moment the job is admitted, so
		// the pending reply must be in the caller's outbox before Enqueue;
		// otherwise the creator could observe processing ahead of pending.
		s.subs.Send(caller.ClientID, out)
		s.events.Audit(ctx, j)
		s.sched.Enqueue(j)

		return nil
	}

	return reply(out)
}

// getStatus subscribes the caller to the job and reports its current state.
func (s *Service) getStatus(caller Caller, msg model.Inbound) []model.Outbound {
	if msg.JobID == "" {
		return reply(model.NewErrorMessage("missing job_id", msg.RequestID))
	}

	s.subs.Subscribe(caller.ClientID, msg.JobID, msg.RequestID)

	j, err := s.jobs.Get(msg.JobID)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			return reply(model.NewErrorMessage(fmt.Sprintf("job not found: %s", msg.JobID), msg.RequestID))
		}

		return reply(model.NewErrorMessage("internal error", msg.RequestID))
	}

	return reply(model.NewStatusMessage(j).WithRequestID(msg.RequestID))
}

// cancelJob requests cooperative cancellation. A pending job is cancelled on
// the spot; a processing job is flagged and reported cancelled once the
// scheduler reaches its next boundary. Cancelling a generated or terminal
// job is a no-op reply carrying the job's current status.
func (s *Service) cancelJob(ctx context.Context, msg model.Inbound) []model.Outbound {
	if msg.JobID == "" {
		return reply(model.NewErrorMessage("missing job_id", msg.RequestID))
	}

	j, accepted, err := s.jobs.RequestCancel(msg.JobID)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			return reply(model.NewErrorMessage(fmt.Sprintf("job not found: %s", msg.JobID), msg.RequestID))
		}

		return reply(model.NewErrorMessage("internal error", msg.RequestID))
	}

	if accepted && j.Status == model.StatusCancelled {
		// pending -> cancelled happened immediately; broadcast the transition.
		s.events.JobStatus(ctx, j)
	}

	return reply(model.NewStatusMessage(j).WithRequestID(msg.RequestID))
}

// clientJobs lists every job owned by the bound client and re-subscribes the
// caller to the ones still in flight, which is how a reconnecting client
// recovers event delivery.
func (s *Service) clientJobs(caller Caller, msg model.Inbound) []model.Outbound {
	if !caller.Bound {
		return reply(model.NewErrorMessage("no client_id associated with this connection", msg.RequestID))
	}

	jobs := s.jobs.ListByClient(caller.ClientID)
	summaries := make([]model.JobSummary, 0, len(jobs))

	for _, j := range jobs {
		sum := model.JobSummary{
			JobID:     j.ID,
			TaskType:  j.TaskType,
			Status:    j.Status,
			CreatedAt: j.CreatedAt.Unix(),
		}

		switch j.Status {
		case model.StatusCompleted:
			sum.Result = j.Result
		case model.StatusFailed:
			sum.Error = j.Error
		}

		summaries = append(summaries, sum)

		if j.Status == model.StatusPending || j.Status == model.StatusProcessing {
			s.subs.Subscribe(caller.ClientID, j.ID, "")
		}
	}

	out := model.ClientJobsMessage{Type: model.MsgClientJobs, Jobs: summaries}

	return reply(out.WithRequestID(msg.RequestID))
}

func reply(msgs ...model.Outbound) []model.Outbound {
	return msgs
}
