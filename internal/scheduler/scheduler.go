package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/zimage-server/internal/model"
	"github.com/aliskhannn/zimage-server/internal/pipeline"
)

// jobStore is the slice of the job repository the scheduler needs.
type jobStore interface {
	Update(id string, to model.Status, mutate func(*model.Job)) (model.Job, error)
	CancelRequested(id string) bool
}

// notifier delivers job events to subscribers and audit sinks.
type notifier interface {
	JobStatus(ctx context.Context, j model.Job)
	JobProgress(jobID string, p model.Progress)
}

// artifactStorage persists encoded images.
type artifactStorage interface {
	Save(ctx context.Context, filename string, src io.Reader) (string, error)
}

// resultCache records completed results for instant duplicate resolution.
type resultCache interface {
	Put(jobID string, res model.Result) error
}

// Scheduler admits jobs for execution under a hard concurrency ceiling and
// serializes access to the exclusive hardware resource. The two constraints
// are orthogonal: the admission semaphore caps how many jobs are in flight
// at once, while the hardware mutex lets only one of them run a
// compute-bound pipeline call at any moment. File I/O and event publishing
// happen outside the mutex, so I/O phases of different jobs overlap freely
// up to the ceiling.
type Scheduler struct {
	ctx       context.Context
	sem       chan struct{}
	hardware  sync.Mutex
	jobs      jobStore
	notify    notifier
	generator pipeline.Generator
	upscaler  pipeline.Upscaler
	storage   artifactStorage
	cache     resultCache
	wg        sync.WaitGroup
}

// New creates a scheduler. ctx bounds the lifetime of all job executions;
// maxConcurrency is the admission ceiling.
func New(
	ctx context.Context,
	maxConcurrency int,
	jobs jobStore,
	notify notifier,
	generator pipeline.Generator,
	upscaler pipeline.Upscaler,
	storage artifactStorage,
	cache resultCache,
) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	return &Scheduler{
		ctx:       ctx,
		sem:       make(chan struct{}, maxConcurrency),
		jobs:      jobs,
		notify:    notify,
		generator: generator,
		upscaler:  upscaler,
		storage:   storage,
		cache:     cache,
	}
}

// Enqueue hands a newly created job to a worker goroutine. It never blocks:
// the job waits for an admission slot inside the worker, staying pending and
// cancellable the whole time.
func (s *Scheduler) Enqueue(j model.Job) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		s.execute(j.ID)
	}()
}

// Wait blocks until every enqueued job has finished. Used in tests and on
// shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) execute(id string) {
	// A panicking pipeline fails its own job only; the scheduler and other
	// in-flight jobs keep running.
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().Str("job_id", id).Msgf("pipeline panic: %v", r)
			s.fail(id, fmt.Sprintf("pipeline panic: %v", r))
		}
	}()

	// The job may have been cancelled while waiting for admission; the
	// transition to processing is then rejected and there is nothing to run.
	j, err := s.jobs.Update(id, model.StatusProcessing, nil)
	if err != nil {
		return
	}
	s.notify.JobStatus(s.ctx, j)

	onProgress := func(p model.Progress) {
		s.notify.JobProgress(id, p)
	}

	// Generation phase: exclusive hardware. The cancellation boundary sits
	// right after the lock is acquired; past it, cancellation is deferred
	// until the job completes or fails on its own.
	s.hardware.Lock()
	if s.jobs.CancelRequested(id) {
		s.hardware.Unlock()

		if j, err = s.jobs.Update(id, model.StatusCancelled, nil); err == nil {
			s.notify.JobStatus(s.ctx, j)
		}
		return
	}

	img, err := s.generator.Run(s.ctx, j.Params, onProgress)
	s.hardware.Unlock()

	if err != nil {
		s.fail(id, fmt.Sprintf("generation failed: %v", err))
		return
	}

	// Base artifact I/O happens outside the hardware lock.
	baseName := artifactName(j.Params.Prompt, id)

	path, err := s.save(baseName, img)
	if err != nil {
		s.fail(id, fmt.Sprintf("failed to save image: %v", err))
		return
	}

	j, err = s.jobs.Update(id, model.StatusGenerated, func(jj *model.Job) {
		jj.Result = &model.Result{Filename: baseName, Path: path}
	})
	if err != nil {
		return
	}
	s.notify.JobStatus(s.ctx, j)

	// Upscale phase: a second exclusive-hardware section. The base artifact
	// already exists, so cancellation is no longer honored here.
	onProgress(model.Progress{Stage: "upscaling"})

	s.hardware.Lock()
	upscaled, err := s.upscaler.Run(s.ctx, img)
	s.hardware.Unlock()

	if err != nil && !errors.Is(err, pipeline.ErrUpscaleSkipped) {
		s.fail(id, fmt.Sprintf("upscaling failed: %v", err))
		return
	}

	var upscaledName *string
	if upscaled != nil {
		name := upscaledArtifactName(baseName)
		if _, err := s.save(name, upscaled); err != nil {
			s.fail(id, fmt.Sprintf("failed to save upscaled image: %v", err))
			return
		}
		upscaledName = &name
	}

	now := time.Now()
	j, err = s.jobs.Update(id, model.StatusCompleted, func(jj *model.Job) {
		jj.Result.UpscaledFilename = upscaledName
		jj.CompletedAt = &now
	})
	if err != nil {
		return
	}
	s.notify.JobStatus(s.ctx, j)

	if j.Result != nil {
		if err := s.cache.Put(id, *j.Result); err != nil {
			zlog.Logger.Err(err).Str("job_id", id).Msg("failed to write result cache")
		}
	}
}

// fail records a pipeline error on the job and broadcasts it. Errors here
// are contained to the job's record.
func (s *Scheduler) fail(id, msg string) {
	now := time.Now()

	j, err := s.jobs.Update(id, model.StatusFailed, func(jj *model.Job) {
		jj.Error = msg
		jj.CompletedAt = &now
	})
	if err != nil {
		zlog.Logger.Err(err).Str("job_id", id).Msg("failed to mark job failed")
		return
	}

	s.notify.JobStatus(s.ctx, j)
}

func (s *Scheduler) save(filename string, img image.Image) (string, error) {
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}

	return s.storage.Save(s.ctx, filename, buf)
}
