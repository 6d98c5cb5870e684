package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aliskhannn/zimage-server/internal/model"
	"github.com/aliskhannn/zimage-server/internal/pipeline"
	jobrepo "github.com/aliskhannn/zimage-server/internal/repository/job"
)

type fakeNotifier struct {
	mu       sync.Mutex
	statuses map[string][]model.Status
	stages   []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{statuses: make(map[string][]model.Status)}
}

func (n *fakeNotifier) JobStatus(_ context.Context, j model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[j.ID] = append(n.statuses[j.ID], j.Status)
}

func (n *fakeNotifier) JobProgress(_ string, p model.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stages = append(n.stages, p.Stage)
}

func (n *fakeNotifier) statusesFor(id string) []model.Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]model.Status, len(n.statuses[id]))
	copy(out, n.statuses[id])
	return out
}

func (n *fakeNotifier) sawStage(stage string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, s := range n.stages {
		if s == stage {
			return true
		}
	}
	return false
}

type fakeStorage struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{files: make(map[string][]byte)}
}

func (s *fakeStorage) Save(_ context.Context, filename string, src io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filename] = data

	return "/image/" + filename, nil
}

func (s *fakeStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type fakeCache struct {
	mu      sync.Mutex
	results map[string]model.Result
}

func newFakeCache() *fakeCache {
	return &fakeCache{results: make(map[string]model.Result)}
}

func (c *fakeCache) Put(jobID string, res model.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[jobID] = res
	return nil
}

func (c *fakeCache) get(jobID string) (model.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[jobID]
	return res, ok
}

// fakeGenerator counts concurrent invocations and optionally blocks on gate
// until release is closed, which lets tests park a job inside the exclusive
// section.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	gate    chan struct{}
	release chan struct{}

	err   error
	panic bool
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{}
}

func (g *fakeGenerator) Run(ctx context.Context, p model.Params, onProgress pipeline.ProgressFunc) (image.Image, error) {
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	for {
		prev := g.maxInFlight.Load()
		if cur <= prev || g.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	g.mu.Lock()
	g.prompts = append(g.prompts, p.Prompt)
	g.mu.Unlock()

	if g.gate != nil {
		g.gate <- struct{}{}
		<-g.release
	}

	if g.panic {
		panic("corrupted weights")
	}
	if g.err != nil {
		return nil, g.err
	}

	if onProgress != nil {
		onProgress(model.Progress{Stage: "generating", CurrentStep: 1, TotalSteps: 1, Percentage: 100})
	}

	return image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height)), nil
}

func (g *fakeGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, len(g.prompts))
	copy(out, g.prompts)
	return out
}

type fakeUpscaler struct {
	err error
}

func (u *fakeUpscaler) Run(_ context.Context, img image.Image) (image.Image, error) {
	if u.err != nil {
		return nil, u.err
	}

	b := img.Bounds()
	return image.NewNRGBA(image.Rect(0, 0, b.Dx()*2, b.Dy()*2)), nil
}

func createJob(t *testing.T, repo *jobrepo.Repository, id, prompt string) model.Job {
	t.Helper()

	j, created := repo.GetOrCreate(id, func() model.Job {
		return model.Job{
			TaskType: model.TaskTypeTextToImage,
			Params: model.Params{
				Prompt: prompt,
				Width:  32,
				Height: 32,
				Steps:  1,
			},
			Status:        model.StatusPending,
			OwnerClientID: "client-a",
			CreatedAt:     time.Now(),
		}
	})
	if !created {
		t.Fatalf("job %s already existed", id)
	}

	return j
}

func waitForStatus(t *testing.T, repo *jobrepo.Repository, id string, want model.Status) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, err := repo.Get(id); err == nil && j.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	j, _ := repo.Get(id)
	t.Fatalf("job %s status = %s, want %s", id, j.Status, want)
}

func TestSchedulerCompletesJob(t *testing.T) {
	repo := jobrepo.NewRepository()
	notify := newFakeNotifier()
	gen := newFakeGenerator()
	storage := newFakeStorage()
	cache := newFakeCache()

	s := New(context.Background(), 2, repo, notify, gen, &fakeUpscaler{}, storage, cache)

	j := createJob(t, repo, "job-1", "a cat")
	s.Enqueue(j)
	s.Wait()

	got, err := repo.Get("job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.Error)
	}
	if got.Result == nil || got.Result.Filename == "" || got.Result.Path == "" {
		t.Fatalf("incomplete result: %+v", got.Result)
	}
	if got.Result.UpscaledFilename == nil {
		t.Fatal("upscaled filename missing")
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	if storage.count() != 2 {
		t.Fatalf("stored %d artifacts, want base + upscaled", storage.count())
	}
	if res, ok := cache.get("job-1"); !ok || res.Filename != got.Result.Filename {
		t.Fatalf("result cache entry = %+v, ok = %v", res, ok)
	}

	want := []model.Status{model.StatusProcessing, model.StatusGenerated, model.StatusCompleted}
	events := notify.statusesFor("job-1")
	if len(events) != len(want) {
		t.Fatalf("status events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("status events = %v, want %v", events, want)
		}
	}

	if !notify.sawStage("upscaling") {
		t.Fatal("no upscaling progress event published")
	}
}

func TestSchedulerUpscaleSkipped(t *testing.T) {
	repo := jobrepo.NewRepository()
	notify := newFakeNotifier()
	storage := newFakeStorage()
	cache := newFakeCache()

	s := New(context.Background(), 1, repo, notify, newFakeGenerator(), &fakeUpscaler{err: pipeline.ErrUpscaleSkipped}, storage, cache)

	s.Enqueue(createJob(t, repo, "job-1", "a cat"))
	s.Wait()

	got, _ := repo.Get("job-1")
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Result == nil || got.Result.UpscaledFilename != nil {
		t.Fatalf("result = %+v, want base artifact only", got.Result)
	}
	if storage.count() != 1 {
		t.Fatalf("stored %d artifacts, want 1", storage.count())
	}
}

func TestSchedulerFailures(t *testing.T) {
	tests := []struct {
		name     string
		gen      *fakeGenerator
		upscaler *fakeUpscaler
		storage  *fakeStorage
		wantErr  string
	}{
		{
			name:     "generator error",
			gen:      &fakeGenerator{err: errors.New("oom")},
			upscaler: &fakeUpscaler{},
			storage:  newFakeStorage(),
			wantErr:  "generation failed",
		},
		{
			name:     "generator panic",
			gen:      &fakeGenerator{panic: true},
			upscaler: &fakeUpscaler{},
			storage:  newFakeStorage(),
			wantErr:  "pipeline panic",
		},
		{
			name:     "upscale error",
			gen:      newFakeGenerator(),
			upscaler: &fakeUpscaler{err: errors.New("oom")},
			storage:  newFakeStorage(),
			wantErr:  "upscaling failed",
		},
		{
			name:     "storage error",
			gen:      newFakeGenerator(),
			upscaler: &fakeUpscaler{},
			storage:  &fakeStorage{err: errors.New("disk full")},
			wantErr:  "failed to save image",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := jobrepo.NewRepository()
			notify := newFakeNotifier()
			cache := newFakeCache()

			s := New(context.Background(), 1, repo, notify, tc.gen, tc.upscaler, tc.storage, cache)
			s.Enqueue(createJob(t, repo, "job-1", "a cat"))
			s.Wait()

			got, _ := repo.Get("job-1")
			if got.Status != model.StatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if !strings.Contains(got.Error, tc.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", got.Error, tc.wantErr)
			}
			if got.CompletedAt == nil {
				t.Fatal("completed_at not set on failure")
			}
			if _, ok := cache.get("job-1"); ok {
				t.Fatal("failed job leaked into the result cache")
			}

			events := notify.statusesFor("job-1")
			if len(events) == 0 || events[len(events)-1] != model.StatusFailed {
				t.Fatalf("status events = %v, want failed last", events)
			}
		})
	}
}

func TestSchedulerAdmissionCeiling(t *testing.T) {
	const ceiling = 2

	repo := jobrepo.NewRepository()
	gen := newFakeGenerator()
	gen.gate = make(chan struct{}, 8)
	gen.release = make(chan struct{})

	s := New(context.Background(), ceiling, repo, newFakeNotifier(), gen, &fakeUpscaler{}, newFakeStorage(), newFakeCache())

	const total = 5
	for i := 0; i < total; i++ {
		s.Enqueue(createJob(t, repo, fmt.Sprintf("job-%d", i), fmt.Sprintf("prompt %d", i)))
	}

	// One job is parked inside the generator; the rest of the admitted batch
	// is blocked on the hardware mutex in the processing state. Everything
	// beyond the ceiling must still be pending.
	<-gen.gate

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending := 0
		processing := 0
		for i := 0; i < total; i++ {
			j, err := repo.Get(fmt.Sprintf("job-%d", i))
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			switch j.Status {
			case model.StatusPending:
				pending++
			case model.StatusProcessing:
				processing++
			}
		}

		if processing == ceiling && pending == total-ceiling {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("processing = %d, pending = %d; want %d processing, %d pending", processing, pending, ceiling, total-ceiling)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gen.release)
	for i := 1; i < total; i++ {
		<-gen.gate
	}
	s.Wait()

	for i := 0; i < total; i++ {
		id := fmt.Sprintf("job-%d", i)
		if j, _ := repo.Get(id); j.Status != model.StatusCompleted {
			t.Fatalf("job %s status = %s, want completed", id, j.Status)
		}
	}

	if max := gen.maxInFlight.Load(); max != 1 {
		t.Fatalf("generator ran %d pipelines concurrently, hardware is exclusive", max)
	}
}

func TestSchedulerCancelAtHardwareBoundary(t *testing.T) {
	repo := jobrepo.NewRepository()
	notify := newFakeNotifier()
	gen := newFakeGenerator()
	gen.gate = make(chan struct{}, 2)
	gen.release = make(chan struct{})

	s := New(context.Background(), 2, repo, notify, gen, &fakeUpscaler{}, newFakeStorage(), newFakeCache())

	s.Enqueue(createJob(t, repo, "job-a", "first"))
	// job-a is parked inside the exclusive section; job-b gets admitted and
	// blocks right before its cancellation boundary.
	<-gen.gate

	s.Enqueue(createJob(t, repo, "job-b", "second"))
	waitForStatus(t, repo, "job-b", model.StatusProcessing)

	if _, accepted, err := repo.RequestCancel("job-b"); err != nil || !accepted {
		t.Fatalf("RequestCancel(job-b) = accepted %v, err %v", accepted, err)
	}

	close(gen.release)
	s.Wait()

	if j, _ := repo.Get("job-a"); j.Status != model.StatusCompleted {
		t.Fatalf("job-a status = %s, want completed", j.Status)
	}

	jb, _ := repo.Get("job-b")
	if jb.Status != model.StatusCancelled {
		t.Fatalf("job-b status = %s, want cancelled", jb.Status)
	}
	if jb.Result != nil {
		t.Fatalf("cancelled job has a result: %+v", jb.Result)
	}

	// The pipeline never ran for the cancelled job.
	for _, prompt := range gen.calls() {
		if prompt == "second" {
			t.Fatal("generator ran for a job cancelled at the boundary")
		}
	}

	events := notify.statusesFor("job-b")
	if len(events) == 0 || events[len(events)-1] != model.StatusCancelled {
		t.Fatalf("job-b status events = %v, want cancelled last", events)
	}
}

func TestSchedulerCancelWhilePending(t *testing.T) {
	repo := jobrepo.NewRepository()
	gen := newFakeGenerator()
	gen.gate = make(chan struct{}, 2)
	gen.release = make(chan struct{})

	// Ceiling of one: the second job waits for admission while pending.
	s := New(context.Background(), 1, repo, newFakeNotifier(), gen, &fakeUpscaler{}, newFakeStorage(), newFakeCache())

	s.Enqueue(createJob(t, repo, "job-a", "first"))
	<-gen.gate

	s.Enqueue(createJob(t, repo, "job-b", "second"))

	j, accepted, err := repo.RequestCancel("job-b")
	if err != nil || !accepted {
		t.Fatalf("RequestCancel(job-b) = accepted %v, err %v", accepted, err)
	}
	if j.Status != model.StatusCancelled {
		t.Fatalf("pending job status after cancel = %s, want cancelled", j.Status)
	}

	close(gen.release)
	s.Wait()

	if j, _ := repo.Get("job-b"); j.Status != model.StatusCancelled {
		t.Fatalf("job-b status = %s, want cancelled", j.Status)
	}
	if calls := gen.calls(); len(calls) != 1 || calls[0] != "first" {
		t.Fatalf("generator calls = %v, want only the first job", calls)
	}
}

func TestSchedulerEncodesRealPNG(t *testing.T) {
	repo := jobrepo.NewRepository()
	storage := newFakeStorage()

	s := New(context.Background(), 1, repo, newFakeNotifier(), newFakeGenerator(), &fakeUpscaler{err: pipeline.ErrUpscaleSkipped}, storage, newFakeCache())
	s.Enqueue(createJob(t, repo, "job-1", "a cat"))
	s.Wait()

	storage.mu.Lock()
	defer storage.mu.Unlock()

	if len(storage.files) != 1 {
		t.Fatalf("stored %d artifacts, want 1", len(storage.files))
	}
	for name, data := range storage.files {
		if !strings.HasSuffix(name, ".png") {
			t.Fatalf("artifact name %q lacks .png suffix", name)
		}
		if !bytes.HasPrefix(data, []byte("\x89PNG")) {
			t.Fatalf("artifact %q is not a PNG", name)
		}
	}
}
