package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/encoder"
)

const inputBytes = 1000

type fakeProcess struct {
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	result     encoder.Result
}

func (p *fakeProcess) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancelCh) })
	<-p.done
}

func (p *fakeProcess) Wait() encoder.Result {
	<-p.done
	return p.result
}

type fakeRunner struct {
	lines       []string
	exitCode    int
	hold        time.Duration
	block       bool
	outputBytes int
	spawnErr    error
	panicOnRun  bool

	release chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	calls     [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputBytes: 250, release: make(chan struct{})}
}

func (r *fakeRunner) Start(ctx context.Context, binary string, args []string, onLine func(string)) (Process, error) {
	r.mu.Lock()
	panicking := r.panicOnRun
	r.mu.Unlock()
	if panicking {
		panic("runner exploded")
	}
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}

	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.mu.Unlock()

	p := &fakeProcess{cancelCh: make(chan struct{}), done: make(chan struct{})}
	output := args[len(args)-1]

	go func() {
		for _, line := range r.lines {
			onLine(line)
		}

		cancelled := false
		if r.block {
			select {
			case <-p.cancelCh:
				cancelled = true
			case <-r.release:
			}
		} else if r.hold > 0 {
			select {
			case <-p.cancelCh:
				cancelled = true
			case <-time.After(r.hold):
			}
		}

		res := encoder.Result{ExitCode: r.exitCode, StderrTail: append([]string(nil), r.lines...)}
		if cancelled {
			res = encoder.Result{ExitCode: -1, Cancelled: true}
		}
		if !cancelled {
			_ = os.WriteFile(output, make([]byte, r.outputBytes), 0o644)
		}

		r.mu.Lock()
		r.active--
		r.mu.Unlock()

		p.result = res
		close(p.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Cancel()
		case <-p.done:
		}
	}()
	return p, nil
}

func (r *fakeRunner) startedWith(output string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, args := range r.calls {
		if args[len(args)-1] == output {
			return true
		}
	}
	return false
}

type proberFunc func(ctx context.Context, path string) (float64, error)

func (f proberFunc) Duration(ctx context.Context, path string) (float64, error) {
	return f(ctx, path)
}

type recordingSink struct {
	mu        sync.Mutex
	records   []Job
	forgotten []string
}

func (s *recordingSink) Record(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, job)
	return nil
}

func (s *recordingSink) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, id)
	return nil
}

func (s *recordingSink) history(id string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.records {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

// stalledSink は ctx が終了するまで応答しない保存先です。
type stalledSink struct{}

func (stalledSink) Record(ctx context.Context, _ Job) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledSink) Forget(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

type testEnv struct {
	manager *Manager
	runner  *fakeRunner
	sink    *recordingSink
	dir     string
}

func newTestEnv(t *testing.T, runner *fakeRunner, workers, capacity int, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	sink := &recordingSink{}

	opts := Options{
		FFmpegPath: "ffmpeg",
		OutputDir:  filepath.Join(dir, "out"),
		CancelWait: 2 * time.Second,
		Runner:     runner,
		Prober: proberFunc(func(context.Context, string) (float64, error) {
			return 10, nil
		}),
		Dispatcher: NewMemoryDispatcher(workers, capacity, nil),
		Sinks:      []Sink{sink},
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	m, err := NewManager(opts)
	require.NoError(t, err)
	m.StartWorkers()
	t.Cleanup(func() {
		select {
		case <-runner.release:
		default:
			close(runner.release)
		}
		_ = m.Shutdown(context.Background())
	})
	return &testEnv{manager: m, runner: runner, sink: sink, dir: dir}
}

func (env *testEnv) input(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(env.dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, inputBytes), 0o644))
	return path
}

func (env *testEnv) submit(t *testing.T, name string) string {
	t.Helper()
	id, err := env.manager.Submit(context.Background(), SubmitRequest{
		InputPath: env.input(t, name),
		Settings:  compress.DefaultSettings(),
	})
	require.NoError(t, err)
	return id
}

func (env *testEnv) waitStatus(t *testing.T, id string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = env.manager.Status(id)
		return err == nil && job.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestSubmitThenStatusIsNotTerminal(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 0)

	for i := 0; i < 5; i++ {
		id := env.submit(t, "clip.mp4")
		job, err := env.manager.Status(id)
		require.NoError(t, err)
		assert.Contains(t, []Status{StatusQueued, StatusProcessing}, job.Status)
		assert.Nil(t, job.Output)
		assert.NotEmpty(t, job.Destination)
	}
}

func TestJobCompletesWithStats(t *testing.T) {
	runner := newFakeRunner()
	runner.lines = []string{"time=00:00:05.00", "time=00:00:10.00"}
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	job := env.waitStatus(t, id, StatusCompleted)

	require.NotNil(t, job.Output)
	assert.Equal(t, "compressed_clip.mp4", job.Output.Filename)
	assert.Equal(t, int64(250), job.Output.Size)
	assert.InDelta(t, 4.0, job.Output.Stats.Ratio, 1e-9)
	assert.InDelta(t, 75.0, job.Output.Stats.PercentReduction, 1e-9)
	assert.Equal(t, compress.ModeTargetSize, job.Mode)

	want, err := compress.Plan(30, 10, 128)
	require.NoError(t, err)
	assert.Equal(t, want, job.PlannedVideoKbps)
	assert.Equal(t, 100.0, job.Progress.Percent)
	assert.Nil(t, job.Error)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.FileExists(t, job.Output.Path)
}

func TestQualityModeWhenDurationUnknown(t *testing.T) {
	runner := newFakeRunner()
	env := newTestEnv(t, runner, 1, 0, func(o *Options) {
		o.Prober = proberFunc(func(context.Context, string) (float64, error) {
			return 0, errors.New("no duration")
		})
	})

	id := env.submit(t, "clip.mov")
	job := env.waitStatus(t, id, StatusCompleted)

	assert.Equal(t, compress.ModeQuality, job.Mode)
	assert.Zero(t, job.PlannedVideoKbps)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.calls, 1)
	assert.NotContains(t, runner.calls[0], "-maxrate")
}

func TestCancelQueuedJobNeverProcesses(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 0)

	first := env.submit(t, "a.mp4")
	env.waitStatus(t, first, StatusProcessing)
	second := env.submit(t, "b.mp4")

	outcome, err := env.manager.Cancel(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, CancelOutcomeCancelled, outcome)

	job, err := env.manager.Status(second)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Nil(t, job.StartedAt)

	close(runner.release)
	env.waitStatus(t, first, StatusCompleted)
	require.NoError(t, env.manager.Shutdown(context.Background()))

	assert.False(t, runner.startedWith(job.Destination))
	for _, snap := range env.sink.history(second) {
		assert.NotEqual(t, StatusProcessing, snap.Status)
	}
}

func TestCancelProcessingJob(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	env.waitStatus(t, id, StatusProcessing)
	require.Eventually(t, func() bool { return runner.startedWith(mustStatus(t, env.manager, id).Destination) },
		2*time.Second, 5*time.Millisecond)

	started := time.Now()
	outcome, err := env.manager.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, CancelOutcomeCancelled, outcome)
	assert.Less(t, time.Since(started), 2*time.Second)

	job := mustStatus(t, env.manager, id)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Nil(t, job.Output)
	assert.NoFileExists(t, job.Destination)
}

func TestCancelTerminalJobIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	before := env.waitStatus(t, id, StatusCompleted)

	for i := 0; i < 3; i++ {
		outcome, err := env.manager.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, CancelOutcomeAlreadyFinished, outcome)
	}
	assert.Equal(t, before, mustStatus(t, env.manager, id))
}

func TestUnknownJobIsNotFound(t *testing.T) {
	env := newTestEnv(t, newFakeRunner(), 1, 0)

	_, err := env.manager.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.manager.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, env.manager.Remove(context.Background(), "missing"), ErrNotFound)
}

func TestProgressIsMonotonic(t *testing.T) {
	runner := newFakeRunner()
	runner.lines = []string{
		"time=00:00:02.00",
		"time=00:00:05.00",
		"time=00:00:03.00",
		"not a progress line",
		"time=00:00:08.00",
		"time=N/A",
		"time=00:00:10.00",
	}
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	env.waitStatus(t, id, StatusCompleted)
	require.NoError(t, env.manager.Shutdown(context.Background()))

	last := -1.0
	var seen []float64
	for _, snap := range env.sink.history(id) {
		if snap.Status != StatusProcessing {
			continue
		}
		assert.GreaterOrEqual(t, snap.Progress.Percent, last)
		last = snap.Progress.Percent
		seen = append(seen, last)
	}
	assert.Contains(t, seen, 50.0)
	assert.NotContains(t, seen, 30.0)
}

func TestWorkerPoolBound(t *testing.T) {
	runner := newFakeRunner()
	runner.hold = 30 * time.Millisecond
	env := newTestEnv(t, runner, 2, 0)

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, env.submit(t, "clip.mp4"))
	}
	for _, id := range ids {
		env.waitStatus(t, id, StatusCompleted)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.maxActive, 2)
	assert.Len(t, runner.calls, 6)
}

func TestStalledSinkDoesNotBlockSubmit(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	healthy := &recordingSink{}
	env := newTestEnv(t, runner, 1, 0, func(o *Options) {
		o.Sinks = []Sink{stalledSink{}, healthy}
	})

	const total = 300
	input := env.input(t, "clip.mp4")
	ids := make(chan string, total)
	go func() {
		defer close(ids)
		for i := 0; i < total; i++ {
			id, err := env.manager.Submit(context.Background(), SubmitRequest{
				InputPath: input,
				Settings:  compress.DefaultSettings(),
			})
			if err != nil {
				return
			}
			ids <- id
		}
	}()

	var submitted []string
	deadline := time.After(3 * time.Second)
collect:
	for {
		select {
		case id, ok := <-ids:
			if !ok {
				break collect
			}
			submitted = append(submitted, id)
		case <-deadline:
			t.Fatalf("only %d of %d submits returned", len(submitted), total)
		}
	}
	require.Len(t, submitted, total)

	// 他の保存先は止まった保存先に引きずられない
	require.Eventually(t, func() bool {
		return len(healthy.history(submitted[total-1])) > 0
	}, 3*time.Second, 10*time.Millisecond)

	first := env.waitStatus(t, submitted[0], StatusProcessing)
	outcome, err := env.manager.Cancel(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, CancelOutcomeCancelling, outcome)
	env.waitStatus(t, first.ID, StatusCancelled)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	started := time.Now()
	err = env.manager.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestSpawnFailureMarksEncoderUnavailable(t *testing.T) {
	runner := newFakeRunner()
	runner.spawnErr = &encoder.SpawnError{Binary: "ffmpeg", Err: os.ErrNotExist}
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	job := env.waitStatus(t, id, StatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeEncoderUnavailable, job.Error.Code)
}

func TestEncodeFailureKeepsStderrTail(t *testing.T) {
	runner := newFakeRunner()
	runner.exitCode = 1
	runner.lines = []string{"Input #0, mov", "Conversion failed!"}
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	job := env.waitStatus(t, id, StatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeEncodeFailed, job.Error.Code)
	assert.Contains(t, job.Error.Message, "exit code 1")
	assert.Contains(t, job.Error.Message, "Conversion failed!")
	assert.Equal(t, []string{"Input #0, mov", "Conversion failed!"}, job.StderrTail)
	assert.Nil(t, job.Output)
	assert.NoFileExists(t, job.Destination)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, newFakeRunner(), 1, 0)

	bad := compress.DefaultSettings()
	bad.CRF = 99
	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		InputPath: env.input(t, "clip.mp4"),
		Settings:  bad,
	})
	assert.True(t, compress.IsInvalidInput(err), "err = %v", err)

	_, err = env.manager.Submit(context.Background(), SubmitRequest{
		InputPath: filepath.Join(env.dir, "missing.mp4"),
		Settings:  compress.DefaultSettings(),
	})
	assert.True(t, compress.IsInvalidInput(err), "err = %v", err)

	assert.Empty(t, env.manager.List())
}

func TestBoundedQueueRejects(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 1)

	first := env.submit(t, "a.mp4")
	env.waitStatus(t, first, StatusProcessing)
	env.submit(t, "b.mp4")

	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		InputPath: env.input(t, "c.mp4"),
		Settings:  compress.DefaultSettings(),
	})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, env.manager.List(), 2)
}

func TestListNewestFirst(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 0)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	var mu sync.Mutex
	env.manager.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	a := env.submit(t, "a.mp4")
	env.waitStatus(t, a, StatusProcessing)
	require.Eventually(t, func() bool { return runner.startedWith(mustStatus(t, env.manager, a).Destination) },
		2*time.Second, 5*time.Millisecond)
	b := env.submit(t, "b.mp4")
	c := env.submit(t, "c.mp4")

	list := env.manager.List()
	require.Len(t, list, 3)
	assert.Equal(t, c, list[0].ID)
	assert.Equal(t, b, list[1].ID)
	assert.Equal(t, a, list[2].ID)
}

func TestRemoveJob(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 0)

	input := env.input(t, "upload.mp4")
	id, err := env.manager.Submit(context.Background(), SubmitRequest{
		InputPath: input,
		Settings:  compress.DefaultSettings(),
		Ephemeral: true,
	})
	require.NoError(t, err)
	env.waitStatus(t, id, StatusProcessing)
	assert.ErrorIs(t, env.manager.Remove(context.Background(), id), ErrJobActive)

	close(runner.release)
	job := env.waitStatus(t, id, StatusCompleted)

	require.NoError(t, env.manager.Remove(context.Background(), id))
	_, err = env.manager.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, input)
	assert.NoFileExists(t, job.Output.Path)

	require.NoError(t, env.manager.Shutdown(context.Background()))
	assert.Contains(t, env.sink.forgotten, id)
}

func TestRetentionEvictsExpiredJobs(t *testing.T) {
	runner := newFakeRunner()
	env := newTestEnv(t, runner, 1, 0, func(o *Options) {
		o.Retention = time.Hour
	})

	id := env.submit(t, "clip.mp4")
	env.waitStatus(t, id, StatusCompleted)

	assert.Zero(t, env.manager.evictExpired())

	env.manager.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	assert.Equal(t, 1, env.manager.evictExpired())
	_, err := env.manager.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

type memorySnapshotStore struct {
	recordingSink
	saved []Job
}

func (s *memorySnapshotStore) List(context.Context) ([]Job, error) {
	return s.saved, nil
}

func TestRecoverMarksUnfinishedJobsInterrupted(t *testing.T) {
	now := time.Now().UTC()
	store := &memorySnapshotStore{saved: []Job{
		{ID: "done", Status: StatusCompleted, CreatedAt: now, UpdatedAt: now},
		{ID: "running", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now},
	}}
	env := newTestEnv(t, newFakeRunner(), 1, 0, func(o *Options) {
		o.Store = store
	})

	n, err := env.manager.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done := mustStatus(t, env.manager, "done")
	assert.Equal(t, StatusCompleted, done.Status)

	running := mustStatus(t, env.manager, "running")
	assert.Equal(t, StatusFailed, running.Status)
	require.NotNil(t, running.Error)
	assert.Equal(t, CodeInterrupted, running.Error.Code)

	outcome, err := env.manager.Cancel(context.Background(), "running")
	require.NoError(t, err)
	assert.Equal(t, CancelOutcomeAlreadyFinished, outcome)

	require.NoError(t, env.manager.Shutdown(context.Background()))
	saved := store.history("running")
	require.NotEmpty(t, saved)
	assert.Equal(t, StatusFailed, saved[len(saved)-1].Status)
}

func TestPanicIsContainedToJob(t *testing.T) {
	runner := newFakeRunner()
	runner.panicOnRun = true
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	job := env.waitStatus(t, id, StatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeInternal, job.Error.Code)

	runner.mu.Lock()
	runner.panicOnRun = false
	runner.mu.Unlock()

	next := env.submit(t, "clip.mp4")
	env.waitStatus(t, next, StatusCompleted)
}

func TestShutdownInterruptsRunningJob(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	env := newTestEnv(t, runner, 1, 0)

	id := env.submit(t, "clip.mp4")
	env.waitStatus(t, id, StatusProcessing)

	require.NoError(t, env.manager.Shutdown(context.Background()))

	job := mustStatus(t, env.manager, id)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeInterrupted, job.Error.Code)

	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		InputPath: env.input(t, "late.mp4"),
		Settings:  compress.DefaultSettings(),
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEncodeFailureMessage(t *testing.T) {
	msg := encodeFailureMessage(encoder.Result{ExitCode: 2, StderrTail: []string{"a", "  broken pipe  "}})
	assert.True(t, strings.HasSuffix(msg, ": broken pipe"), msg)
}

func mustStatus(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	job, err := m.Status(id)
	require.NoError(t, err)
	return job
}
