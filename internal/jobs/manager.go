// Package jobs はジョブテーブル、ワーカープール、状態遷移を管理します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
)

const (
	defaultCancelWait   = 10 * time.Second
	minJanitorInterval  = 10 * time.Second
	maxJanitorInterval  = 5 * time.Minute
	progressNotifyDelta = 1.0
)

// Options は Manager の依存関係と設定です。
type Options struct {
	FFmpegPath string
	OutputDir  string
	// Retention を過ぎた終了済みジョブは自動的に削除されます。0 なら削除しません。
	Retention time.Duration
	// CancelWait は Cancel が終了確認を待つ最大時間です。
	CancelWait time.Duration

	Runner     Runner
	Prober     Prober
	Dispatcher Dispatcher
	Store      SnapshotStore
	Sinks      []Sink
	Logger     hclog.Logger
}

type entry struct {
	mu              sync.Mutex
	job             Job
	proc            Process
	abort           context.CancelFunc
	cancelRequested bool
	lastNotified    float64
	done            chan struct{}
}

func (e *entry) snapshot() Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	opts       Options
	runner     Runner
	prober     Prober
	dispatcher Dispatcher
	store      SnapshotStore
	notifier   *notifier
	logger     hclog.Logger

	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool

	ctx      context.Context
	stop     context.CancelFunc
	bg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	shutdown sync.Once

	now   func() time.Time
	newID func() string
}

// NewManager は Manager を初期化します。
func NewManager(opts Options) (*Manager, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is nil")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "compressed"
	}
	if opts.CancelWait <= 0 {
		opts.CancelWait = defaultCancelWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	sinks := append([]Sink(nil), opts.Sinks...)
	if opts.Store != nil {
		sinks = append([]Sink{opts.Store}, sinks...)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		runner:     opts.Runner,
		prober:     opts.Prober,
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		notifier:   newNotifier(sinks, logger.Named("sink")),
		logger:     logger,
		jobs:       make(map[string]*entry),
		ctx:        ctx,
		stop:       stop,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}, nil
}

// StartWorkers はワーカーと保持期限の掃除をバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.dispatcher.Start(m.runJob)

	if m.opts.Retention > 0 {
		m.bg.Add(1)
		go m.janitor()
	}
}

// Shutdown は新規投入を止め、実行中のエンコードを中断してワーカーの終了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.stop()
		m.dispatcher.Shutdown()
		m.bg.Wait()
		err = m.notifier.close(ctx)
	})
	return err
}

// Submit は設定を検証し、ジョブを queued で作成してキューに投入します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.Settings.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.InputPath) == "" {
		return "", compress.InvalidInput("入力ファイルを指定してください")
	}
	info, err := os.Stat(req.InputPath)
	if err != nil {
		return "", compress.InvalidInput("入力ファイルを読み込めません: %s", filepath.Base(req.InputPath))
	}
	if info.IsDir() {
		return "", compress.InvalidInput("入力がディレクトリです: %s", filepath.Base(req.InputPath))
	}

	name := req.OriginalName
	if name == "" {
		name = filepath.Base(req.InputPath)
	}
	id := m.newID()
	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(m.opts.OutputDir, id+"_"+compress.OutputFilename(name, req.Settings.Codec))
	}

	now := m.now()
	e := &entry{
		job: Job{
			ID: id,
			Input: InputInfo{
				Path:     req.InputPath,
				Filename: name,
				Size:     info.Size(),
			},
			Settings:    req.Settings,
			Status:      StatusQueued,
			Progress:    ProgressInfo{Percent: 0, Stage: "queued"},
			Destination: outputPath,
			Ephemeral:   req.Ephemeral,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	m.jobs[id] = e
	m.mu.Unlock()

	m.notifier.record(e.snapshot(), true)
	if err := m.dispatcher.Enqueue(ctx, id); err != nil {
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		m.notifier.forget(id)
		return "", err
	}

	m.logger.Info("job queued", "job_id", id, "input", name, "codec", req.Settings.Codec, "target_mb", req.Settings.TargetSizeMB)
	return id, nil
}

// Status はジョブのスナップショットを返します。
func (m *Manager) Status(id string) (Job, error) {
	e := m.lookup(id)
	if e == nil {
		return Job{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// List は全ジョブを更新日時の新しい順で返します。
func (m *Manager) List() []Job {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel はジョブをキャンセルします。
// queued なら即座に cancelled へ、processing ならプロセスを停止して終了を待ちます。
// 終了済みのジョブには何もせず CancelOutcomeAlreadyFinished を返します。
func (m *Manager) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	e := m.lookup(id)
	if e == nil {
		return "", ErrNotFound
	}

	e.mu.Lock()
	switch e.job.Status {
	case StatusQueued:
		m.finishLocked(e, func(job *Job) {
			job.Status = StatusCancelled
			job.Progress.Stage = "cancelled"
		})
		snap := e.job
		e.mu.Unlock()

		m.dispatcher.Remove(ctx, id)
		m.notifier.record(snap, true)
		m.logger.Info("queued job cancelled", "job_id", id)
		return CancelOutcomeCancelled, nil

	case StatusProcessing:
		e.cancelRequested = true
		e.job.Progress.Stage = "cancelling"
		e.job.UpdatedAt = m.now()
		abort, proc := e.abort, e.proc
		e.mu.Unlock()

		m.logger.Info("cancelling running job", "job_id", id)
		if abort != nil {
			abort()
		}
		if proc != nil {
			proc.Cancel()
		}

		timer := time.NewTimer(m.opts.CancelWait)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
		case <-ctx.Done():
		}
		if e.snapshot().Status == StatusCancelled {
			return CancelOutcomeCancelled, nil
		}
		return CancelOutcomeCancelling, nil

	default:
		e.mu.Unlock()
		return CancelOutcomeAlreadyFinished, nil
	}
}

// Remove は終了済みのジョブを一覧から削除します。一時ファイルのジョブは入出力ファイルも消します。
func (m *Manager) Remove(ctx context.Context, id string) error {
	e := m.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	job := e.snapshot()
	if !job.Status.IsTerminal() {
		return ErrJobActive
	}
	m.evict(job)
	return nil
}

// Recover は保存先から前回のジョブを読み込みます。
// 未完了だったジョブは INTERRUPTED で failed として復元されます。
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	saved, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load saved jobs: %w", err)
	}

	restored := 0
	for _, job := range saved {
		if job.ID == "" {
			continue
		}
		if !job.Status.IsTerminal() {
			now := m.now()
			job.Status = StatusFailed
			job.Error = &ErrorInfo{
				Code:    CodeInterrupted,
				Message: "サーバーの再起動によりジョブが中断されました",
			}
			job.Progress.Stage = "interrupted"
			job.UpdatedAt = now
			job.FinishedAt = &now
			m.notifier.record(job, true)
		}

		e := &entry{job: job, done: make(chan struct{})}
		close(e.done)

		m.mu.Lock()
		if _, exists := m.jobs[job.ID]; !exists {
			m.jobs[job.ID] = e
			restored++
		}
		m.mu.Unlock()
	}
	if restored > 0 {
		m.logger.Info("jobs restored", "count", restored)
	}
	return restored, nil
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// finishLocked は終了状態へ遷移させます。e.mu を保持した状態で呼び出します。
func (m *Manager) finishLocked(e *entry, mutate func(*Job)) bool {
	if e.job.Status.IsTerminal() {
		return false
	}
	mutate(&e.job)
	now := m.now()
	e.job.UpdatedAt = now
	e.job.FinishedAt = &now
	e.proc = nil
	e.abort = nil
	close(e.done)
	return true
}

func (m *Manager) evict(job Job) {
	m.mu.Lock()
	delete(m.jobs, job.ID)
	m.mu.Unlock()

	if job.Ephemeral {
		removeFile(m.logger, job.Input.Path)
		if job.Output != nil {
			removeFile(m.logger, job.Output.Path)
		}
	}
	m.notifier.forget(job.ID)
	m.logger.Debug("job removed", "job_id", job.ID)
}

func (m *Manager) janitor() {
	defer m.bg.Done()

	interval := m.opts.Retention / 4
	if interval < minJanitorInterval {
		interval = minJanitorInterval
	}
	if interval > maxJanitorInterval {
		interval = maxJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

// evictExpired は保持期限を過ぎた終了済みジョブを削除し、その件数を返します。
func (m *Manager) evictExpired() int {
	if m.opts.Retention <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.Retention)

	var expired []Job
	for _, job := range m.List() {
		if !job.Status.IsTerminal() || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			expired = append(expired, job)
		}
	}
	for _, job := range expired {
		m.evict(job)
	}
	if len(expired) > 0 {
		m.logger.Info("expired jobs removed", "count", len(expired))
	}
	return len(expired)
}

func removeFile(logger hclog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove file", "path", path, "error", err)
	}
}
