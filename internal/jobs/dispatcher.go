package jobs

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// HandlerFunc はワーカーが取り出したジョブIDを処理する関数です。
type HandlerFunc func(ctx context.Context, jobID string)

// Dispatcher はジョブIDのキューとワーカープールを提供します。
// 同時に実行されるハンドラ数はワーカー数を超えません。
type Dispatcher interface {
	Start(handle HandlerFunc)
	Enqueue(ctx context.Context, jobID string) error
	// Remove はまだ取り出されていないジョブをキューから取り除きます。
	Remove(ctx context.Context, jobID string) bool
	Shutdown()
}

// MemoryDispatcher はプロセス内の FIFO キューです。
type MemoryDispatcher struct {
	workers  int
	capacity int
	logger   hclog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryDispatcher は workers 個のワーカーを持つディスパッチャを作成します。
// capacity が 0 ならキューは無制限です。
func NewMemoryDispatcher(workers, capacity int, logger hclog.Logger) *MemoryDispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &MemoryDispatcher{
		workers:  workers,
		capacity: capacity,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start はワーカーを起動します。2回目以降の呼び出しは無視されます。
func (d *MemoryDispatcher) Start(handle HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(i, handle)
	}
	d.logger.Info("workers started", "count", d.workers, "capacity", d.capacity)
}

func (d *MemoryDispatcher) work(n int, handle HandlerFunc) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		id := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.logger.Debug("job dequeued", "worker", n, "job_id", id)
		handle(d.ctx, id)
	}
}

// Enqueue はジョブIDを末尾に追加します。
func (d *MemoryDispatcher) Enqueue(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShuttingDown
	}
	if d.capacity > 0 && len(d.queue) >= d.capacity {
		return ErrQueueFull
	}
	d.queue = append(d.queue, jobID)
	d.cond.Signal()
	return nil
}

// Remove はキュー内のジョブIDを取り除きます。
func (d *MemoryDispatcher) Remove(_ context.Context, jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, id := range d.queue {
		if id == jobID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Len は待機中のジョブ数を返します。
func (d *MemoryDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Shutdown は実行中のハンドラにキャンセルを伝え、全ワーカーの終了を待ちます。
func (d *MemoryDispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
