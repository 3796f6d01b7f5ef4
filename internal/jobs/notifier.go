package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	// 1つの Sink に溜められる進捗通知の上限。状態遷移には上限を設けない
	progressBacklog = 256
	notifyTimeout   = 5 * time.Second
	// close に期限のない ctx が渡されたときの書き出し待ちの上限
	drainTimeout = 10 * time.Second
)

type notification struct {
	job      Job
	jobID    string
	forget   bool
	progress bool
}

// sinkQueue は1つの Sink 専用の送信待ち行列です。
type sinkQueue struct {
	sink Sink

	mu       sync.Mutex
	pending  []notification
	progress int
	closed   bool
	wake     chan struct{}
}

// notifier は Sink ごとの goroutine で通知を順番に書き込みます。
// 送信側はキューに積むだけで、外部の保存先の応答を待ちません。
type notifier struct {
	queues []*sinkQueue
	logger hclog.Logger

	ctx   context.Context
	abort context.CancelFunc
	wg    sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

func newNotifier(sinks []Sink, logger hclog.Logger) *notifier {
	ctx, abort := context.WithCancel(context.Background())
	n := &notifier{
		logger: logger,
		ctx:    ctx,
		abort:  abort,
		done:   make(chan struct{}),
	}
	for _, sink := range sinks {
		q := &sinkQueue{sink: sink, wake: make(chan struct{}, 1)}
		n.queues = append(n.queues, q)
		n.wg.Add(1)
		go n.loop(q)
	}
	go func() {
		n.wg.Wait()
		close(n.done)
	}()
	return n
}

func (n *notifier) loop(q *sinkQueue) {
	defer n.wg.Done()
	for {
		q.mu.Lock()
		batch := q.pending
		closed := q.closed
		q.pending = nil
		q.progress = 0
		q.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.wake
			continue
		}
		for i, msg := range batch {
			if n.ctx.Err() != nil {
				n.logger.Warn("discarding job notifications", "count", len(batch)-i)
				return
			}
			n.deliver(q.sink, msg)
		}
	}
}

func (n *notifier) deliver(sink Sink, msg notification) {
	ctx, cancel := context.WithTimeout(n.ctx, notifyTimeout)
	defer cancel()
	var err error
	if msg.forget {
		err = sink.Forget(ctx, msg.jobID)
	} else {
		err = sink.Record(ctx, msg.job)
	}
	if err != nil {
		n.logger.Warn("job sink failed", "job_id", msg.jobID, "error", err)
	}
}

// record は状態遷移を送ります。must が false の場合 (進捗更新) は溜まりすぎていれば捨てます。
func (n *notifier) record(job Job, must bool) {
	n.send(notification{job: job, jobID: job.ID, progress: !must})
}

func (n *notifier) forget(jobID string) {
	n.send(notification{jobID: jobID, forget: true})
}

func (n *notifier) send(msg notification) {
	for _, q := range n.queues {
		if !q.push(msg) {
			n.logger.Debug("dropping progress notification", "job_id", msg.jobID)
		}
	}
}

func (q *sinkQueue) push(msg notification) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	if msg.progress {
		if q.progress >= progressBacklog {
			q.mu.Unlock()
			return false
		}
		q.progress++
	}
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// close は残りの通知を書き終えるか ctx が終了するまで待ちます。
// 待ちきれなかった場合は書き込み中の呼び出しを中断し、残りを捨てます。
func (n *notifier) close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		for _, q := range n.queues {
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			select {
			case q.wake <- struct{}{}:
			default:
			}
		}
	})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, drainTimeout)
		defer cancel()
	}

	select {
	case <-n.done:
		n.abort()
		return nil
	case <-ctx.Done():
		n.abort()
		return ctx.Err()
	}
}
