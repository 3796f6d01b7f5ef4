package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hibiken/asynq"
)

const (
	taskTypeCompress = "video:compress"
	queueCompress    = "compress"
)

// TaskPayload は圧縮ジョブのタスクペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqDispatcher は Redis 上の Asynq キューでジョブを配送します。
// ジョブ本体はマネージャーが保持し、キューにはIDだけを載せます。
type AsynqDispatcher struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	capacity  int
	logger    hclog.Logger
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(redisURL string, workers, capacity int, logger hclog.Logger) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: workers,
			Queues: map[string]int{
				queueCompress: 1,
			},
			StrictPriority:  true,
			ShutdownTimeout: 15 * time.Second,
			Logger:          asynqLogger{logger.Named("asynq")},
		},
	)

	return &AsynqDispatcher{
		client:    asynq.NewClient(opt),
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
		capacity:  capacity,
		logger:    logger,
	}, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start(handle HandlerFunc) {
	d.mux.HandleFunc(taskTypeCompress, func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			// 再試行しても解決しないためスキップする
			return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		handle(ctx, payload.JobID)
		return nil
	})

	go func() {
		if err := d.server.Run(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			d.logger.Error("asynq server stopped with error", "error", err)
		}
	}()
}

// Enqueue はジョブIDをキューに投入します。タスクIDにはジョブIDを使います。
func (d *AsynqDispatcher) Enqueue(ctx context.Context, jobID string) error {
	if d.capacity > 0 {
		info, err := d.inspector.GetQueueInfo(queueCompress)
		switch {
		case err != nil:
			d.logger.Warn("queue capacity check skipped", "queue", queueCompress, "error", err)
		case info.Pending >= d.capacity:
			return ErrQueueFull
		}
	}

	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeCompress, body,
		asynq.Queue(queueCompress),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
	)
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Remove は待機中のタスクを削除します。
func (d *AsynqDispatcher) Remove(_ context.Context, jobID string) bool {
	if err := d.inspector.DeleteTask(queueCompress, jobID); err != nil {
		d.logger.Debug("task not removed from queue", "job_id", jobID, "error", err)
		return false
	}
	return true
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown() {
	d.server.Shutdown()
	if err := d.client.Close(); err != nil {
		d.logger.Warn("failed to close asynq client", "error", err)
	}
	if err := d.inspector.Close(); err != nil {
		d.logger.Warn("failed to close asynq inspector", "error", err)
	}
}

// asynqLogger は hclog を asynq.Logger として使うためのアダプタです。
type asynqLogger struct {
	l hclog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
