package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	redis "github.com/redis/go-redis/v9"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/config"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/encoder"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/events"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/history"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

// jobStack はジョブマネージャーと、停止時に閉じる必要がある周辺の接続です。
type jobStack struct {
	manager *jobs.Manager
	history *history.Store
	closers []func() error
}

func (s *jobStack) close(ctx context.Context, logger hclog.Logger) {
	if err := s.manager.Shutdown(ctx); err != nil {
		logger.Warn("job manager shutdown incomplete", "error", err)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("failed to close resource", "error", err)
		}
	}
}

func setupJobs(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*jobStack, error) {
	stack := &jobStack{}
	fail := func(err error) (*jobStack, error) {
		for i := len(stack.closers) - 1; i >= 0; i-- {
			_ = stack.closers[i]()
		}
		return nil, err
	}

	var dispatcher jobs.Dispatcher
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		d, err := jobs.NewAsynqDispatcher(cfg.QueueRedisURL, cfg.WorkerCount, cfg.QueueCapacity, logger)
		if err != nil {
			return fail(err)
		}
		dispatcher = d
	default:
		dispatcher = jobs.NewMemoryDispatcher(cfg.WorkerCount, cfg.QueueCapacity, logger)
	}

	var store jobs.SnapshotStore
	if cfg.JobStoreRedisURL != "" {
		opt, err := redis.ParseURL(cfg.JobStoreRedisURL)
		if err != nil {
			return fail(fmt.Errorf("invalid JOB_STORE_REDIS_URL: %w", err))
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("failed to connect job store redis: %w", err))
		}
		stack.closers = append(stack.closers, rdb.Close)
		ttl := cfg.JobRetention
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		store = jobs.NewRedisStore(rdb, ttl)
	}

	var sinks []jobs.Sink
	if cfg.HistoryDBPath != "" {
		h, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			return fail(err)
		}
		stack.history = h
		stack.closers = append(stack.closers, h.Close)
		sinks = append(sinks, h)
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		stack.closers = append(stack.closers, pub.Close)
		sinks = append(sinks, pub)
		logger.Info("publishing job events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	manager, err := jobs.NewManager(jobs.Options{
		FFmpegPath: cfg.FFmpegPath,
		OutputDir:  cfg.OutputDir,
		Retention:  cfg.JobRetention,
		CancelWait: cfg.CancelGrace + 5*time.Second,
		Runner:     jobs.EncoderRunner{Runner: encoder.NewRunner(cfg.CancelGrace, cfg.StderrTailLines, logger.Named("encoder"))},
		Prober:     compress.NewProber(cfg.FFprobePath),
		Dispatcher: dispatcher,
		Store:      store,
		Sinks:      sinks,
		Logger:     logger.Named("jobs"),
	})
	if err != nil {
		return fail(err)
	}
	stack.manager = manager

	if n, err := manager.Recover(ctx); err != nil {
		logger.Warn("failed to recover jobs", "error", err)
	} else if n > 0 {
		logger.Info("recovered jobs from store", "count", n)
	}
	manager.StartWorkers()
	return stack, nil
}
