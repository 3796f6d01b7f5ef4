package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/encoder"
)

// Process は実行中のエンコーダです。
type Process interface {
	Cancel()
	Wait() encoder.Result
}

// Runner はエンコーダプロセスを起動します。
type Runner interface {
	Start(ctx context.Context, binary string, args []string, onLine func(string)) (Process, error)
}

// Prober は入力動画の再生時間 (秒) を返します。
type Prober interface {
	Duration(ctx context.Context, inputPath string) (float64, error)
}

// EncoderRunner は encoder.Runner を Runner として使うためのアダプタです。
type EncoderRunner struct {
	*encoder.Runner
}

// Start は encoder.Runner.Start を呼び出します。
func (r EncoderRunner) Start(ctx context.Context, binary string, args []string, onLine func(string)) (Process, error) {
	h, err := r.Runner.Start(ctx, binary, args, onLine)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// runJob はワーカーから呼ばれ、1件のジョブを終了状態まで進めます。
// どのような失敗もジョブの状態に反映し、ワーカーには伝播させません。
func (m *Manager) runJob(ctx context.Context, id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	if !m.claim(e, cancel) {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("panic while processing job", "job_id", id, "panic", rec)
			m.fail(e, CodeInternal, fmt.Sprintf("内部エラーが発生しました: %v", rec), nil)
		}
	}()

	m.execute(jobCtx, e)
}

// claim は queued のジョブを processing にします。既にキャンセルされていれば false を返します。
func (m *Manager) claim(e *entry, abort context.CancelFunc) bool {
	e.mu.Lock()
	if e.job.Status != StatusQueued {
		e.mu.Unlock()
		return false
	}
	now := m.now()
	e.job.Status = StatusProcessing
	e.job.Progress = ProgressInfo{Percent: 0, Stage: "probing"}
	e.job.StartedAt = &now
	e.job.UpdatedAt = now
	e.abort = abort
	snap := e.job
	e.mu.Unlock()

	m.notifier.record(snap, true)
	m.logger.Info("job started", "job_id", snap.ID, "input", snap.Input.Filename)
	return true
}

func (m *Manager) execute(ctx context.Context, e *entry) {
	job := e.snapshot()
	logger := m.logger.With("job_id", job.ID)

	duration := job.Input.DurationSeconds
	if duration <= 0 && m.prober != nil {
		d, err := m.prober.Duration(ctx, job.Input.Path)
		if err != nil {
			logger.Warn("duration probe failed", "error", err)
		} else {
			duration = d
		}
	}
	if m.interrupted(ctx, e) {
		return
	}

	mode, plannedKbps := compress.ModeQuality, 0
	if duration > 0 {
		kbps, err := compress.Plan(job.Settings.TargetSizeMB, duration, job.Settings.AudioBitrateKbps)
		if err != nil {
			logger.Warn("bitrate planning failed, using quality mode", "error", err)
		} else {
			mode, plannedKbps = compress.ModeTargetSize, kbps
		}
	} else {
		logger.Info("duration unknown, using quality mode without bitrate cap")
	}

	outputPath := job.Destination
	args := compress.BuildArgs(job.Input.Path, outputPath, job.Settings, plannedKbps)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		m.fail(e, CodeInternal, fmt.Sprintf("出力先を作成できません: %v", err), nil)
		return
	}

	e.mu.Lock()
	e.job.Input.DurationSeconds = duration
	e.job.Mode = mode
	e.job.PlannedVideoKbps = plannedKbps
	e.job.Progress.Stage = "encoding"
	e.job.UpdatedAt = m.now()
	snap := e.job
	e.mu.Unlock()
	m.notifier.record(snap, true)
	logger.Info("encoding", "mode", mode, "video_kbps", plannedKbps, "duration", duration)

	parser := compress.NewProgressParser(time.Duration(duration * float64(time.Second)))
	proc, err := m.runner.Start(ctx, m.opts.FFmpegPath, args, func(line string) {
		if pct, ok := parser.Feed(line); ok {
			m.setProgress(e, pct)
		}
	})
	if err != nil {
		var spawnErr *encoder.SpawnError
		if errors.As(err, &spawnErr) {
			logger.Error("encoder could not be started", "error", err)
			m.fail(e, CodeEncoderUnavailable, fmt.Sprintf("エンコーダを起動できません (%s): %v", spawnErr.Binary, spawnErr.Err), nil)
			return
		}
		m.fail(e, CodeEncodeFailed, err.Error(), nil)
		return
	}

	e.mu.Lock()
	e.proc = proc
	cancelRequested := e.cancelRequested
	e.mu.Unlock()
	if cancelRequested {
		proc.Cancel()
	}

	result := proc.Wait()

	e.mu.Lock()
	e.proc = nil
	cancelRequested = e.cancelRequested
	e.mu.Unlock()

	switch {
	case cancelRequested:
		removeFile(logger, outputPath)
		m.cancelled(e)
	case ctx.Err() != nil:
		removeFile(logger, outputPath)
		m.fail(e, CodeInterrupted, "サーバーの停止によりエンコードが中断されました", result.StderrTail)
	case !result.Success():
		removeFile(logger, outputPath)
		m.fail(e, CodeEncodeFailed, encodeFailureMessage(result), result.StderrTail)
	default:
		m.complete(e, outputPath, result.StderrTail)
	}
}

// interrupted はエンコード開始前にキャンセルまたは停止が要求されていれば終了状態にします。
func (m *Manager) interrupted(ctx context.Context, e *entry) bool {
	e.mu.Lock()
	cancelRequested := e.cancelRequested
	e.mu.Unlock()

	if cancelRequested {
		m.cancelled(e)
		return true
	}
	if ctx.Err() != nil {
		m.fail(e, CodeInterrupted, "サーバーの停止によりジョブが中断されました", nil)
		return true
	}
	return false
}

// setProgress は進捗を単調に更新します。後退する値は無視します。
func (m *Manager) setProgress(e *entry, pct float64) {
	e.mu.Lock()
	if e.job.Status != StatusProcessing || e.cancelRequested || pct <= e.job.Progress.Percent {
		e.mu.Unlock()
		return
	}
	e.job.Progress.Percent = pct
	e.job.UpdatedAt = m.now()
	notify := pct-e.lastNotified >= progressNotifyDelta || pct >= 100
	if notify {
		e.lastNotified = pct
	}
	snap := e.job
	e.mu.Unlock()

	if notify {
		m.notifier.record(snap, false)
	}
}

func (m *Manager) complete(e *entry, outputPath string, tail []string) {
	info, err := os.Stat(outputPath)
	if err != nil {
		m.fail(e, CodeEncodeFailed, "エンコーダは正常終了しましたが出力ファイルがありません", tail)
		return
	}

	e.mu.Lock()
	stats, err := compress.ComputeStats(e.job.Input.Size, info.Size())
	if err != nil {
		e.mu.Unlock()
		removeFile(m.logger, outputPath)
		m.fail(e, CodeEncodeFailed, "出力ファイルが空です", tail)
		return
	}
	ok := m.finishLocked(e, func(job *Job) {
		job.Status = StatusCompleted
		job.Progress = ProgressInfo{Percent: 100, Stage: "completed"}
		job.Output = &OutputInfo{
			Path:     outputPath,
			Filename: compress.OutputFilename(job.Input.Filename, job.Settings.Codec),
			Size:     info.Size(),
			Stats:    stats,
		}
	})
	snap := e.job
	e.mu.Unlock()

	if ok {
		m.notifier.record(snap, true)
		m.logger.Info("job completed", "job_id", snap.ID,
			"original_bytes", stats.OriginalSize,
			"compressed_bytes", stats.CompressedSize,
			"reduction_percent", fmt.Sprintf("%.1f", stats.PercentReduction))
	}
}

func (m *Manager) fail(e *entry, code, message string, tail []string) {
	e.mu.Lock()
	ok := m.finishLocked(e, func(job *Job) {
		job.Status = StatusFailed
		job.Progress.Stage = "failed"
		job.Error = &ErrorInfo{Code: code, Message: message}
		if len(tail) > 0 {
			job.StderrTail = tail
		}
	})
	snap := e.job
	e.mu.Unlock()

	if ok {
		m.notifier.record(snap, true)
		m.logger.Warn("job failed", "job_id", snap.ID, "code", code, "message", message)
	}
}

func (m *Manager) cancelled(e *entry) {
	e.mu.Lock()
	ok := m.finishLocked(e, func(job *Job) {
		job.Status = StatusCancelled
		job.Progress.Stage = "cancelled"
	})
	snap := e.job
	e.mu.Unlock()

	if ok {
		m.notifier.record(snap, true)
		m.logger.Info("job cancelled", "job_id", snap.ID)
	}
}

func encodeFailureMessage(result encoder.Result) string {
	msg := fmt.Sprintf("エンコードに失敗しました (exit code %d)", result.ExitCode)
	if result.Err != nil {
		msg = fmt.Sprintf("エンコードに失敗しました: %v", result.Err)
	}
	if n := len(result.StderrTail); n > 0 {
		msg += ": " + strings.TrimSpace(result.StderrTail[n-1])
	}
	return msg
}
