// Package encoder は外部エンコーダ (ffmpeg) プロセスの起動、進捗ストリームの読み取り、
// プロセスグループ単位のキャンセルを扱います。
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultKillTimeout = 2 * time.Second
	defaultTailLines   = 20
	maxLineBytes       = 1024 * 1024
)

// SpawnError はエンコーダを起動できなかったことを表します (バイナリ未導入など)。
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Result はプロセス終了時の情報です。
type Result struct {
	ExitCode   int
	StderrTail []string
	Cancelled  bool
	Err        error
}

// Success は正常終了したかどうかを返します。
func (r Result) Success() bool {
	return !r.Cancelled && r.Err == nil && r.ExitCode == 0
}

// Runner はエンコーダプロセスを起動します。
type Runner struct {
	GracePeriod time.Duration
	KillTimeout time.Duration
	TailLines   int
	Logger      hclog.Logger
}

// NewRunner は Runner を作成します。0 以下の値には既定値を使います。
func NewRunner(grace time.Duration, tailLines int, logger hclog.Logger) *Runner {
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	if tailLines <= 0 {
		tailLines = defaultTailLines
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{
		GracePeriod: grace,
		KillTimeout: defaultKillTimeout,
		TailLines:   tailLines,
		Logger:      logger,
	}
}

// Handle は実行中のエンコーダプロセスです。所有者は起動したワーカーのみです。
type Handle struct {
	cmd         *exec.Cmd
	pid         int
	done        chan struct{}
	result      Result
	tail        *tailBuffer
	grace       time.Duration
	killTimeout time.Duration
	cancelOnce  sync.Once
	cancelled   atomic.Bool
	logger      hclog.Logger
}

// Start は binary を新しいプロセスグループで起動し、標準エラーを1行ずつ onLine に渡します。
// 標準出力は破棄します。ctx が終了するとプロセスはキャンセルされます。
func (r *Runner) Start(ctx context.Context, binary string, args []string, onLine func(string)) (*Handle, error) {
	logger := r.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	cmd := exec.Command(binary, args...)
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	tailLines := r.TailLines
	if tailLines <= 0 {
		tailLines = defaultTailLines
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	killTimeout := r.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}

	h := &Handle{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		done:        make(chan struct{}),
		tail:        newTailBuffer(tailLines),
		grace:       grace,
		killTimeout: killTimeout,
		logger:      logger.With("pid", cmd.Process.Pid),
	}
	h.logger.Debug("encoder process started", "binary", binary, "args", strings.Join(args, " "))

	go h.consume(stderr, onLine)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.done:
			}
		}()
	}
	return h, nil
}

// Pid はプロセスIDを返します (プロセスグループIDと同じです)。
func (h *Handle) Pid() int {
	return h.pid
}

// Done はプロセス終了時に閉じられるチャネルを返します。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait はプロセスの終了を待ち、結果を返します。キャンセルされた場合も必ず戻ります。
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Cancel はプロセスグループに SIGTERM を送り、猶予期間内に終了しなければ SIGKILL を送ります。
// 終了済みのプロセスに対しては何もしません。複数回呼んでも安全です。
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		h.cancelled.Store(true)
		h.logger.Info("terminating encoder process group")
		if err := terminate(h.cmd); err != nil {
			h.logger.Warn("failed to send SIGTERM", "error", err)
		}

		timer := time.NewTimer(h.grace)
		defer timer.Stop()
		select {
		case <-h.done:
			return
		case <-timer.C:
		}

		h.logger.Warn("encoder did not exit within grace period, sending SIGKILL", "grace", h.grace)
		if err := forceKill(h.cmd); err != nil {
			h.logger.Warn("failed to send SIGKILL", "error", err)
		}

		killTimer := time.NewTimer(h.killTimeout)
		defer killTimer.Stop()
		select {
		case <-h.done:
		case <-killTimer.C:
			h.logger.Error("encoder process still alive after SIGKILL")
		}
	})
}

func (h *Handle) consume(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.tail.add(line)
		if onLine != nil {
			h.deliver(onLine, line)
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("stderr scan stopped", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}

	waitErr := h.cmd.Wait()
	result := Result{
		ExitCode:   -1,
		StderrTail: h.tail.lines(),
		Cancelled:  h.cancelled.Load(),
	}
	if h.cmd.ProcessState != nil {
		result.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			result.Err = waitErr
		}
	}
	h.result = result
	h.logger.Debug("encoder process exited", "exit_code", result.ExitCode, "cancelled", result.Cancelled)
	close(h.done)
}

func (h *Handle) deliver(onLine func(string), line string) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("progress callback panicked", "panic", rec)
		}
	}()
	onLine(line)
}

// scanLines は \n と \r の両方で区切ります。ffmpeg は統計行を \r で上書きするためです。
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
