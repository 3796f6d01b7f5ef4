// Package watch はディレクトリを監視し、置かれた動画ファイルを圧縮ジョブとして投入します。
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
)

const defaultSettleDelay = 2 * time.Second

// SubmitFunc は書き込みが落ち着いた動画ファイルごとに呼ばれます。
type SubmitFunc func(ctx context.Context, path string) error

// Watcher は監視対象ディレクトリの動画ファイルを検出します。
// 書き込みイベントが SettleDelay の間止まったファイルだけを一度ずつ投入します。
type Watcher struct {
	dirs        []string
	submit      SubmitFunc
	settleDelay time.Duration
	logger      hclog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	pending   map[string]*time.Timer
	submitted map[string]struct{}
}

// New は Watcher を作成します。settleDelay が 0 以下なら 2 秒を使います。
func New(dirs []string, submit SubmitFunc, settleDelay time.Duration, logger hclog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no directories to watch")
	}
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		dirs:        dirs,
		submit:      submit,
		settleDelay: settleDelay,
		logger:      logger.Named("watch"),
		watcher:     fw,
		pending:     make(map[string]*time.Timer),
		submitted:   make(map[string]struct{}),
	}, nil
}

// Start は監視を開始します。ctx が終了するか Stop が呼ばれるまでイベントを処理します。
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("watch directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch target is not a directory: %s", dir)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.logger.Info("watching directory", "dir", dir)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.eventLoop()
	return nil
}

// MarkSubmitted は起動時に投入済みのファイルを登録し、重複投入を防ぎます。
func (w *Watcher) MarkSubmitted(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitted[filepath.Clean(path)] = struct{}{}
}

// Stop は監視を止め、保留中のタイマーを破棄します。
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.watcher.Close()

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !shouldConsider(event.Name) {
		return
	}
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.schedule(path)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		if timer, ok := w.pending[path]; ok {
			timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, done := w.submitted[path]; done {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.settleDelay, func() {
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if _, done := w.submitted[path]; done || w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.submitted[path] = struct{}{}
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		w.forget(path)
		return
	}

	if err := w.submit(w.ctx, path); err != nil {
		w.logger.Warn("failed to submit watched file", "path", path, "error", err)
		w.forget(path)
		return
	}
	w.logger.Info("submitted watched file", "path", path, "size", info.Size())
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.submitted, path)
	w.mu.Unlock()
}

// shouldConsider は動画の拡張子を持ち、圧縮結果や隠しファイルでないものを対象にします。
func shouldConsider(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "compressed_") {
		return false
	}
	return compress.IsVideoFile(name)
}
