package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

const pollInterval = 500 * time.Millisecond

type jobLister interface {
	Status(id string) (jobs.Job, error)
}

// tracker は投入したジョブを定期的に確認し、進捗と結果を表示します。
type tracker struct {
	jobs jobLister
	out  io.Writer

	mu       sync.Mutex
	ids      []string
	reported map[string]bool
	lastStep map[string]int
	results  []jobs.Job
}

func newTracker(l jobLister, out io.Writer) *tracker {
	return &tracker{
		jobs:     l,
		out:      out,
		reported: make(map[string]bool),
		lastStep: make(map[string]int),
	}
}

func (t *tracker) add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
}

// poll は状態を確認して表示し、未完了のジョブ数を返します。
func (t *tracker) poll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := 0
	for _, id := range t.ids {
		if t.reported[id] {
			continue
		}
		job, err := t.jobs.Status(id)
		if err != nil {
			t.reported[id] = true
			continue
		}
		if !job.Status.IsTerminal() {
			pending++
			// 10% 刻みで進捗を表示
			if job.Status == jobs.StatusProcessing {
				step := int(job.Progress.Percent) / 10
				if step > t.lastStep[id] {
					t.lastStep[id] = step
					fmt.Fprintf(t.out, "%5.1f%%  %s\n", job.Progress.Percent, job.Input.Filename)
				}
			}
			continue
		}
		t.reported[id] = true
		t.results = append(t.results, job)
		printResult(t.out, job)
	}
	return pending
}

// wait は全ジョブが終わるか ctx が終了するまで待ちます。
func (t *tracker) wait(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if t.poll() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// follow は ctx が終了するまで表示を続けます。
func (t *tracker) follow(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		t.poll()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *tracker) flush() {
	t.poll()
}

func (t *tracker) summary() summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s summary
	for _, job := range t.results {
		switch job.Status {
		case jobs.StatusCompleted:
			s.completed++
			if job.Output != nil {
				s.original += job.Output.Stats.OriginalSize
				s.compressed += job.Output.Stats.CompressedSize
			}
		case jobs.StatusFailed:
			s.failed++
		case jobs.StatusCancelled:
			s.cancelled++
		}
	}
	return s
}

func printResult(w io.Writer, job jobs.Job) {
	switch job.Status {
	case jobs.StatusCompleted:
		if job.Output == nil {
			fmt.Fprintf(w, "done    %s\n", job.Input.Filename)
			return
		}
		st := job.Output.Stats
		fmt.Fprintf(w, "done    %s -> %s  %s -> %s (%.1f%% smaller, %.2fx)\n",
			job.Input.Filename, job.Output.Filename,
			formatBytes(st.OriginalSize), formatBytes(st.CompressedSize),
			st.PercentReduction, st.Ratio)
	case jobs.StatusFailed:
		msg := ""
		if job.Error != nil {
			msg = fmt.Sprintf("[%s] %s", job.Error.Code, job.Error.Message)
		}
		fmt.Fprintf(w, "failed  %s %s\n", job.Input.Filename, msg)
		for _, line := range job.StderrTail {
			fmt.Fprintf(w, "        | %s\n", line)
		}
	case jobs.StatusCancelled:
		fmt.Fprintf(w, "cancel  %s\n", job.Input.Filename)
	}
}

type summary struct {
	completed  int
	failed     int
	cancelled  int
	original   int64
	compressed int64
}

func (s summary) print(w io.Writer) {
	fmt.Fprintf(w, "\n%d completed, %d failed, %d cancelled\n", s.completed, s.failed, s.cancelled)
	if s.completed > 0 && s.original > 0 {
		saved := s.original - s.compressed
		fmt.Fprintf(w, "total   %s -> %s, saved %s (%.1f%%)\n",
			formatBytes(s.original), formatBytes(s.compressed), formatBytes(saved),
			100*float64(saved)/float64(s.original))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
