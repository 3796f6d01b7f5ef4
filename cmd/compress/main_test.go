package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

func TestParseFlagsSettings(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseFlags([]string{"-c", "h264", "-s", "8", "-crf", "23", "-p", "fast", "-a", "96k", "-w", "1280", "-j", "2", "clip.mp4"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, []string{"clip.mp4"}, opts.inputs)
	assert.Equal(t, 2, opts.parallel)

	s, err := opts.settings()
	require.NoError(t, err)
	assert.Equal(t, compress.Settings{
		TargetSizeMB:     8,
		Codec:            compress.CodecH264,
		CRF:              23,
		Preset:           compress.PresetFast,
		AudioBitrateKbps: 96,
		MaxWidth:         1280,
	}, s)
}

func TestParseFlagsDefaults(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseFlags([]string{"clip.mp4"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "compressed", opts.outputDir)

	s, err := opts.settings()
	require.NoError(t, err)
	assert.Equal(t, compress.DefaultSettings(), s)
}

func TestParseFlagsErrors(t *testing.T) {
	var stderr bytes.Buffer
	_, err := parseFlags(nil, &stderr)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-j", "0", "clip.mp4"}, &stderr)
	assert.Error(t, err)

	opts, err := parseFlags([]string{"-check"}, &stderr)
	require.NoError(t, err)
	assert.True(t, opts.check)

	opts, err = parseFlags([]string{"-c", "h264", "-crf", "70", "clip.mp4"}, &stderr)
	require.NoError(t, err)
	_, err = opts.settings()
	assert.True(t, compress.IsInvalidInput(err))
}

func TestCollectInputs(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "compressed")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.MkdirAll(out, 0o755))

	for _, name := range []string{
		"a.mp4",
		"b.MKV",
		"notes.txt",
		"compressed_a.mp4",
		".hidden.mov",
		filepath.Join("nested", "c.avi"),
		filepath.Join("compressed", "old.mp4"),
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}

	files, dirs, err := collectInputs([]string{root, filepath.Join(root, "a.mp4")}, out)
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(root, "a.mp4"),
		filepath.Join(root, "b.MKV"),
		filepath.Join(root, "nested", "c.avi"),
	}, files)
	assert.Equal(t, []string{root}, dirs)

	_, _, err = collectInputs([]string{filepath.Join(root, "notes.txt")}, out)
	assert.Error(t, err)

	_, _, err = collectInputs([]string{filepath.Join(root, "missing.mp4")}, out)
	assert.Error(t, err)
}

func TestOutputPlanRejectsSharedOutput(t *testing.T) {
	out := "out"
	plan := newOutputPlan(out, compress.CodecH265)

	first, err := plan.claim(filepath.Join("a", "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "compressed_clip.mp4"), first)

	_, err = plan.claim(filepath.Join("b", "clip.mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join("a", "clip.mp4"))

	other, err := plan.claim(filepath.Join("b", "other.mp4"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "compressed_other.mp4"), other)

	// 投入に失敗した分は解放される
	plan.release(first)
	_, err = plan.claim(filepath.Join("b", "clip.mp4"))
	assert.NoError(t, err)

	err = newOutputPlan(out, compress.CodecH264).check([]string{
		filepath.Join("x", "movie.mkv"),
		filepath.Join("y", "movie.mkv"),
	})
	assert.Error(t, err)
}

type stubLister map[string]jobs.Job

func (s stubLister) Status(id string) (jobs.Job, error) {
	job, ok := s[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, nil
}

func TestTrackerSummary(t *testing.T) {
	stats, err := compress.ComputeStats(4000, 1000)
	require.NoError(t, err)

	lister := stubLister{
		"ok":   {ID: "ok", Status: jobs.StatusCompleted, Input: jobs.InputInfo{Filename: "a.mp4"}, Output: &jobs.OutputInfo{Filename: "compressed_a.mp4", Stats: stats}},
		"bad":  {ID: "bad", Status: jobs.StatusFailed, Input: jobs.InputInfo{Filename: "b.mp4"}, Error: &jobs.ErrorInfo{Code: jobs.CodeEncodeFailed, Message: "exit 1"}, StderrTail: []string{"boom"}},
		"busy": {ID: "busy", Status: jobs.StatusProcessing, Input: jobs.InputInfo{Filename: "c.mp4"}, Progress: jobs.ProgressInfo{Percent: 35}},
	}

	var out bytes.Buffer
	tr := newTracker(lister, &out)
	tr.add("ok")
	tr.add("bad")
	tr.add("busy")

	assert.Equal(t, 1, tr.poll())
	assert.Contains(t, out.String(), "done    a.mp4 -> compressed_a.mp4")
	assert.Contains(t, out.String(), "75.0% smaller, 4.00x")
	assert.Contains(t, out.String(), "[ENCODE_FAILED] exit 1")
	assert.Contains(t, out.String(), "| boom")
	assert.Contains(t, out.String(), " 35.0%  c.mp4")

	// 表示済みの結果は繰り返さない
	out.Reset()
	assert.Equal(t, 1, tr.poll())
	assert.Empty(t, out.String())

	s := tr.summary()
	assert.Equal(t, 1, s.completed)
	assert.Equal(t, 1, s.failed)
	assert.Equal(t, int64(4000), s.original)
	assert.Equal(t, int64(1000), s.compressed)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
	assert.Equal(t, "3.0 GiB", formatBytes(3*1024*1024*1024))
}
