// Package main は動画圧縮のコマンドラインツールです。
// ファイルやディレクトリを指定してまとめて圧縮し、-watch で新しく置かれたファイルも処理します。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/config"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/diagnostics"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/encoder"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/watch"
)

type options struct {
	outputDir    string
	targetMB     float64
	codec        string
	crf          int
	preset       string
	audioBitrate string
	maxWidth     int
	parallel     int
	watch        bool
	check        bool
	verbose      bool
	inputs       []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	defaults := compress.DefaultSettings()
	var opts options

	fsFlags := flag.NewFlagSet("compress", flag.ContinueOnError)
	fsFlags.SetOutput(stderr)
	fsFlags.StringVar(&opts.outputDir, "o", "compressed", "Output directory")
	fsFlags.Float64Var(&opts.targetMB, "s", defaults.TargetSizeMB, "Target size in MB")
	fsFlags.StringVar(&opts.codec, "c", string(defaults.Codec), "Video codec: h264, h265, vp9")
	fsFlags.IntVar(&opts.crf, "crf", defaults.CRF, "CRF quality value (lower is better)")
	fsFlags.StringVar(&opts.preset, "p", string(defaults.Preset), "Encoding preset: ultrafast ... veryslow")
	fsFlags.StringVar(&opts.audioBitrate, "a", fmt.Sprintf("%dk", defaults.AudioBitrateKbps), "Audio bitrate (e.g. 128k)")
	fsFlags.IntVar(&opts.maxWidth, "w", 0, "Maximum output width in pixels (0 keeps the source width)")
	fsFlags.IntVar(&opts.parallel, "j", 1, "Number of parallel encodes")
	fsFlags.BoolVar(&opts.watch, "watch", false, "Keep running and compress new files placed in the given directories")
	fsFlags.BoolVar(&opts.check, "check", false, "Print encoder diagnostics and exit")
	fsFlags.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	fsFlags.Usage = func() {
		fmt.Fprintln(stderr, "Usage: compress [options] <file-or-directory>...")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Compresses videos with ffmpeg towards a target size.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fsFlags.PrintDefaults()
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintln(stderr, "  compress movie.mkv                      # h265, 30MB")
		fmt.Fprintln(stderr, "  compress -c h264 -s 8 clip.mp4          # 8MB H.264 for chat apps")
		fmt.Fprintln(stderr, "  compress -j 2 -o out ./videos           # every video in ./videos")
		fmt.Fprintln(stderr, "  compress -watch ./inbox                 # compress files dropped into ./inbox")
	}

	if err := fsFlags.Parse(args); err != nil {
		return opts, err
	}
	opts.inputs = fsFlags.Args()
	if !opts.check && len(opts.inputs) == 0 {
		fsFlags.Usage()
		return opts, fmt.Errorf("no input files")
	}
	if opts.parallel < 1 {
		return opts, fmt.Errorf("-j must be at least 1")
	}
	return opts, nil
}

func (o options) settings() (compress.Settings, error) {
	s := compress.DefaultSettings()
	s.TargetSizeMB = o.targetMB
	s.CRF = o.crf
	s.MaxWidth = o.maxWidth

	codec, err := compress.ParseCodec(o.codec)
	if err != nil {
		return s, err
	}
	s.Codec = codec
	preset, err := compress.ParsePreset(o.preset)
	if err != nil {
		return s, err
	}
	s.Preset = preset
	audio, err := compress.ParseAudioBitrate(o.audioBitrate)
	if err != nil {
		return s, err
	}
	s.AudioBitrateKbps = audio
	return s, s.Validate()
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "Error:", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	level := hclog.Warn
	if opts.verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "compress", Level: level, Output: stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.check {
		return printDiagnostics(ctx, stdout, cfg, opts.outputDir)
	}

	settings, err := opts.settings()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", describeError(err))
		return 2
	}

	info := diagnostics.CheckEncoder(ctx, cfg.FFmpegPath)
	if !info.Available {
		fmt.Fprintln(stderr, "Error: ffmpeg is not available:", info.Error)
		return 1
	}
	if len(info.Encoders) > 0 && !info.Supports(settings.Codec) {
		fmt.Fprintf(stderr, "Error: this ffmpeg build has no %s encoder\n", settings.Codec.EncoderName())
		return 1
	}

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	inputs, watchDirs, err := collectInputs(opts.inputs, opts.outputDir)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if opts.watch && len(watchDirs) == 0 {
		fmt.Fprintln(stderr, "Error: -watch needs at least one directory")
		return 2
	}
	if len(inputs) == 0 && !opts.watch {
		fmt.Fprintln(stderr, "No video files found.")
		return 1
	}
	if err := newOutputPlan(opts.outputDir, settings.Codec).check(inputs); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 2
	}

	manager, err := jobs.NewManager(jobs.Options{
		FFmpegPath: cfg.FFmpegPath,
		OutputDir:  opts.outputDir,
		Runner:     jobs.EncoderRunner{Runner: encoder.NewRunner(cfg.CancelGrace, cfg.StderrTailLines, logger.Named("encoder"))},
		Prober:     compress.NewProber(cfg.FFprobePath),
		Dispatcher: jobs.NewMemoryDispatcher(opts.parallel, 0, logger),
		Logger:     logger.Named("jobs"),
	})
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	manager.StartWorkers()

	tr := newTracker(manager, stdout)
	plan := newOutputPlan(opts.outputDir, settings.Codec)
	submit := func(ctx context.Context, path string) error {
		output, err := plan.claim(path)
		if err != nil {
			return err
		}
		id, err := manager.Submit(ctx, jobs.SubmitRequest{
			InputPath:  path,
			OutputPath: output,
			Settings:   settings,
		})
		if err != nil {
			plan.release(output)
			return err
		}
		tr.add(id)
		fmt.Fprintf(stdout, "queued  %s\n", path)
		return nil
	}

	submitFailed := 0
	for _, path := range inputs {
		if err := submit(ctx, path); err != nil {
			fmt.Fprintf(stderr, "skip    %s: %s\n", path, describeError(err))
			submitFailed++
		}
	}

	if opts.watch {
		w, err := watch.New(watchDirs, submit, 0, logger)
		if err != nil {
			fmt.Fprintln(stderr, "Error:", err)
			return 1
		}
		for _, path := range inputs {
			w.MarkSubmitted(path)
		}
		if err := w.Start(ctx); err != nil {
			fmt.Fprintln(stderr, "Error:", err)
			return 1
		}
		fmt.Fprintf(stdout, "watching %s (Ctrl+C to stop)\n", strings.Join(watchDirs, ", "))
		tr.follow(ctx)
		w.Stop()
	} else {
		tr.wait(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	tr.flush()

	sum := tr.summary()
	sum.failed += submitFailed
	sum.print(stdout)
	if sum.failed > 0 || sum.cancelled > 0 {
		return 1
	}
	return 0
}

// collectInputs はファイルとディレクトリ内の動画を集めます。出力ディレクトリと圧縮済みファイルは除外します。
func collectInputs(paths []string, outputDir string) ([]string, []string, error) {
	absOut, _ := filepath.Abs(outputDir)
	seen := make(map[string]bool)
	var files, dirs []string

	add := func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot read %s: %w", p, err)
		}
		if !info.IsDir() {
			if !compress.IsVideoFile(p) {
				return nil, nil, fmt.Errorf("unsupported file type: %s (supported: %s)", p, strings.Join(compress.VideoExtensions, " "))
			}
			add(filepath.Clean(p))
			continue
		}

		dirs = append(dirs, p)
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if abs, _ := filepath.Abs(path); abs == absOut && path != p {
					return filepath.SkipDir
				}
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "compressed_") || !compress.IsVideoFile(name) {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("cannot scan %s: %w", p, err)
		}
	}
	return files, dirs, nil
}

// outputPlan は出力ファイル名の割り当てを管理します。
// 別ディレクトリの同名ファイルが同じ出力先に上書きし合わないようにします。
type outputPlan struct {
	dir   string
	codec compress.Codec

	mu      sync.Mutex
	claimed map[string]string
}

func newOutputPlan(dir string, codec compress.Codec) *outputPlan {
	return &outputPlan{dir: dir, codec: codec, claimed: make(map[string]string)}
}

func (p *outputPlan) claim(input string) (string, error) {
	output := filepath.Join(p.dir, compress.OutputFilename(input, p.codec))
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.claimed[output]; ok {
		return "", fmt.Errorf("%s and %s would both be written to %s", prev, input, output)
	}
	p.claimed[output] = input
	return output, nil
}

func (p *outputPlan) release(output string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, output)
}

// check は全入力を割り当て、衝突があれば最初の1件を返します。
func (p *outputPlan) check(inputs []string) error {
	for _, in := range inputs {
		if _, err := p.claim(in); err != nil {
			return err
		}
	}
	return nil
}

func printDiagnostics(ctx context.Context, w io.Writer, cfg *config.Config, outputDir string) int {
	info := diagnostics.CheckEncoder(ctx, cfg.FFmpegPath)
	fmt.Fprintf(w, "ffmpeg:      %s\n", info.Path)
	if !info.Available {
		fmt.Fprintf(w, "status:      unavailable (%s)\n", info.Error)
		return 1
	}
	fmt.Fprintf(w, "version:     %s\n", info.Version)
	for _, codec := range []compress.Codec{compress.CodecH264, compress.CodecH265, compress.CodecVP9} {
		mark := "no"
		if info.Supports(codec) {
			mark = "yes"
		}
		fmt.Fprintf(w, "%-12s %s (%s)\n", string(codec)+":", mark, codec.EncoderName())
	}

	host := diagnostics.Host(ctx, outputDir)
	fmt.Fprintf(w, "cpus:        %d (load %.2f)\n", host.LogicalCPUs, host.Load1)
	fmt.Fprintf(w, "memory used: %.1f%%\n", host.MemoryUsedPct)
	if host.OutputDiskFree > 0 {
		fmt.Fprintf(w, "disk free:   %s\n", formatBytes(int64(host.OutputDiskFree)))
	}
	return 0
}

func describeError(err error) string {
	var cerr *compress.Error
	if errors.As(err, &cerr) {
		return cerr.Message
	}
	return err.Error()
}
