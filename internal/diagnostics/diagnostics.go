// Package diagnostics はエンコーダの導入状況とホストの負荷情報を収集します。
package diagnostics

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
)

const (
	checkTimeout = 10 * time.Second
	defaultTTL   = 30 * time.Second
)

// EncoderInfo は ffmpeg の確認結果です。
type EncoderInfo struct {
	Available bool            `json:"available"`
	Path      string          `json:"path"`
	Version   string          `json:"version,omitempty"`
	Encoders  map[string]bool `json:"encoders,omitempty"`
	Error     string          `json:"error,omitempty"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Supports は codec のエンコーダが使えるかどうかを返します。
func (i EncoderInfo) Supports(codec compress.Codec) bool {
	return i.Available && i.Encoders[codec.EncoderName()]
}

// HostStats はホストの負荷情報です。取得できなかった項目は 0 のままです。
type HostStats struct {
	LogicalCPUs      int     `json:"logicalCpus"`
	Load1            float64 `json:"load1"`
	MemoryUsedPct    float64 `json:"memoryUsedPercent"`
	MemoryAvailable  uint64  `json:"memoryAvailableBytes"`
	OutputDiskFree   uint64  `json:"outputDiskFreeBytes"`
	OutputDiskUsedPc float64 `json:"outputDiskUsedPercent"`
}

// Checker は ffmpeg の確認結果を一定時間キャッシュします。
type Checker struct {
	FFmpegPath string
	TTL        time.Duration

	mu     sync.Mutex
	cached *EncoderInfo
}

// NewChecker は Checker を作成します。
func NewChecker(ffmpegPath string) *Checker {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Checker{FFmpegPath: ffmpegPath, TTL: defaultTTL}
}

// Encoder はキャッシュが有効ならそれを返し、期限切れなら再確認します。
func (c *Checker) Encoder(ctx context.Context) EncoderInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && time.Since(c.cached.CheckedAt) < c.TTL {
		return *c.cached
	}
	info := CheckEncoder(ctx, c.FFmpegPath)
	c.cached = &info
	return info
}

// CheckEncoder は "ffmpeg -version" と "ffmpeg -encoders" を実行して利用可能なエンコーダを調べます。
func CheckEncoder(ctx context.Context, ffmpegPath string) EncoderInfo {
	info := EncoderInfo{Path: ffmpegPath, CheckedAt: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-version").Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			info.Error = fmt.Sprintf("ffmpeg が見つかりません: %v", execErr.Err)
		} else {
			info.Error = fmt.Sprintf("ffmpeg -version に失敗しました: %v", err)
		}
		return info
	}
	info.Version = parseVersion(out)

	out, err = exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		info.Error = fmt.Sprintf("ffmpeg -encoders に失敗しました: %v", err)
		return info
	}
	info.Encoders = parseEncoders(out)
	info.Available = true
	return info
}

// Host はホストの負荷情報を集めます。outputDir のディスク空き容量も含みます。
func Host(ctx context.Context, outputDir string) HostStats {
	var stats HostStats
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.LogicalCPUs = n
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryUsedPct = vm.UsedPercent
		stats.MemoryAvailable = vm.Available
	}
	if outputDir != "" {
		if usage, err := disk.UsageWithContext(ctx, outputDir); err == nil {
			stats.OutputDiskFree = usage.Free
			stats.OutputDiskUsedPc = usage.UsedPercent
		}
	}
	return stats
}

func parseVersion(out []byte) string {
	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "ffmpeg version "); ok {
		version, _, _ := strings.Cut(rest, " ")
		return version
	}
	return line
}

// parseEncoders は "-encoders" の一覧から対象コーデックのエンコーダ有無を取り出します。
// 各行は " V....D libx264  libx264 H.264 ..." の形式です。
func parseEncoders(out []byte) map[string]bool {
	wanted := map[string]bool{}
	for _, codec := range []compress.Codec{compress.CodecH264, compress.CodecH265, compress.CodecVP9} {
		wanted[codec.EncoderName()] = false
	}
	wanted["aac"] = false
	wanted["libopus"] = false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if _, ok := wanted[fields[1]]; ok {
			wanted[fields[1]] = true
		}
	}
	return wanted
}
