package compress

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// VideoExtensions は入力として受け付ける動画の拡張子です。
var VideoExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".wmv", ".flv"}

// IsVideoFile は拡張子が受け付け対象かを判定します。
func IsVideoFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range VideoExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// OutputExtension は出力コンテナの拡張子を決めます。
// VP9 は WebM、それ以外は入力が mp4/mkv/mov ならそのまま、その他は mp4 にします。
func OutputExtension(inputPath string, codec Codec) string {
	if codec == CodecVP9 {
		return ".webm"
	}
	switch ext := strings.ToLower(filepath.Ext(inputPath)); ext {
	case ".mp4", ".mkv", ".mov":
		return ext
	default:
		return ".mp4"
	}
}

// OutputFilename は compressed_<元の名前><拡張子> 形式の出力ファイル名を返します。
func OutputFilename(originalName string, codec Codec) string {
	base := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
	return "compressed_" + base + OutputExtension(originalName, codec)
}

// BuildArgs は ffmpeg に渡す引数列を生成します。plannedKbps が 0 以下なら CRF のみで実行します。
// 同じ入力からは常に同じ引数列を返します。
func BuildArgs(inputPath, outputPath string, s Settings, plannedKbps int) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
	}

	if s.MaxWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale='min(%d,iw)':-2", s.MaxWidth))
	}

	args = append(args,
		"-c:v", s.Codec.EncoderName(),
		"-crf", strconv.Itoa(s.CRF),
	)

	switch s.Codec {
	case CodecVP9:
		args = append(args, "-deadline", "good", "-cpu-used", strconv.Itoa(vp9CPUUsed(s.Preset)))
		if plannedKbps > 0 {
			args = append(args, "-b:v", kbps(plannedKbps))
		} else {
			args = append(args, "-b:v", "0")
		}
	default:
		args = append(args, "-preset", string(s.Preset))
		if plannedKbps > 0 {
			args = append(args,
				"-maxrate", kbps(plannedKbps),
				"-bufsize", kbps(plannedKbps*2),
			)
		}
	}

	audioCodec := "aac"
	if s.Codec == CodecVP9 {
		audioCodec = "libopus"
	}
	args = append(args,
		"-c:a", audioCodec,
		"-b:a", kbps(s.AudioBitrateKbps),
	)

	if s.Codec == CodecH265 {
		args = append(args, "-x265-params", "log-level=error", "-tag:v", "hvc1")
	}

	switch strings.ToLower(filepath.Ext(outputPath)) {
	case ".mp4", ".mov":
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, "-stats", outputPath)
	return args
}

// vp9CPUUsed は x264 系のプリセット名を libvpx の cpu-used (0=最遅, 8=最速) に対応付けます。
func vp9CPUUsed(p Preset) int {
	for i, known := range Presets {
		if known == p {
			return len(Presets) - 1 - i
		}
	}
	return 3
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
