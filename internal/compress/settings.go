package compress

import (
	"strconv"
	"strings"
)

// Codec は出力映像コーデックの種別を表します。
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP9  Codec = "vp9"
)

// Preset はエンコード速度と圧縮効率のトレードオフを表します。
type Preset string

const (
	PresetUltrafast Preset = "ultrafast"
	PresetSuperfast Preset = "superfast"
	PresetVeryfast  Preset = "veryfast"
	PresetFaster    Preset = "faster"
	PresetFast      Preset = "fast"
	PresetMedium    Preset = "medium"
	PresetSlow      Preset = "slow"
	PresetSlower    Preset = "slower"
	PresetVeryslow  Preset = "veryslow"
)

// Presets は速い順に並んだ全プリセットです。
var Presets = []Preset{
	PresetUltrafast,
	PresetSuperfast,
	PresetVeryfast,
	PresetFaster,
	PresetFast,
	PresetMedium,
	PresetSlow,
	PresetSlower,
	PresetVeryslow,
}

// 設定値の許容範囲
const (
	MinTargetSizeMB = 1
	MaxTargetSizeMB = 100 * 1024

	MinAudioBitrateKbps = 32
	MaxAudioBitrateKbps = 512

	MinMaxWidth = 16
	MaxMaxWidth = 7680
)

type codecSpec struct {
	encoder string
	crfMax  int
}

var codecSpecs = map[Codec]codecSpec{
	CodecH264: {encoder: "libx264", crfMax: 51},
	CodecH265: {encoder: "libx265", crfMax: 51},
	CodecVP9:  {encoder: "libvpx-vp9", crfMax: 63},
}

var codecAliases = map[string]Codec{
	"h264":       CodecH264,
	"avc":        CodecH264,
	"x264":       CodecH264,
	"libx264":    CodecH264,
	"h265":       CodecH265,
	"hevc":       CodecH265,
	"x265":       CodecH265,
	"libx265":    CodecH265,
	"vp9":        CodecVP9,
	"libvpx-vp9": CodecVP9,
}

// Settings はジョブに紐づく圧縮設定です。投入時に検証され、以降は変更されません。
type Settings struct {
	TargetSizeMB     float64 `json:"targetSizeMb"`
	Codec            Codec   `json:"codec"`
	CRF              int     `json:"crf"`
	Preset           Preset  `json:"preset"`
	AudioBitrateKbps int     `json:"audioBitrateKbps"`
	MaxWidth         int     `json:"maxWidth,omitempty"`
}

// DefaultSettings は未指定項目に使う既定値を返します。
func DefaultSettings() Settings {
	return Settings{
		TargetSizeMB:     30,
		Codec:            CodecH265,
		CRF:              28,
		Preset:           PresetMedium,
		AudioBitrateKbps: 128,
	}
}

// ParseCodec はコーデック名またはエンコーダ名を Codec に正規化します。
func ParseCodec(raw string) (Codec, error) {
	codec, ok := codecAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", invalidInput("codec には h264, h265, vp9 のいずれかを指定してください (received: %s)", raw)
	}
	return codec, nil
}

// ParsePreset はプリセット名を検証します。
func ParsePreset(raw string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Presets {
		if p == known {
			return p, nil
		}
	}
	return "", invalidInput("preset が不正です (received: %s)", raw)
}

// ParseAudioBitrate は "128k" や "128" 形式の音声ビットレートを kbps に変換します。
func ParseAudioBitrate(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "bps")
	s = strings.TrimSuffix(s, "k")
	kbps, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidInput("audio_bitrate は 128k のような形式で指定してください (received: %s)", raw)
	}
	return kbps, nil
}

// EncoderName は ffmpeg のエンコーダ名を返します。
func (c Codec) EncoderName() string {
	return codecSpecs[c].encoder
}

// MaxCRF はコーデックごとの CRF 上限を返します。
func (c Codec) MaxCRF() int {
	return codecSpecs[c].crfMax
}

// Validate は範囲と列挙値を検証します。
func (s Settings) Validate() error {
	if s.TargetSizeMB < MinTargetSizeMB || s.TargetSizeMB > MaxTargetSizeMB {
		return invalidInput("target_size_mb は %d〜%d の範囲で指定してください", MinTargetSizeMB, MaxTargetSizeMB)
	}
	spec, ok := codecSpecs[s.Codec]
	if !ok {
		return invalidInput("codec には h264, h265, vp9 のいずれかを指定してください (received: %s)", s.Codec)
	}
	if s.CRF < 0 || s.CRF > spec.crfMax {
		return invalidInput("crf は 0〜%d の範囲で指定してください (codec: %s)", spec.crfMax, s.Codec)
	}
	if _, err := ParsePreset(string(s.Preset)); err != nil {
		return err
	}
	if s.AudioBitrateKbps < MinAudioBitrateKbps || s.AudioBitrateKbps > MaxAudioBitrateKbps {
		return invalidInput("audio_bitrate は %dk〜%dk の範囲で指定してください", MinAudioBitrateKbps, MaxAudioBitrateKbps)
	}
	if s.MaxWidth != 0 && (s.MaxWidth < MinMaxWidth || s.MaxWidth > MaxMaxWidth) {
		return invalidInput("max_width は %d〜%d の範囲で指定してください", MinMaxWidth, MaxMaxWidth)
	}
	return nil
}
