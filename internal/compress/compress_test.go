package compress

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanMatchesBudget(t *testing.T) {
	got, err := Plan(20, 120, 128)
	require.NoError(t, err)

	want := int(math.Floor((20*8388608*0.98/120 - 128000) / 1000))
	assert.Equal(t, want, got)
	assert.Equal(t, 1242, got)
}

func TestPlanFloorsAtMinimum(t *testing.T) {
	got, err := Plan(1, 3600, 256)
	require.NoError(t, err)
	assert.Equal(t, MinVideoBitrateKbps, got)
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name     string
		target   float64
		duration float64
	}{
		{"zero duration", 20, 0},
		{"negative duration", 20, -5},
		{"zero target", 0, 120},
		{"nan duration", 20, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Plan(tc.target, tc.duration, 128)
			var cerr *Error
			require.True(t, errors.As(err, &cerr), "err = %v", err)
			assert.Equal(t, CodeInvalidInput, cerr.Code)
		})
	}
}

func TestComputeStats(t *testing.T) {
	stats, err := ComputeStats(100*1024*1024, 25*1024*1024)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, stats.Ratio, 1e-9)
	assert.InDelta(t, 75.0, stats.PercentReduction, 1e-9)
	assert.Equal(t, int64(75*1024*1024), stats.SavedBytes)
}

func TestComputeStatsRejectsEmptyOutput(t *testing.T) {
	_, err := ComputeStats(100, 0)
	require.Error(t, err)
	_, err = ComputeStats(100, -1)
	require.Error(t, err)
}

func TestComputeStatsLargerOutput(t *testing.T) {
	stats, err := ComputeStats(50, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stats.Ratio, 1e-9)
	assert.InDelta(t, -100.0, stats.PercentReduction, 1e-9)
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	bad := []func(*Settings){
		func(s *Settings) { s.TargetSizeMB = 0 },
		func(s *Settings) { s.Codec = "av1" },
		func(s *Settings) { s.CRF = 52 },
		func(s *Settings) { s.CRF = -1 },
		func(s *Settings) { s.Preset = "placebo" },
		func(s *Settings) { s.AudioBitrateKbps = 8 },
		func(s *Settings) { s.MaxWidth = 4 },
	}
	for i, mutate := range bad {
		s := DefaultSettings()
		mutate(&s)
		err := s.Validate()
		var cerr *Error
		require.True(t, errors.As(err, &cerr), "case %d: err = %v", i, err)
		assert.Equal(t, CodeInvalidInput, cerr.Code)
	}

	vp9 := DefaultSettings()
	vp9.Codec = CodecVP9
	vp9.CRF = 60
	assert.NoError(t, vp9.Validate())
}

func TestParseHelpers(t *testing.T) {
	codec, err := ParseCodec("libx265")
	require.NoError(t, err)
	assert.Equal(t, CodecH265, codec)

	codec, err = ParseCodec("HEVC")
	require.NoError(t, err)
	assert.Equal(t, CodecH265, codec)

	_, err = ParseCodec("mpeg2")
	assert.Error(t, err)

	kbps, err := ParseAudioBitrate("128k")
	require.NoError(t, err)
	assert.Equal(t, 128, kbps)

	kbps, err = ParseAudioBitrate("96")
	require.NoError(t, err)
	assert.Equal(t, 96, kbps)

	_, err = ParseAudioBitrate("loud")
	assert.Error(t, err)
}

func TestBuildArgsTargetSizeH265(t *testing.T) {
	s := DefaultSettings()
	s.MaxWidth = 1280
	args := BuildArgs("/in/a.mov", "/out/compressed_a.mp4", s, 1242)

	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", "/in/a.mov",
		"-vf", "scale='min(1280,iw)':-2",
		"-c:v", "libx265",
		"-crf", "28",
		"-preset", "medium",
		"-maxrate", "1242k",
		"-bufsize", "2484k",
		"-c:a", "aac",
		"-b:a", "128k",
		"-x265-params", "log-level=error",
		"-tag:v", "hvc1",
		"-movflags", "+faststart",
		"-stats",
		"/out/compressed_a.mp4",
	}, args)
}

func TestBuildArgsQualityModeH264(t *testing.T) {
	s := DefaultSettings()
	s.Codec = CodecH264
	s.CRF = 23
	s.Preset = PresetSlow
	args := BuildArgs("in.mkv", "out.mkv", s, 0)

	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", "in.mkv",
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "slow",
		"-c:a", "aac",
		"-b:a", "128k",
		"-stats",
		"out.mkv",
	}, args)
}

func TestBuildArgsVP9(t *testing.T) {
	s := DefaultSettings()
	s.Codec = CodecVP9
	s.CRF = 31
	s.Preset = PresetVeryfast

	capped := BuildArgs("in.mp4", "out.webm", s, 800)
	assert.Contains(t, capped, "libvpx-vp9")
	assert.Contains(t, capped, "libopus")
	assert.Equal(t, "6", valueAfter(capped, "-cpu-used"))
	assert.Equal(t, "800k", valueAfter(capped, "-b:v"))
	assert.NotContains(t, capped, "-preset")

	uncapped := BuildArgs("in.mp4", "out.webm", s, 0)
	assert.Equal(t, "0", valueAfter(uncapped, "-b:v"))
}

func TestBuildArgsDeterministic(t *testing.T) {
	s := DefaultSettings()
	a := BuildArgs("in.mp4", "out.mp4", s, 500)
	b := BuildArgs("in.mp4", "out.mp4", s, 500)
	assert.Equal(t, a, b)
}

func TestOutputNaming(t *testing.T) {
	assert.Equal(t, ".webm", OutputExtension("clip.mp4", CodecVP9))
	assert.Equal(t, ".mkv", OutputExtension("clip.MKV", CodecH264))
	assert.Equal(t, ".mp4", OutputExtension("clip.avi", CodecH265))
	assert.Equal(t, "compressed_holiday.mp4", OutputFilename("holiday.wmv", CodecH264))
	assert.True(t, IsVideoFile("a/b/c.MOV"))
	assert.False(t, IsVideoFile("notes.txt"))
}

func TestProgressParserFromStderr(t *testing.T) {
	p := NewProgressParser(0)

	_, ok := p.Feed("frame=   10 fps=0.0 q=0.0 size=       0kB time=00:00:01.00 bitrate=N/A")
	assert.False(t, ok, "duration still unknown")

	_, ok = p.Feed("  Duration: 00:01:40.00, start: 0.000000, bitrate: 5000 kb/s")
	assert.False(t, ok)
	assert.Equal(t, 100*time.Second, p.TotalDuration())

	pct, ok := p.Feed("frame=  250 fps= 50 q=28.0 size=    1024kB time=00:00:25.00 bitrate=335.5kbits/s speed=2x")
	require.True(t, ok)
	assert.InDelta(t, 25.0, pct, 1e-6)

	_, ok = p.Feed("frame=  200 time=00:00:20.00")
	assert.False(t, ok, "out-of-order timestamp must be skipped")

	_, ok = p.Feed("garbage line without a clock")
	assert.False(t, ok)

	_, ok = p.Feed("time=N/A bitrate=N/A")
	assert.False(t, ok)

	pct, ok = p.Feed("time=00:02:00.00")
	require.True(t, ok)
	assert.Equal(t, 100.0, pct)
}

func TestProgressParserKnownDurationWins(t *testing.T) {
	p := NewProgressParser(200 * time.Second)
	p.Feed("Duration: 00:00:10.00, start: 0.0")
	pct, ok := p.Feed("time=00:00:50.00")
	require.True(t, ok)
	assert.InDelta(t, 25.0, pct, 1e-6)
}

func TestProgressParserMonotonicProperty(t *testing.T) {
	f := func(secs []uint16) bool {
		p := NewProgressParser(time.Hour)
		last := -1.0
		for _, s := range secs {
			line := "time=" + clock(time.Duration(s)*time.Second)
			pct, ok := p.Feed(line)
			if !ok {
				continue
			}
			if pct < last || pct < 0 || pct > 100 {
				return false
			}
			last = pct
		}
		return true
	}
	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 300}))
}

func TestParseProbeDuration(t *testing.T) {
	d, err := parseProbeDuration("123.456000\n")
	require.NoError(t, err)
	assert.InDelta(t, 123.456, d, 1e-9)

	_, err = parseProbeDuration("N/A")
	assert.Error(t, err)
	_, err = parseProbeDuration("")
	assert.Error(t, err)
}

func valueAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d.00", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
