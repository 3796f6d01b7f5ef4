package compress

import (
	"regexp"
	"strconv"
	"time"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timeRe     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// ProgressParser は ffmpeg の標準エラー出力を1行ずつ受け取り、進捗率に変換します。
// 解析できない行は無視され、エンコード自体を止めることはありません。
type ProgressParser struct {
	total   time.Duration
	last    time.Duration
	emitted bool
}

// NewProgressParser はパーサーを作成します。knownDuration が正なら総再生時間として使い、
// 出力中の Duration 行より優先します。
func NewProgressParser(knownDuration time.Duration) *ProgressParser {
	p := &ProgressParser{}
	if knownDuration > 0 {
		p.total = knownDuration
	}
	return p
}

// TotalDuration は判明している総再生時間を返します (未判明なら 0)。
func (p *ProgressParser) TotalDuration() time.Duration {
	return p.total
}

// Feed は1行を解析し、進捗率 (0〜100) を返します。
// 時刻を含まない行、総再生時間が未判明の場合、時刻が巻き戻った場合は false を返します。
func (p *ProgressParser) Feed(line string) (float64, bool) {
	if p.total <= 0 {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			if d, ok := parseClock(m[1], m[2], m[3]); ok && d > 0 {
				p.total = d
			}
			return 0, false
		}
	}

	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	current, ok := parseClock(m[1], m[2], m[3])
	if !ok || p.total <= 0 {
		return 0, false
	}
	if p.emitted && current < p.last {
		return 0, false
	}
	p.last = current
	p.emitted = true

	return clampPercent(100 * float64(current) / float64(p.total)), true
}

func parseClock(h, m, s string) (time.Duration, bool) {
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.Atoi(m)
	if err != nil || mins >= 60 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs >= 60 {
		return 0, false
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs*float64(time.Second)), true
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
