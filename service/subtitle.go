package service

import (
	"fmt"
	"math"
	"strings"
)

type subtitleCue struct {
	Start float64
	End   float64
	Text  string
}

// buildSRT 生成 SRT 字幕，跳过空字幕且序号保持连续
func buildSRT(cues []subtitleCue) string {
	var b strings.Builder
	n := 0
	for _, c := range cues {
		text := strings.TrimSpace(c.Text)
		if text == "" || c.End <= c.Start {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, srtTimestamp(c.Start), srtTimestamp(c.End), text)
	}
	return b.String()
}

func srtTimestamp(sec float64) string {
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
