package utils

import (
	"fmt"
	"time"
)

// FormatSRTTimestamp formats a duration as an SRT timestamp (HH:MM:SS,mmm)
func FormatSRTTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := d.Round(time.Millisecond).Milliseconds()

	h := total / 3_600_000
	m := (total / 60_000) % 60
	s := (total / 1000) % 60
	ms := total % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
