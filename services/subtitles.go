package services

import (
	"fmt"
	"strings"

	"storystudio/utils"
)

// BuildSRT renders one subtitle cue per narrated segment, spanning the segment
func BuildSRT(segments []Segment) string {
	var b strings.Builder
	n := 0
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Script)
		if text == "" || seg.End <= seg.Start {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n,
			utils.FormatSRTTimestamp(seg.Start),
			utils.FormatSRTTimestamp(seg.End),
			text,
		)
	}
	return b.String()
}
