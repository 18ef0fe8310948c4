package evaluate

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// #region progress-bar
// ProgressBar renders "done/total" with rate and ETA on a single
// terminal line.
type ProgressBar struct {
	w         io.Writer
	total     int
	current   int
	startTime time.Time
	width     int
}

// NewProgressBar starts a bar over total tasks.
func NewProgressBar(w io.Writer, total int) *ProgressBar {
	pb := &ProgressBar{
		w:         w,
		total:     total,
		startTime: time.Now(),
		width:     40,
	}
	pb.render()
	return pb
}

// Advance marks n more tasks done.
func (pb *ProgressBar) Advance(n int) {
	pb.current += n
	pb.render()
}

// Finish ends the line.
func (pb *ProgressBar) Finish() {
	fmt.Fprintln(pb.w)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r[%s] %d/%d", bar, pb.current, pb.total)
	if pb.current > 0 {
		rate := float64(pb.current) / max(elapsed.Seconds(), 1e-9)
		eta := time.Duration(float64(elapsed) * (1/max(percentage, 1e-9) - 1))
		line += fmt.Sprintf(", %.1f task/s, elapsed: %s, ETA: %s",
			rate, formatDuration(elapsed), formatDuration(eta))
	}
	fmt.Fprint(pb.w, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// #endregion progress-bar
