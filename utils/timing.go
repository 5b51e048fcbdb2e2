package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where timing statistics are printed.
// Defaults to os.Stderr so that result lines on stdout stay clean.
var Output io.Writer = os.Stderr

// TimingStats holds timing information for the evaluation phases
type TimingStats struct {
	TotalTime       time.Duration
	LoadTime        time.Duration
	ExtractTime     time.Duration
	CalibrationTime time.Duration
	ValidationTime  time.Duration
	ExportTime      time.Duration
}

// Measure runs fn and adds its wall time to *d.
func Measure(d *time.Duration, fn func() error) error {
	start := time.Now()
	err := fn()
	*d += time.Since(start)
	return err
}

// PrintTimingStats prints detailed timing statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats, images int) {
	if !Verbose {
		return
	}
	pct := func(d time.Duration) float64 {
		if stats.TotalTime == 0 {
			return 0
		}
		return float64(d) / float64(stats.TotalTime) * 100
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	fmt.Fprintln(Output, "\nBreakdown by phase:")
	fmt.Fprintf(Output, "  Checkpoint loading: %v (%.1f%%)\n", stats.LoadTime, pct(stats.LoadTime))
	fmt.Fprintf(Output, "  Sub-network extraction: %v (%.1f%%)\n", stats.ExtractTime, pct(stats.ExtractTime))
	fmt.Fprintf(Output, "  BN recalibration: %v (%.1f%%)\n", stats.CalibrationTime, pct(stats.CalibrationTime))
	fmt.Fprintf(Output, "  Validation: %v (%.1f%%)\n", stats.ValidationTime, pct(stats.ValidationTime))
	fmt.Fprintf(Output, "  Export: %v (%.1f%%)\n", stats.ExportTime, pct(stats.ExportTime))
	if images > 0 {
		fmt.Fprintln(Output, "\nPerformance metrics:")
		fmt.Fprintf(Output, "  Validation images: %d\n", images)
		fmt.Fprintf(Output, "  Average time per image: %.1fµs\n", DurationUS(stats.ValidationTime)/float64(images))
	}
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
