package output

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

var byteUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// FormatBytes converts bytes to human-readable IEC form.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	value := float64(bytes)
	idx := -1
	for value >= unit && idx < len(byteUnits)-1 {
		value /= unit
		idx++
	}
	return fmt.Sprintf("%.1f %s", value, byteUnits[idx])
}

// FormatSpeed renders a rate in bytes/second.
func FormatSpeed(bytesPerSec uint64) string {
	return FormatBytes(bytesPerSec) + "/s"
}

// FormatETA renders seconds remaining, or a dash when unknown.
func FormatETA(eta *int64) string {
	if eta == nil {
		return "--"
	}
	secs := *eta
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
}

// ProgressBar renders a fixed-width bar for current/total.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := min(int(percent*float64(width)), width)
	bar := styleSymbols["bullet"]
	bar += strings.Repeat(styleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += styleSymbols["bullet"]
	return detailStyle.Render(fmt.Sprintf("%s %.1f%%", bar, percent*100))
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
