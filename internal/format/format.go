// Package format renders session values for display.
package format

import (
	"fmt"
	"math"
	"strings"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Formatting constants.
const (
	secondsInMinute      = 60
	centisecondsInSecond = 100
	formatClock          = "%02d:%05.2fs"
	formatGB             = "%.1f GB"
	formatMB             = "%.1f MB"
	formatKB             = "%.1f KB"
	formatBytes          = "%d B"
	formatPercent        = "%d%%"
	signatureIDPrefix    = "VX-"
)

// Duration formats seconds as minutes and fractional seconds, e.g. 72.5
// renders as "01:12.50s". The value is rounded to centiseconds before it is
// split, so 59.996 renders as "01:00.00s". Negative values render as zero.
func Duration(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}

	centiseconds := int64(math.Round(seconds * centisecondsInSecond))
	minutes := centiseconds / (secondsInMinute * centisecondsInSecond)
	remaining := float64(centiseconds%(secondsInMinute*centisecondsInSecond)) / centisecondsInSecond

	return fmt.Sprintf(formatClock, minutes, remaining)
}

// FileSize formats a byte count in a human-readable string (e.g. "2.2 MB").
func FileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// SignatureID returns the display identifier of a voice signature.
func SignatureID(taskID string) string {
	if taskID == "" {
		return ""
	}

	return signatureIDPrefix + strings.ToUpper(taskID)
}

// Percent renders progress clamped to 0..100 as a whole percentage.
func Percent(progress float64) string {
	clamped := math.Max(0, math.Min(100, progress))

	return fmt.Sprintf(formatPercent, int(math.Round(clamped)))
}
