package playback

import (
	"math"
	"strings"
)

// Segments returns the fill of each item's progress bar segment, in percent:
// items before active are full, active shows progress, the rest are empty.
// An active index outside [0, count) leaves every segment empty.
func Segments(count, active int, progress float64) []float64 {
	if count <= 0 {
		return nil
	}
	out := make([]float64, count)
	if active < 0 || active >= count {
		return out
	}
	for i := 0; i < active; i++ {
		out[i] = 100
	}
	out[active] = clampPercent(progress)
	return out
}

// RenderBar draws segments as text, each segment width cells wide, e.g.
// "[####|##--|----]". A width below 1 is treated as 1.
func RenderBar(segments []float64, width int) string {
	if width < 1 {
		width = 1
	}
	var b strings.Builder

	b.WriteString("[")
	for i, fill := range segments {
		if i > 0 {
			b.WriteString("|")
		}
		filled := int(math.Round(clampPercent(fill) / 100 * float64(width)))
		b.WriteString(strings.Repeat("#", filled))
		b.WriteString(strings.Repeat("-", width-filled))
	}
	b.WriteString("]")

	return b.String()
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
