// Package resolution derives the effective output size and transcoder filter
// chains for a stream or snapshot request.
package resolution

import (
	"fmt"
	"strings"
)

// NoneFilter in the configured filter list disables automatic resizing.
const NoneFilter = "none"

// evenDimensions rounds both dimensions down to even values, which most
// H.264 encoders require.
const evenDimensions = "scale=trunc(iw/2)*2:trunc(ih/2)*2"

// Limits are the per-accessory bounds from configuration.
type Limits struct {
	MaxWidth    int
	MaxHeight   int
	ForceMax    bool
	VideoFilter string // comma separated
}

// Plan is the outcome of planning one request.
type Plan struct {
	Width  int
	Height int

	// SnapFilter is the custom filter chain for single-frame extraction.
	SnapFilter string
	// ResizeFilter scales (and pads) to the requested size. Empty when no
	// bound applies or resizing is disabled.
	ResizeFilter string
	// VideoFilter is the full chain for a live stream.
	VideoFilter string
}

// Resolve plans a request of width x height. Stream requests are clamped to
// the configured maxima when forced or when they exceed them; snapshot
// requests never are.
func Resolve(width, height int, limits Limits, snapshot bool) Plan {
	plan := Plan{Width: width, Height: height}

	if !snapshot {
		if limits.MaxWidth > 0 && (limits.ForceMax || width > limits.MaxWidth) {
			plan.Width = limits.MaxWidth
		}
		if limits.MaxHeight > 0 && (limits.ForceMax || height > limits.MaxHeight) {
			plan.Height = limits.MaxHeight
		}
	}

	filters, resize := splitFilters(limits.VideoFilter)
	plan.SnapFilter = strings.Join(filters, ",")

	if resize && (plan.Width > 0 || plan.Height > 0) {
		plan.ResizeFilter = resizeFilter(plan.Width, plan.Height)
		filters = append(filters, plan.ResizeFilter)
		if !snapshot {
			filters = append(filters, evenDimensions)
		}
	}

	plan.VideoFilter = strings.Join(filters, ",")
	return plan
}

// splitFilters returns the custom filters with "none" removed, and whether
// automatic resizing is still enabled.
func splitFilters(list string) ([]string, bool) {
	resize := true
	var filters []string
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		switch f {
		case "":
		case NoneFilter:
			resize = false
		default:
			filters = append(filters, f)
		}
	}
	return filters, resize
}

func resizeFilter(width, height int) string {
	w, h := "iw", "ih"
	if width > 0 {
		w = fmt.Sprintf("'min(%d,iw)'", width)
	}
	if height > 0 {
		h = fmt.Sprintf("'min(%d,ih)'", height)
	}

	filter := fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=decrease", w, h)
	if width > 0 && height > 0 {
		filter += fmt.Sprintf(",pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height)
	}
	return filter
}

// Rate clamps a requested frame rate or bitrate to max when forced or when
// the request exceeds it. A max of zero means unbounded.
func Rate(requested, max int, force bool) int {
	if max > 0 && (force || requested > max) {
		return max
	}
	return requested
}
