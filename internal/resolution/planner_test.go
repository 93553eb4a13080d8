package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	resize1280x720 = "scale='min(1280,iw)':'min(720,ih)':force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		width    int
		height   int
		limits   Limits
		snapshot bool
		want     Plan
	}{
		{
			name:   "forced max clamps stream",
			width:  1920,
			height: 1080,
			limits: Limits{MaxWidth: 1280, MaxHeight: 720, ForceMax: true},
			want: Plan{
				Width:        1280,
				Height:       720,
				ResizeFilter: resize1280x720,
				VideoFilter:  resize1280x720 + "," + evenDimensions,
			},
		},
		{
			name:   "below max without force is unchanged",
			width:  640,
			height: 360,
			limits: Limits{MaxWidth: 1280, MaxHeight: 720},
			want: Plan{
				Width:        640,
				Height:       360,
				ResizeFilter: "scale='min(640,iw)':'min(360,ih)':force_original_aspect_ratio=decrease,pad=640:360:(ow-iw)/2:(oh-ih)/2",
				VideoFilter:  "scale='min(640,iw)':'min(360,ih)':force_original_aspect_ratio=decrease,pad=640:360:(ow-iw)/2:(oh-ih)/2," + evenDimensions,
			},
		},
		{
			name:   "forced max raises smaller stream request",
			width:  320,
			height: 240,
			limits: Limits{MaxWidth: 1280, MaxHeight: 720, ForceMax: true},
			want: Plan{
				Width:        1280,
				Height:       720,
				ResizeFilter: resize1280x720,
				VideoFilter:  resize1280x720 + "," + evenDimensions,
			},
		},
		{
			name:   "exceeding one bound clamps only that bound",
			width:  1920,
			height: 480,
			limits: Limits{MaxWidth: 1280, MaxHeight: 720},
			want: Plan{
				Width:        1280,
				Height:       480,
				ResizeFilter: "scale='min(1280,iw)':'min(480,ih)':force_original_aspect_ratio=decrease,pad=1280:480:(ow-iw)/2:(oh-ih)/2",
				VideoFilter:  "scale='min(1280,iw)':'min(480,ih)':force_original_aspect_ratio=decrease,pad=1280:480:(ow-iw)/2:(oh-ih)/2," + evenDimensions,
			},
		},
		{
			name:     "snapshot never clamped and never rounded",
			width:    1920,
			height:   1080,
			limits:   Limits{MaxWidth: 1280, MaxHeight: 720, ForceMax: true},
			snapshot: true,
			want: Plan{
				Width:        1920,
				Height:       1080,
				ResizeFilter: "scale='min(1920,iw)':'min(1080,ih)':force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2",
				VideoFilter:  "scale='min(1920,iw)':'min(1080,ih)':force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2",
			},
		},
		{
			name:   "width only has no pad",
			width:  800,
			height: 0,
			limits: Limits{},
			want: Plan{
				Width:        800,
				ResizeFilter: "scale='min(800,iw)':ih:force_original_aspect_ratio=decrease",
				VideoFilter:  "scale='min(800,iw)':ih:force_original_aspect_ratio=decrease," + evenDimensions,
			},
		},
		{
			name:   "no bounds means no resize",
			limits: Limits{},
			want:   Plan{},
		},
		{
			name:   "custom filters come first",
			width:  640,
			height: 480,
			limits: Limits{VideoFilter: "hflip, vflip"},
			want: Plan{
				Width:        640,
				Height:       480,
				SnapFilter:   "hflip,vflip",
				ResizeFilter: "scale='min(640,iw)':'min(480,ih)':force_original_aspect_ratio=decrease,pad=640:480:(ow-iw)/2:(oh-ih)/2",
				VideoFilter:  "hflip,vflip,scale='min(640,iw)':'min(480,ih)':force_original_aspect_ratio=decrease,pad=640:480:(ow-iw)/2:(oh-ih)/2," + evenDimensions,
			},
		},
		{
			name:   "none disables resize",
			width:  1920,
			height: 1080,
			limits: Limits{MaxWidth: 1280, MaxHeight: 720, VideoFilter: "none,hflip"},
			want: Plan{
				Width:       1280,
				Height:      720,
				SnapFilter:  "hflip",
				VideoFilter: "hflip",
			},
		},
		{
			name:   "none alone leaves no filters",
			width:  640,
			height: 480,
			limits: Limits{VideoFilter: "none"},
			want:   Plan{Width: 640, Height: 480},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.width, tt.height, tt.limits, tt.snapshot)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		max       int
		force     bool
		want      int
	}{
		{"unbounded", 30, 0, true, 30},
		{"below max", 15, 30, false, 15},
		{"above max", 60, 30, false, 30},
		{"forced below max", 15, 30, true, 30},
		{"equal", 30, 30, false, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rate(tt.requested, tt.max, tt.force))
		})
	}
}
