package transcoder

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Progress is one block of the transcoder's -progress output.
type Progress struct {
	Frame      int64   `json:"frame"`
	FPS        float64 `json:"fps"`
	StreamQ    float64 `json:"stream_0_0_q"`
	Bitrate    string  `json:"bitrate"`
	TotalSize  int64   `json:"total_size"`
	OutTimeUs  int64   `json:"out_time_us"`
	OutTime    string  `json:"out_time"`
	DupFrames  int64   `json:"dup_frames"`
	DropFrames int64   `json:"drop_frames"`
	Speed      string  `json:"speed"`
	Phase      string  `json:"progress"` // "continue" or "end"
}

// ParseProgressBlock builds a Progress from the key=value pairs of one block.
// A block without a numeric frame count or a progress marker is rejected.
func ParseProgressBlock(kv map[string]string) (Progress, error) {
	var p Progress

	frame, ok := kv["frame"]
	if !ok {
		return p, fmt.Errorf("missing frame")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(frame), 10, 64)
	if err != nil {
		return p, fmt.Errorf("invalid frame %q: %w", frame, err)
	}
	p.Frame = n

	phase, ok := kv["progress"]
	if !ok {
		return p, fmt.Errorf("missing progress marker")
	}
	p.Phase = strings.TrimSpace(phase)

	// The remaining values are "N/A" until the encoder has output.
	p.FPS = parseFloat(kv["fps"])
	p.StreamQ = parseFloat(kv["stream_0_0_q"])
	p.Bitrate = strings.TrimSpace(kv["bitrate"])
	p.TotalSize = parseInt(kv["total_size"])
	p.OutTimeUs = parseInt(kv["out_time_us"])
	p.OutTime = strings.TrimSpace(kv["out_time"])
	p.DupFrames = parseInt(kv["dup_frames"])
	p.DropFrames = parseInt(kv["drop_frames"])
	p.Speed = strings.TrimSpace(kv["speed"])

	return p, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

// scanProgress reads -progress output from r and calls fn for every well
// formed block. Lines outside a block are ignored.
func scanProgress(r io.Reader, fn func(Progress)) {
	scanner := bufio.NewScanner(r)

	var block map[string]string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		if key == "frame" {
			block = make(map[string]string, 12)
		}
		if block == nil {
			continue
		}
		block[key] = value

		if key == "progress" {
			if p, err := ParseProgressBlock(block); err == nil {
				fn(p)
			}
			block = nil
		}
	}
	// Keep the pipe drained so the process never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}
