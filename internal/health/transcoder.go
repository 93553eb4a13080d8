package health

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// TranscoderChecker verifies the transcoder binary runs and offers the
// encoders the streams and snapshots depend on.
type TranscoderChecker struct {
	path     string
	encoders []string
}

// NewTranscoderChecker creates a checker for the transcoder at path that
// also requires the given encoders.
func NewTranscoderChecker(path string, encoders []string) *TranscoderChecker {
	return &TranscoderChecker{path: path, encoders: encoders}
}

func (t *TranscoderChecker) Name() string {
	return "transcoder"
}

func (t *TranscoderChecker) Check(ctx context.Context) error {
	if t.path == "" {
		return fmt.Errorf("transcoder path is empty")
	}
	if _, err := exec.LookPath(t.path); err != nil {
		return fmt.Errorf("transcoder binary not executable: %w", err)
	}

	if _, err := t.Version(ctx); err != nil {
		return err
	}

	if len(t.encoders) == 0 {
		return nil
	}

	available, err := t.Encoders(ctx)
	if err != nil {
		return err
	}

	var missing []string
	for _, enc := range t.encoders {
		if !available[enc] {
			missing = append(missing, enc)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing encoders: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Version returns the first line of `-version`.
func (t *TranscoderChecker) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, t.path, "-hide_banner", "-version").Output()
	if err != nil {
		return "", fmt.Errorf("transcoder version check failed: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no version information found")
	}
	return line, nil
}

// Encoders lists the encoder names reported by `-encoders`.
func (t *TranscoderChecker) Encoders(ctx context.Context) (map[string]bool, error) {
	out, err := exec.CommandContext(ctx, t.path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get encoder list: %w", err)
	}
	return parseEncoders(out), nil
}

// parseEncoders reads lines like " V....D libx264  libx264 H.264 ..." that
// follow the " ------" separator.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	listing := false

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if !listing {
			listing = strings.HasPrefix(fields[0], "---")
			continue
		}
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}
