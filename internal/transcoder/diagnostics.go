package transcoder

import (
	"bufio"
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
)

var errorLine = regexp.MustCompile(`\[(panic|fatal|error)\]`)

// ClassifyLine returns the level a diagnostic line is logged at.
func ClassifyLine(line string) logrus.Level {
	if errorLine.MatchString(line) {
		return logrus.ErrorLevel
	}
	return logrus.DebugLevel
}

// scanDiagnostics calls fn for every stderr line.
func scanDiagnostics(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}
