// Package common provides centralized logging infrastructure for the OIAT
// automation platform. Log output is routed by severity: error and fatal
// lines go to stderr while everything else goes to stdout, so supervisors
// and shell wrappers can capture pipeline failures separately from the
// regular run narration.
//
// The logging system is built on logrus for structured logging. A global
// Logger instance is shared by every component; per-run jobs additionally
// attach a file hook so the complete run log lands next to the RunJob row
// that references it.
package common

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity marker. It operates on the final formatted output, so it
// works with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" or
// "level=fatal" are written to stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the OIAT platform. It is
// pre-configured with the OutputSplitter and a full-timestamp text
// formatter; services may switch it to JSON for production deployments.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// FileHook duplicates every log entry into a run log file. The dispatcher
// points one of these at the RunJob's log path so the portal's log-tail
// endpoint can stream the run as it happens.
type FileHook struct {
	mu   sync.Mutex
	file *os.File
	fmtr logrus.Formatter
}

// NewFileHook opens (or creates, append-only) the log file at path.
func NewFileHook(path string) (*FileHook, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileHook{
		file: f,
		fmtr: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
	}, nil
}

// Levels implements logrus.Hook.
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *FileHook) Fire(entry *logrus.Entry) error {
	line, err := h.fmtr.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.file.Write(line)
	return err
}

// Close flushes and closes the underlying log file.
func (h *FileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

var _ io.Writer = (*OutputSplitter)(nil)
