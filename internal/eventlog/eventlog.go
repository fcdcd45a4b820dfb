// Package eventlog appends human-readable workflow lines to a text file.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hiveforge/hiveforge/internal/domain"
)

// Log is an append-only text file of "<timestamp> [<thread>] <text>" lines.
// A nil *Log discards everything.
type Log struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a log that writes to path, creating its directory.
func New(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &Log{path: path, now: time.Now}, nil
}

// Path returns the file backing this log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one line for threadID.
func (l *Log) Append(threadID, text string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s [%s] %s\n",
		l.now().UTC().Format(domain.HistoryTimeFormat),
		threadID,
		strings.TrimSpace(text),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// Transition records a state change.
func (l *Log) Transition(threadID string, from, to domain.State) error {
	return l.Append(threadID, fmt.Sprintf("%s -> %s", from, to))
}

// Tail returns up to maxLines of the most recent lines. A missing file has
// no lines.
func (l *Log) Tail(maxLines int) ([]string, error) {
	if l == nil || maxLines <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > 2*maxLines {
			lines = append(lines[:0], lines[len(lines)-maxLines:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}
