package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogSink stores session activity logs as one append-only text file per
// session: <dir>/<ID>.log
type LogSink struct {
	dir string
	mu  sync.Mutex
}

// NewLogSink creates the log directory if needed.
func NewLogSink(dir string) (*LogSink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create session log directory: %w", err)
	}
	return &LogSink{dir: dir}, nil
}

func (l *LogSink) path(id string) string {
	return filepath.Join(l.dir, id+".log")
}

// Append writes one line to the session's log file.
func (l *LogSink) Append(id, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write session log: %w", err)
	}
	return f.Close()
}

// Reset truncates (or creates) the session's log file.
func (l *LogSink) Reset(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.WriteFile(l.path(id), nil, 0600); err != nil {
		return fmt.Errorf("failed to reset session log: %w", err)
	}
	return nil
}

// Tail returns the last limit lines of the session's log file.
func (l *LogSink) Tail(id string, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		lines = append(lines, line)
		if limit > 0 && len(lines) > 2*limit {
			lines = append(lines[:0:0], lines[len(lines)-limit:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// Remove deletes the session's log file. A missing file is not an error.
func (l *LogSink) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session log: %w", err)
	}
	return nil
}
