package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshotEntry is the persisted state of one session. The file is a flat
// object keyed by session ID.
type snapshotEntry struct {
	Count     int    `json:"count"`
	Running   bool   `json:"running"`
	StartTime string `json:"start_time,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	StoppedAt string `json:"stopped_at,omitempty"`
	Owner     string `json:"owner,omitempty"`
	OwnerID   int64  `json:"owner_id,omitempty"`
	Target    string `json:"target,omitempty"`
}

// snapshotFile reads and atomically writes the registry snapshot.
type snapshotFile struct {
	path string
	mu   sync.Mutex
}

func (f *snapshotFile) load() (map[string]snapshotEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]snapshotEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open registry snapshot: %w", err)
	}
	defer file.Close()

	entries := make(map[string]snapshotEntry)
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode registry snapshot: %w", err)
	}
	return entries, nil
}

func (f *snapshotFile) save(entries map[string]snapshotEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tempPath := f.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime accepts RFC 3339 timestamps. Older snapshots stored only a
// wall-clock "15:04:05"; those are placed on the snapshot's own day.
func parseTime(s string, day time.Time) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("15:04:05", s, time.Local); err == nil && !day.IsZero() {
		y, m, d := day.In(time.Local).Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, time.Local)
	}
	return time.Time{}
}

func (f *snapshotFile) modTime() time.Time {
	fi, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
