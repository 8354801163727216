// Package session runs comment automation sessions. A Registry owns every
// session, persists their counters to a JSON snapshot and drives one worker
// goroutine per running session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/commentd/pkg/browser"
)

// Session is one automation run slot. All mutable fields are guarded by mu.
type Session struct {
	ID string

	mu        sync.Mutex
	running   bool
	count     int
	cursor    int
	logs      *logRing
	page      browser.Page
	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
	owner     string
	ownerID   int64
	target    string

	cancel context.CancelFunc
	done   chan struct{}
	subs   map[chan string]struct{}
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID        string    `json:"id"`
	Running   bool      `json:"running"`
	Count     int       `json:"count"`
	Owner     string    `json:"owner,omitempty"`
	OwnerID   int64     `json:"owner_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// StartTime formats the start timestamp the way it appears in the
// dashboard.
func (i Info) StartTime() string {
	if i.StartedAt.IsZero() {
		return "-"
	}
	return i.StartedAt.Local().Format("15:04:05")
}

func newSession(id string, maxLogs int, now time.Time) *Session {
	return &Session{
		ID:        id,
		logs:      newLogRing(maxLogs),
		createdAt: now,
		subs:      make(map[chan string]struct{}),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	return Info{
		ID:        s.ID,
		Running:   s.running,
		Count:     s.count,
		Owner:     s.owner,
		OwnerID:   s.ownerID,
		Target:    s.target,
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
	}
}

// Running reports whether a worker is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Count returns the number of comments sent in the current run.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// record adds a formatted line to the ring and fans it out to subscribers.
// Slow subscribers miss lines instead of blocking the worker.
func (s *Session) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs.add(line)
	for ch := range s.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (s *Session) subscribe(buffer int) (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(buffer)
}

// subscribeWithBacklog registers a subscriber together with the last n
// recorded lines. A line lands either in the backlog or on the channel,
// never both. fallback supplies the backlog while the ring is empty.
func (s *Session) subscribeWithBacklog(buffer, n int, fallback func() []string) ([]string, <-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog := s.logs.last(n)
	if len(backlog) == 0 && fallback != nil {
		backlog = fallback()
	}
	ch, cancel := s.subscribeLocked(buffer)
	return backlog, ch, cancel
}

func (s *Session) subscribeLocked(buffer int) (<-chan string, func()) {
	ch := make(chan string, buffer)
	s.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// nextComment returns the comment at the cursor and advances it.
func (s *Session) nextComment(comments []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := comments[s.cursor%len(comments)]
	s.cursor++
	return c
}

func (s *Session) increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return s.count
}

func (s *Session) setPage(p browser.Page) {
	s.mu.Lock()
	s.page = p
	s.mu.Unlock()
}

// takePage detaches the page so exactly one caller closes it.
func (s *Session) takePage() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page
	s.page = nil
	return p
}
