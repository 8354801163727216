package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/entrhq/commentd/pkg/browser"
	"github.com/entrhq/commentd/pkg/config"
	"github.com/entrhq/commentd/pkg/logging"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyRunning is returned when starting a session that already has a
	// worker.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrInvalidJob is returned when a job is missing a target, comments or
	// a positive delay.
	ErrInvalidJob = errors.New("invalid job")

	// ErrTargetNotAllowed is returned when the target host matches none of
	// the allowed target patterns.
	ErrTargetNotAllowed = errors.New("target not allowed")
)

// Default values
const (
	DefaultMaxLogs    = 30
	DefaultMaxRetries = 5
	subscribeBuffer   = 64
)

// Options configures a Registry.
type Options struct {
	// SnapshotPath is the JSON file holding per-session counters
	SnapshotPath string

	// LogDir holds one <ID>.log file per session
	LogDir string

	// MaxLogs bounds the in-memory log ring and the default Logs limit
	MaxLogs int

	// MaxRetries is the number of consecutive browser failures after which
	// a worker gives up
	MaxRetries int

	// BaseURL is the site home page opened before the post
	BaseURL string

	// AllowedTargets restricts target hosts when non-empty
	AllowedTargets []glob.Glob

	// Timings are the worker's fixed waits
	Timings config.Timings

	// Launcher starts one browser page per worker
	Launcher browser.Launcher

	Logger *logging.Logger

	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Registry owns every session and persists them to a snapshot file.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	snapshot *snapshotFile
	sink     *LogSink
	opts     Options
	logger   *logging.Logger

	hooksMu sync.RWMutex
	onStop  []func(Info)
}

// NewRegistry builds a registry and restores the snapshot. Restored sessions
// are never running. A corrupt snapshot is logged and ignored.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Launcher == nil {
		return nil, errors.New("session registry requires a browser launcher")
	}
	if opts.SnapshotPath == "" || opts.LogDir == "" {
		return nil, errors.New("session registry requires a snapshot path and a log directory")
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = DefaultMaxLogs
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("session")
	}

	sink, err := NewLogSink(opts.LogDir)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		snapshot: &snapshotFile{path: opts.SnapshotPath},
		sink:     sink,
		opts:     opts,
		logger:   opts.Logger,
	}
	r.restore()
	return r, nil
}

func (r *Registry) restore() {
	entries, err := r.snapshot.load()
	if err != nil {
		r.logger.Errorf("Ignoring registry snapshot %s: %v", r.opts.SnapshotPath, err)
		return
	}

	day := r.snapshot.modTime()
	for id, e := range entries {
		id = normalizeID(id)
		if id == "" {
			continue
		}
		if e.Running {
			r.logger.Infof("Session %s was running at shutdown, restored as stopped", id)
		}
		s := newSession(id, r.opts.MaxLogs, parseTime(e.CreatedAt, day))
		s.count = e.Count
		s.startedAt = parseTime(e.StartTime, day)
		s.stoppedAt = parseTime(e.StoppedAt, day)
		s.owner = e.Owner
		s.ownerID = e.OwnerID
		s.target = e.Target
		if s.createdAt.IsZero() {
			s.createdAt = s.startedAt
		}
		r.sessions[id] = s
	}
	r.logger.Infof("Restored %d sessions from %s", len(r.sessions), r.opts.SnapshotPath)
}

// OnStop registers fn to run whenever a worker exits.
func (r *Registry) OnStop(fn func(Info)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onStop = append(r.onStop, fn)
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func newID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Create adds an idle session with a fresh ID.
func (r *Registry) Create() Info {
	r.mu.Lock()
	id := newID()
	for r.sessions[id] != nil {
		id = newID()
	}
	s := newSession(id, r.opts.MaxLogs, r.opts.Now())
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Infof("Created session %s", id)
	r.persist()
	return s.Info()
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, normalizeID(id))
	}
	return s, nil
}

// Get returns the session with the given ID, matched case-insensitively.
func (r *Registry) Get(id string) (Info, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// List returns every session ordered by start time, then ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Active returns the running sessions.
func (r *Registry) Active() []Info {
	return r.filter(func(i Info) bool { return i.Running })
}

// Stopped returns stopped sessions that sent at least one comment.
func (r *Registry) Stopped() []Info {
	return r.filter(func(i Info) bool { return !i.Running && i.Count > 0 })
}

func (r *Registry) filter(keep func(Info) bool) []Info {
	var out []Info
	for _, info := range r.List() {
		if keep(info) {
			out = append(out, info)
		}
	}
	return out
}

// Totals returns the comments sent across all sessions and the number of
// running sessions.
func (r *Registry) Totals() (comments, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		info := s.Info()
		comments += info.Count
		if info.Running {
			active++
		}
	}
	return comments, active
}

// Validate reports whether Start would accept job.
func (r *Registry) Validate(job Job) error {
	return r.validate(&job)
}

func (r *Registry) validate(job *Job) error {
	job.Target = strings.TrimSpace(job.Target)
	if job.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidJob)
	}
	if len(job.Comments) == 0 {
		return fmt.Errorf("%w: at least one comment is required", ErrInvalidJob)
	}
	if job.Delay <= 0 {
		return fmt.Errorf("%w: delay must be positive", ErrInvalidJob)
	}

	host, err := TargetHost(r.opts.BaseURL, job.Target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if len(r.opts.AllowedTargets) == 0 {
		return nil
	}
	for _, g := range r.opts.AllowedTargets {
		if g.Match(host) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTargetNotAllowed, host)
}

// Start launches a worker for the session. The worker outlives ctx's
// cancellation and runs until Stop or Shutdown; ctx only bounds waiting for
// a previous worker of the same session to exit.
func (r *Registry) Start(ctx context.Context, id string, job Job) error {
	if err := r.validate(&job); err != nil {
		return err
	}
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for s.running || s.done != nil {
		if s.running {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.ID)
		}
		prev := s.done
		s.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.running = true
	s.count = 0
	s.cursor = 0
	s.logs.reset()
	s.startedAt = r.opts.Now()
	s.stoppedAt = time.Time{}
	s.owner = job.Owner
	s.ownerID = job.OwnerID
	s.target = job.Target
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if err := r.sink.Reset(s.ID); err != nil {
		r.logger.Warnf("Session %s: %v", s.ID, err)
	}
	r.logf(s, "Session %s starting...", s.ID)
	r.persist()

	w := &worker{reg: r, s: s, job: job, cancel: cancel, done: done}
	go w.run(wctx)
	return nil
}

// Stop clears the running flag, cancels the worker and closes its browser.
// Stopping a stopped session does nothing.
func (r *Registry) Stop(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stoppedAt = r.opts.Now()
	cancel := s.cancel
	page := s.page
	s.page = nil
	s.mu.Unlock()

	r.logger.Infof("Stopping session %s", s.ID)
	if cancel != nil {
		cancel()
	}
	if page != nil {
		if err := page.Close(); err != nil {
			r.logger.Debugf("Session %s: closing page: %v", s.ID, err)
		}
	}
	r.persist()
	return nil
}

// Logs returns the last limit log lines of a session, read from its log
// file when possible and from memory otherwise. limit <= 0 means MaxLogs.
func (r *Registry) Logs(id string, limit int) []string {
	if limit <= 0 {
		limit = r.opts.MaxLogs
	}
	id = normalizeID(id)

	lines, err := r.sink.Tail(id, limit)
	if err == nil {
		return lines
	}

	s, lerr := r.lookup(id)
	if lerr != nil {
		return []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs.last(limit)
}

// Subscribe returns a channel receiving every new log line of the session
// and a function that ends the subscription.
func (r *Registry) Subscribe(id string) (<-chan string, func(), error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.subscribe(subscribeBuffer)
	return ch, cancel, nil
}

// SubscribeWithBacklog is Subscribe plus the last limit lines logged before
// the subscription started. Lines logged concurrently are delivered exactly
// once, either in the backlog or on the channel.
func (r *Registry) SubscribeWithBacklog(id string, limit int) ([]string, <-chan string, func(), error) {
	if limit <= 0 {
		limit = r.opts.MaxLogs
	}
	s, err := r.lookup(id)
	if err != nil {
		return nil, nil, nil, err
	}

	// restored sessions start with an empty ring but keep their log file
	fallback := func() []string {
		lines, err := r.sink.Tail(s.ID, limit)
		if err != nil {
			return []string{}
		}
		return lines
	}
	backlog, ch, cancel := s.subscribeWithBacklog(subscribeBuffer, limit, fallback)
	return backlog, ch, cancel, nil
}

// UpdateCount sets the session's comment counter and persists it.
func (r *Registry) UpdateCount(id string, n int) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.count = n
	s.mu.Unlock()

	r.persist()
	return nil
}

// CleanupStopped removes every stopped session that never sent a comment
// along with its log file, and returns the removed IDs.
func (r *Registry) CleanupStopped() []string {
	r.mu.Lock()
	var removed []string
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := !s.running && s.done == nil && s.count == 0
		s.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		if err := r.sink.Remove(id); err != nil {
			r.logger.Warnf("Session %s: %v", id, err)
		}
	}
	if len(removed) > 0 {
		r.logger.Infof("Cleaned up %d idle sessions", len(removed))
	}
	r.persist()
	return removed
}

// Shutdown stops every worker and waits for them to exit, bounded by ctx,
// then persists the registry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	var waits []chan struct{}
	var running []string
	for id, s := range r.sessions {
		s.mu.Lock()
		if s.done != nil {
			waits = append(waits, s.done)
		}
		if s.running {
			running = append(running, id)
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range running {
		if err := r.Stop(id); err != nil {
			r.logger.Warnf("Failed to stop session %s: %v", id, err)
		}
	}

	var err error
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	if serr := r.Save(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Save writes the snapshot file.
func (r *Registry) Save() error {
	r.mu.RLock()
	entries := make(map[string]snapshotEntry, len(r.sessions))
	for id, s := range r.sessions {
		info := s.Info()
		entries[id] = snapshotEntry{
			Count:     info.Count,
			Running:   info.Running,
			StartTime: formatTime(info.StartedAt),
			CreatedAt: formatTime(info.CreatedAt),
			StoppedAt: formatTime(info.StoppedAt),
			Owner:     info.Owner,
			OwnerID:   info.OwnerID,
			Target:    info.Target,
		}
	}
	r.mu.RUnlock()

	return r.snapshot.save(entries)
}

func (r *Registry) persist() {
	if err := r.Save(); err != nil {
		r.logger.Errorf("Failed to save registry: %v", err)
	}
}

// logf records a timestamped activity line for the session.
func (r *Registry) logf(s *Session, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	line := fmt.Sprintf("[%s] %s", r.opts.Now().Format("15:04:05"), msg)

	s.record(line)
	if err := r.sink.Append(s.ID, line); err != nil {
		r.logger.Warnf("Session %s: %v", s.ID, err)
	}
	r.logger.Debugf("[%s] %s", s.ID, msg)
}

func (r *Registry) fireStop(info Info) {
	r.hooksMu.RLock()
	hooks := append([]func(Info){}, r.onStop...)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(info)
	}
}
