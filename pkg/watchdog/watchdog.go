// Package watchdog keeps the process healthy while it runs unattended. It
// samples memory on a fixed interval, returns memory to the OS when usage
// crosses a threshold and records a heartbeat that the status endpoint
// reports.
package watchdog

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/entrhq/commentd/pkg/logging"
)

// Default values
const (
	DefaultInterval    = 30 * time.Second
	DefaultThresholdMB = 350
)

// Status is reported by the status endpoint.
type Status struct {
	MemoryMB      float64   `json:"memory_mb"`
	Uptime        float64   `json:"uptime"`
	SinceBeat     float64   `json:"since_heartbeat"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Cleanups      int       `json:"cleanups"`
	Running       bool      `json:"running"`
}

// Options configures a Watchdog.
type Options struct {
	Interval    time.Duration
	ThresholdMB float64
	Logger      *logging.Logger
}

// Watchdog runs the memory monitor loop.
type Watchdog struct {
	interval  time.Duration
	threshold float64
	logger    *logging.Logger

	// overridable in tests
	readMemory func() uint64
	reclaim    func()
	now        func() time.Time

	mu       sync.Mutex
	started  time.Time
	lastBeat time.Time
	cleanups int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped watchdog.
func New(opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ThresholdMB <= 0 {
		opts.ThresholdMB = DefaultThresholdMB
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("watchdog")
	}

	w := &Watchdog{
		interval:   opts.Interval,
		threshold:  opts.ThresholdMB,
		logger:     opts.Logger,
		readMemory: newRSSReader(opts.Logger),
		reclaim:    reclaim,
		now:        time.Now,
	}
	w.started = w.now()
	w.lastBeat = w.started
	return w
}

// newRSSReader returns a sampler of this process's resident set size. The
// browsers run as separate processes and are not counted. When the OS
// cannot report RSS it falls back to what the Go runtime holds.
func newRSSReader(logger *logging.Logger) func() uint64 {
	var (
		once sync.Once
		proc *process.Process
	)
	return func() uint64 {
		once.Do(func() {
			p, err := process.NewProcess(int32(os.Getpid()))
			if err != nil {
				logger.Warnf("Process memory unavailable, using runtime stats: %v", err)
				return
			}
			proc = p
		})
		if proc != nil {
			if info, err := proc.MemoryInfo(); err == nil && info.RSS > 0 {
				return info.RSS
			}
		}
		return runtimeMemory()
	}
}

// runtimeMemory returns the bytes the Go runtime holds from the OS.
func runtimeMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys - m.HeapReleased
}

func reclaim() {
	debug.FreeOSMemory()
}

// Start launches the monitor loop. It stops when ctx is done or Stop is
// called. Starting a running watchdog does nothing.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
	w.logger.Infof("Watchdog started (interval %s, threshold %.0f MB)", w.interval, w.threshold)
}

// Stop ends the monitor loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		w.mu.Unlock()
		close(done)
		w.logger.Infof("Watchdog stopped")
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.Check()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check samples memory once, reclaims it when above the threshold and
// records a heartbeat. It reports whether memory was reclaimed.
func (w *Watchdog) Check() bool {
	mb := toMB(w.readMemory())
	cleaned := false
	if mb > w.threshold {
		w.logger.Warnf("Memory at %.1f MB exceeds %.0f MB, reclaiming", mb, w.threshold)
		w.reclaim()
		cleaned = true
		w.logger.Debugf("Memory after reclaim: %.1f MB", toMB(w.readMemory()))
	}

	w.mu.Lock()
	if cleaned {
		w.cleanups++
	}
	w.mu.Unlock()

	w.Ping()
	return cleaned
}

// Ping records a heartbeat.
func (w *Watchdog) Ping() {
	w.mu.Lock()
	w.lastBeat = w.now()
	w.mu.Unlock()
}

// Status reports current memory use and heartbeat times.
func (w *Watchdog) Status() Status {
	mem := toMB(w.readMemory())
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		MemoryMB:      mem,
		Uptime:        now.Sub(w.started).Seconds(),
		SinceBeat:     now.Sub(w.lastBeat).Seconds(),
		LastHeartbeat: w.lastBeat,
		Cleanups:      w.cleanups,
		Running:       w.running,
	}
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
