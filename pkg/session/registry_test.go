package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/commentd/pkg/browser"
	"github.com/entrhq/commentd/pkg/config"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

func containsLine(lines []string, substr string) bool {
	return lineIndex(lines, substr) >= 0
}

func lineIndex(lines []string, substr string) int {
	for i, l := range lines {
		if strings.Contains(l, substr) {
			return i
		}
	}
	return -1
}

func TestCreate(t *testing.T) {
	r, opts := newTestRegistry(t, &fakeLauncher{})

	info := r.Create()
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{8}$`), info.ID)
	assert.False(t, info.Running)
	assert.Zero(t, info.Count)

	got, err := r.Get(strings.ToLower(info.ID))
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	// persisted immediately
	data, err := os.ReadFile(opts.SnapshotPath)
	require.NoError(t, err)
	var entries map[string]snapshotEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Contains(t, entries, info.ID)
}

func TestCreateUniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := r.Create().ID
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, r.List(), 50)
}

func TestGetUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})

	_, err := r.Get("NOPE0000")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Stop("NOPE0000"), ErrNotFound)
	assert.ErrorIs(t, r.UpdateCount("NOPE0000", 1), ErrNotFound)

	_, _, err = r.Subscribe("NOPE0000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreMarksSessionsStopped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions_registry.json")
	snapshot := `{
  "abcd1234": {"count": 7, "running": true, "start_time": "2026-01-02T03:04:05Z", "owner": "alice"},
  "EF015678": {"count": 0, "running": false, "start_time": "10:11:12"}
}`
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0600))

	r, err := NewRegistry(Options{
		SnapshotPath: path,
		LogDir:       filepath.Join(dir, "logs"),
		Launcher:     &fakeLauncher{},
	})
	require.NoError(t, err)

	info, err := r.Get("ABCD1234")
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Equal(t, 7, info.Count)
	assert.Equal(t, "alice", info.Owner)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), info.StartedAt.UTC())

	legacy, err := r.Get("ef015678")
	require.NoError(t, err)
	assert.Equal(t, 10, legacy.StartedAt.Hour())
	assert.Equal(t, 11, legacy.StartedAt.Minute())

	assert.Empty(t, r.Active())
	total, active := r.Totals()
	assert.Equal(t, 7, total)
	assert.Zero(t, active)
}

func TestRestoreCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions_registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	r, err := NewRegistry(Options{
		SnapshotPath: path,
		LogDir:       filepath.Join(dir, "logs"),
		Launcher:     &fakeLauncher{},
	})
	require.NoError(t, err)
	assert.Empty(t, r.List())
}

func TestNewRegistryRequiresLauncher(t *testing.T) {
	_, err := NewRegistry(Options{SnapshotPath: "x", LogDir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewRegistry(Options{Launcher: &fakeLauncher{}})
	assert.Error(t, err)
}

func TestStartPostsCommentsRoundRobin(t *testing.T) {
	launcher := &fakeLauncher{exe: "/usr/bin/chromium"}
	r, opts := newTestRegistry(t, launcher)

	var mu sync.Mutex
	var stopped []Info
	r.OnStop(func(i Info) {
		mu.Lock()
		stopped = append(stopped, i)
		mu.Unlock()
	})

	id := r.Create().ID
	job := testJob()
	job.Prefix = "@friend"
	job.Owner = "alice"
	require.NoError(t, r.Start(context.Background(), id, job))

	require.Eventually(t, func() bool {
		info, _ := r.Get(id)
		return info.Count >= 3
	}, waitFor, tick)

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Owner)
	assert.Equal(t, "123456789", active[0].Target)

	require.NoError(t, r.Stop(id))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stopped) == 1
	}, waitFor, tick)

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.False(t, info.StoppedAt.IsZero())

	page := launcher.page(0)
	require.NotNil(t, page)
	visited, sent, cookies, _, closed := page.snapshot()
	assert.True(t, closed)
	assert.Equal(t, []string{"https://www.facebook.com", "https://www.facebook.com/123456789"}, visited)
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, "@friend first", sent[0])
	assert.Equal(t, "@friend second", sent[1])
	assert.Equal(t, "@friend first", sent[2])

	require.Len(t, cookies, 2)
	assert.Equal(t, "c_user", cookies[0].Name)
	assert.Equal(t, ".facebook.com", cookies[0].Domain)

	logs := r.Logs(id, 0)
	assert.LessOrEqual(t, len(logs), DefaultMaxLogs)
	assert.True(t, containsLine(logs, "Stopped."))

	all := r.Logs(id, 1000)
	last := -1
	for _, want := range []string{
		fmt.Sprintf("Session %s starting...", id),
		"Setting up Chrome browser...",
		"Found Chromium: /usr/bin/chromium",
		"Browser ready!",
		"Navigating to Facebook...",
		"Adding cookies...",
		"Opening post...",
		"ID Online - Browser Active!",
		"Finding comment input...",
		"Found input with selector #3",
		"Typing: @friend first...",
		"Sending...",
		"Comment #1 sent!",
		"Waiting 0s...",
	} {
		idx := lineIndex(all, want)
		require.GreaterOrEqual(t, idx, 0, "missing log line %q", want)
		assert.Greater(t, idx, last, "log line %q out of order", want)
		last = idx
	}
	// the banner is a fixed label, not the session ID
	assert.False(t, containsLine(all, id+" Online"))
	assert.Regexp(t, regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] `), all[0])

	// counter persisted
	data, err := os.ReadFile(opts.SnapshotPath)
	require.NoError(t, err)
	var entries map[string]snapshotEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Equal(t, info.Count, entries[id].Count)
	assert.False(t, entries[id].Running)
}

func TestStartAlreadyRunning(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	job := testJob()
	job.Delay = time.Hour
	require.NoError(t, r.Start(context.Background(), id, job))

	err := r.Start(context.Background(), id, job)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestBundledChromiumNotAnnounced(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	job := testJob()
	job.Delay = time.Hour
	require.NoError(t, r.Start(context.Background(), id, job))
	require.Eventually(t, func() bool {
		return containsLine(r.Logs(id, 0), "Browser ready!")
	}, waitFor, tick)
	require.NoError(t, r.Stop(id))

	assert.False(t, containsLine(r.Logs(id, 0), "Found Chromium"))
}

func TestStartRestartsStoppedSession(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	require.NoError(t, r.Start(context.Background(), id, testJob()))
	require.Eventually(t, func() bool {
		info, _ := r.Get(id)
		return info.Count >= 2
	}, waitFor, tick)
	require.NoError(t, r.Stop(id))

	// a second run resets the counter and the log file
	job := testJob()
	job.Delay = time.Hour
	require.NoError(t, r.Start(context.Background(), id, job))

	require.Eventually(t, func() bool {
		info, _ := r.Get(id)
		return info.Count == 1
	}, waitFor, tick)
	logs := r.Logs(id, 1000)
	assert.False(t, containsLine(logs, "Comment #2 sent!"))
}

func TestStartValidation(t *testing.T) {
	allowed := []glob.Glob{glob.MustCompile("*.facebook.com", '.')}
	r, _ := newTestRegistry(t, &fakeLauncher{}, func(o *Options) {
		o.AllowedTargets = allowed
	})
	id := r.Create().ID

	tests := []struct {
		name   string
		mutate func(*Job)
		want   error
	}{
		{"empty target", func(j *Job) { j.Target = "  " }, ErrInvalidJob},
		{"no comments", func(j *Job) { j.Comments = nil }, ErrInvalidJob},
		{"zero delay", func(j *Job) { j.Delay = 0 }, ErrInvalidJob},
		{"foreign host", func(j *Job) { j.Target = "https://example.com/post/1" }, ErrTargetNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob()
			tt.mutate(&job)
			assert.ErrorIs(t, r.Start(context.Background(), id, job), tt.want)
		})
	}

	assert.ErrorIs(t, r.Start(context.Background(), "MISSING1", testJob()), ErrNotFound)

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestWorkerRefreshesWhenInputMissing(t *testing.T) {
	launcher := &fakeLauncher{newPage: func(int) *fakePage { return &fakePage{missing: 2} }}
	r, _ := newTestRegistry(t, launcher)
	id := r.Create().ID

	require.NoError(t, r.Start(context.Background(), id, testJob()))
	require.Eventually(t, func() bool {
		info, _ := r.Get(id)
		return info.Count >= 1
	}, waitFor, tick)
	require.NoError(t, r.Stop(id))

	_, _, _, reloads, _ := launcher.page(0).snapshot()
	assert.Equal(t, 2, reloads)
	assert.True(t, containsLine(r.Logs(id, 1000), "Comment input not found, refreshing..."))
}

func TestWorkerRestartsLostBrowser(t *testing.T) {
	launcher := &fakeLauncher{newPage: func(n int) *fakePage {
		if n == 1 {
			return &fakePage{submitErr: fmt.Errorf("submit: %w", browser.ErrDisconnected)}
		}
		return &fakePage{}
	}}
	r, _ := newTestRegistry(t, launcher)
	id := r.Create().ID

	require.NoError(t, r.Start(context.Background(), id, testJob()))
	require.Eventually(t, func() bool {
		info, _ := r.Get(id)
		return info.Count >= 1
	}, waitFor, tick)
	require.NoError(t, r.Stop(id))

	assert.Equal(t, 2, launcher.launchCount())
	_, _, _, _, closed := launcher.page(0).snapshot()
	assert.True(t, closed)

	logs := r.Logs(id, 1000)
	assert.True(t, containsLine(logs, "Error: submit: browser disconnected"))
	assert.True(t, containsLine(logs, "Restarting browser..."))
}

func TestWorkerKeepsBrowserOnPlainError(t *testing.T) {
	launcher := &fakeLauncher{newPage: func(int) *fakePage { return &fakePage{submitErr: errFlaky} }}
	r, _ := newTestRegistry(t, launcher)
	id := r.Create().ID

	require.NoError(t, r.Start(context.Background(), id, testJob()))
	require.Eventually(t, func() bool {
		return strings.Count(strings.Join(r.Logs(id, 1000), "\n"), "Error: ") >= 3
	}, waitFor, tick)
	require.NoError(t, r.Stop(id))

	assert.Equal(t, 1, launcher.launchCount())
	info, _ := r.Get(id)
	assert.Zero(t, info.Count)
}

func TestWorkerGivesUpAfterRetries(t *testing.T) {
	launcher := &fakeLauncher{launchErr: errors.New("chromium failed to start because the sandbox is misconfigured")}
	r, _ := newTestRegistry(t, launcher, func(o *Options) { o.MaxRetries = 2 })

	done := make(chan Info, 1)
	r.OnStop(func(i Info) { done <- i })

	id := r.Create().ID
	require.NoError(t, r.Start(context.Background(), id, testJob()))

	select {
	case info := <-done:
		assert.Equal(t, id, info.ID)
		assert.False(t, info.Running)
	case <-time.After(waitFor):
		t.Fatal("worker did not give up")
	}

	assert.Equal(t, 2, launcher.launchCount())
	logs := r.Logs(id, 0)
	assert.True(t, containsLine(logs, "Fatal: chromium failed to start because the sandbox i"))
	assert.True(t, containsLine(logs, "Stopped."))
}

func TestStopIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	assert.NoError(t, r.Stop(id))

	job := testJob()
	job.Delay = time.Hour
	require.NoError(t, r.Start(context.Background(), id, job))
	assert.NoError(t, r.Stop(id))
	assert.NoError(t, r.Stop(id))

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestStartOutlivesRequestContext(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, id, testJob()))
	cancel()

	require.Eventually(t, func() bool {
		info, _ := r.Get(id)
		return info.Count >= 2
	}, waitFor, tick)
	info, _ := r.Get(id)
	assert.True(t, info.Running)
}

func TestLogsFallback(t *testing.T) {
	r, opts := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	s, err := r.lookup(id)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		r.logf(s, "line %d", i)
	}

	fromFile := r.Logs(id, 5)
	require.Len(t, fromFile, 5)
	assert.True(t, strings.HasSuffix(fromFile[4], "line 39"))

	// without the file the in-memory ring answers, bounded by MaxLogs
	require.NoError(t, os.Remove(filepath.Join(opts.LogDir, id+".log")))
	fromRing := r.Logs(id, 100)
	require.Len(t, fromRing, DefaultMaxLogs)
	assert.True(t, strings.HasSuffix(fromRing[0], "line 10"))
	assert.True(t, strings.HasSuffix(fromRing[29], "line 39"))

	assert.Empty(t, r.Logs("UNKNOWN1", 10))
}

func TestSubscribe(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	ch, cancel, err := r.Subscribe(strings.ToLower(id))
	require.NoError(t, err)

	s, _ := r.lookup(id)
	r.logf(s, "hello")

	select {
	case line := <-ch:
		assert.True(t, strings.HasSuffix(line, "] hello"))
	case <-time.After(waitFor):
		t.Fatal("no line received")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeWithBacklog(t *testing.T) {
	r, opts := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID
	s, _ := r.lookup(id)

	for i := 0; i < 3; i++ {
		r.logf(s, "before %d", i)
	}

	backlog, ch, cancel, err := r.SubscribeWithBacklog(id, 0)
	require.NoError(t, err)
	defer cancel()

	require.Len(t, backlog, 3)
	assert.True(t, strings.HasSuffix(backlog[2], "] before 2"))

	r.logf(s, "after 0")
	select {
	case line := <-ch:
		assert.True(t, strings.HasSuffix(line, "] after 0"))
	case <-time.After(waitFor):
		t.Fatal("no line received")
	}
	select {
	case line := <-ch:
		t.Fatalf("unexpected line %q", line)
	default:
	}

	// a restored session has an empty ring, its history comes from the file
	reopened, err := NewRegistry(opts)
	require.NoError(t, err)
	restored, _, stop, err := reopened.SubscribeWithBacklog(id, 2)
	require.NoError(t, err)
	defer stop()
	require.Len(t, restored, 2)
	assert.True(t, strings.HasSuffix(restored[0], "] before 2"))
	assert.True(t, strings.HasSuffix(restored[1], "] after 0"))

	_, _, _, err = r.SubscribeWithBacklog("UNKNOWN1", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeWithBacklogConcurrentLines(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID
	s, _ := r.lookup(id)

	const total = 200
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < total; i++ {
			r.logf(s, "line %03d", i)
		}
	}()

	backlog, ch, cancel, err := r.SubscribeWithBacklog(id, 0)
	require.NoError(t, err)

	var live []string
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for line := range ch {
			live = append(live, line)
		}
	}()
	<-writerDone
	cancel()
	<-collected

	seen := make(map[string]bool)
	for _, line := range backlog {
		seen[line] = true
	}
	for _, line := range live {
		assert.False(t, seen[line], "line %q delivered twice", line)
	}
	if len(backlog) > 0 && len(live) > 0 {
		assert.Less(t, backlog[len(backlog)-1][11:], live[0][11:])
	}
}

func TestUpdateCount(t *testing.T) {
	r, opts := newTestRegistry(t, &fakeLauncher{})
	id := r.Create().ID

	require.NoError(t, r.UpdateCount(id, 12))

	reopened, err := NewRegistry(opts)
	require.NoError(t, err)
	info, err := reopened.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 12, info.Count)
}

func TestCleanupStopped(t *testing.T) {
	r, opts := newTestRegistry(t, &fakeLauncher{})

	idle := r.Create().ID
	worked := r.Create().ID
	running := r.Create().ID

	require.NoError(t, r.UpdateCount(worked, 4))
	s, _ := r.lookup(idle)
	r.logf(s, "nothing happened")

	job := testJob()
	job.Delay = time.Hour
	require.NoError(t, r.Start(context.Background(), running, job))

	removed := r.CleanupStopped()
	assert.Equal(t, []string{idle}, removed)

	_, err := r.Get(idle)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(opts.LogDir, idle+".log"))
	assert.True(t, os.IsNotExist(err))

	stopped := r.Stopped()
	require.Len(t, stopped, 1)
	assert.Equal(t, worked, stopped[0].ID)
	assert.Len(t, r.List(), 2)
}

func TestShutdownStopsWorkers(t *testing.T) {
	launcher := &fakeLauncher{}
	r, opts := newTestRegistry(t, launcher)

	job := testJob()
	job.Delay = time.Hour
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Start(context.Background(), r.Create().ID, job))
	}
	require.Eventually(t, func() bool {
		total, active := r.Totals()
		return active == 3 && total == 3
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Empty(t, r.Active())
	for i := 0; i < 3; i++ {
		_, _, _, _, closed := launcher.page(i).snapshot()
		assert.True(t, closed)
	}

	data, err := os.ReadFile(opts.SnapshotPath)
	require.NoError(t, err)
	var entries map[string]snapshotEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	for _, e := range entries {
		assert.False(t, e.Running)
		assert.Equal(t, 1, e.Count)
	}
}

func TestRegistryUsesTimings(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeLauncher{}, func(o *Options) {
		o.Timings = config.Timings{NavigateWait: time.Hour}
	})
	id := r.Create().ID

	require.NoError(t, r.Start(context.Background(), id, testJob()))
	require.Eventually(t, func() bool {
		return containsLine(r.Logs(id, 0), "Browser ready!")
	}, waitFor, tick)

	// stuck in the navigate wait, Stop must still end the worker promptly
	require.NoError(t, r.Stop(id))
	require.Eventually(t, func() bool {
		return containsLine(r.Logs(id, 0), "Stopped.")
	}, waitFor, tick)
	assert.False(t, containsLine(r.Logs(id, 0), "Online"))
}
