package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entrhq/commentd/pkg/browser"
	"github.com/entrhq/commentd/pkg/config"
)

// fakeLauncher hands out fakePages built by newPage.
type fakeLauncher struct {
	mu        sync.Mutex
	launches  int
	launchErr error
	newPage   func(n int) *fakePage
	pages     []*fakePage
	exe       string
}

func (l *fakeLauncher) Launch(ctx context.Context, name string) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches++
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := &fakePage{}
	if l.newPage != nil {
		p = l.newPage(l.launches)
	}
	l.pages = append(l.pages, p)
	return p, nil
}

func (l *fakeLauncher) Executable() string {
	return l.exe
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) page(i int) *fakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.pages) {
		return nil
	}
	return l.pages[i]
}

// fakePage records what the worker does with it.
type fakePage struct {
	mu        sync.Mutex
	visited   []string
	cookies   []browser.Cookie
	sent      []string
	reloads   int
	closed    bool
	missing   int   // FindCommentInput misses before the input shows up
	submitErr error // returned by every Submit
}

func (p *fakePage) Navigate(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrDisconnected
	}
	p.visited = append(p.visited, url)
	return nil
}

func (p *fakePage) AddCookies(cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *fakePage) Scroll(browser.ScrollPosition) error { return nil }

func (p *fakePage) FindCommentInput() (browser.Input, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, 0, browser.ErrDisconnected
	}
	if p.missing > 0 {
		p.missing--
		return nil, 0, browser.ErrInputNotFound
	}
	return &fakeInput{page: p}, 3, nil
}

func (p *fakePage) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) snapshot() (visited, sent []string, cookies []browser.Cookie, reloads int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...), append([]string(nil), p.sent...),
		append([]browser.Cookie(nil), p.cookies...), p.reloads, p.closed
}

type fakeInput struct {
	page *fakePage
	text string
}

func (i *fakeInput) Fill(text string) error {
	i.text = text
	return nil
}

func (i *fakeInput) Submit() error {
	i.page.mu.Lock()
	defer i.page.mu.Unlock()
	if i.page.submitErr != nil {
		return i.page.submitErr
	}
	i.page.sent = append(i.page.sent, i.text)
	return nil
}

var errFlaky = errors.New("element is not attached to the DOM")

// newTestRegistry builds a registry on a temp dir with no waits.
func newTestRegistry(t *testing.T, launcher browser.Launcher, mutate ...func(*Options)) (*Registry, Options) {
	t.Helper()

	dir := t.TempDir()
	opts := Options{
		SnapshotPath: filepath.Join(dir, "sessions_registry.json"),
		LogDir:       filepath.Join(dir, "session_logs"),
		BaseURL:      "https://www.facebook.com",
		Timings:      config.Timings{},
		Launcher:     launcher,
	}
	for _, m := range mutate {
		m(&opts)
	}

	r, err := NewRegistry(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, opts
}

func testJob() Job {
	return Job{
		Target:   "123456789",
		Cookies:  "c_user=42; xs=secret",
		Comments: []string{"first", "second"},
		Delay:    time.Millisecond,
	}
}
