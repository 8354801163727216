package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/commentd/pkg/logging"
)

// Manager launches Playwright-driven Chromium pages and keeps track of the
// ones still open so they can be closed on shutdown.
type Manager struct {
	mu          sync.Mutex
	opts        Options
	pages       map[string]*pwPage
	playwright  *playwright.Playwright
	initialized bool
	logger      *logging.Logger

	// stat is os.Stat, replaceable in tests
	stat func(string) (os.FileInfo, error)

	// openPage starts a browser with one page, replaceable in tests
	openPage func(pw *playwright.Playwright, name string) (*pwPage, error)
}

// NewManager creates a manager. Playwright is started on the first Launch.
func NewManager(opts Options, logger *logging.Logger) *Manager {
	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		opts.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Discard("browser")
	}
	m := &Manager{
		opts:   opts,
		pages:  make(map[string]*pwPage),
		logger: logger,
		stat:   os.Stat,
	}
	m.openPage = m.newPage
	return m
}

// Initialize installs (if configured) and starts the Playwright driver.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked()
}

func (m *Manager) initializeLocked() error {
	if m.initialized {
		return nil
	}

	// driver and install output goes to the process log
	out := m.logger.Writer()
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   out,
		Stderr:   out,
	}
	if m.Executable() != "" {
		runOpts.SkipInstallBrowsers = true
	}

	if m.opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	return nil
}

// Executable returns the first configured Chromium binary that exists, or
// "" when Playwright's bundled browser is used.
func (m *Manager) Executable() string {
	for _, p := range m.opts.ExecutablePaths {
		if p == "" {
			continue
		}
		if info, err := m.stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Launch starts a new Chromium instance with one page and registers it
// under name. A page already registered under name is closed first.
// The manager lock is not held while the browser starts.
func (m *Manager) Launch(ctx context.Context, name string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.initializeLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	pw := m.playwright
	old, exists := m.pages[name]
	if exists {
		delete(m.pages, name)
	}
	m.mu.Unlock()

	if exists {
		old.closeResources()
	}

	p, err := m.openPage(pw, name)
	if err != nil {
		return nil, err
	}
	if prev := m.register(p); prev != nil {
		// a concurrent Launch for the same name won the race
		prev.closeResources()
	}
	m.logger.Infof("%s: browser launched", name)
	return p, nil
}

// register stores p under its name and returns the page it replaced.
func (m *Manager) register(p *pwPage) *pwPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.pages[p.name]
	m.pages[p.name] = p
	return prev
}

// newPage launches a browser, a context and one page.
func (m *Manager) newPage(pw *playwright.Playwright, name string) (*pwPage, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.opts.Headless),
		Args:     launchArgs,
	}
	if exe := m.Executable(); exe != "" {
		launchOpts.ExecutablePath = playwright.String(exe)
		m.logger.Debugf("%s: using chromium at %s", name, exe)
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  m.opts.Viewport.Width,
			Height: m.opts.Viewport.Height,
		},
	}
	if m.opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(m.opts.UserAgent)
	}
	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(m.opts.Timeout.Milliseconds()))

	now := time.Now()
	return &pwPage{
		name:       name,
		browser:    browser,
		context:    bctx,
		page:       page,
		createdAt:  now,
		lastUsedAt: now,
		currentURL: "about:blank",
		onClose:    m.forget,
	}, nil
}

// forget drops a page from the registry once it has been closed.
func (m *Manager) forget(p *pwPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.pages[p.name]; ok && cur == p {
		delete(m.pages, p.name)
	}
}

// ListPages returns information about all open pages, sorted by name.
func (m *Manager) ListPages() []PageInfo {
	m.mu.Lock()
	pages := make([]*pwPage, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.mu.Unlock()

	infos := make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CloseAll closes every open page.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	pages := make([]*pwPage, 0, len(m.pages))
	for name, p := range m.pages {
		pages = append(pages, p)
		delete(m.pages, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := p.closeResources(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes all pages and stops Playwright.
func (m *Manager) Shutdown() error {
	closeErr := m.CloseAll()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return errors.Join(closeErr, fmt.Errorf("failed to stop playwright: %w", err))
		}
		m.initialized = false
		m.playwright = nil
	}
	return closeErr
}

// classify maps Playwright errors that mean the browser is gone onto
// ErrDisconnected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTargetClosed) || isDisconnectMessage(err.Error()) {
		return fmt.Errorf("%s: %w: %v", op, ErrDisconnected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDisconnectMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"disconnect", "has been closed", "target closed", "session closed", "browser closed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
