package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDisconnected means the browser, context or page is gone and the
	// caller should launch a new one.
	ErrDisconnected = errors.New("browser disconnected")

	// ErrInputNotFound is returned by FindCommentInput when no selector
	// matched an editable element.
	ErrInputNotFound = errors.New("comment input not found")
)

// Launcher starts browser pages. Each call returns an independent browser
// instance owned by the caller.
type Launcher interface {
	Launch(ctx context.Context, name string) (Page, error)

	// Executable is the local Chromium binary in use, "" for the bundled one
	Executable() string
}

// Page is one browser tab driven by a session worker.
type Page interface {
	// Navigate loads url in the page
	Navigate(url string) error

	// AddCookies installs cookies into the page's browser context
	AddCookies(cookies []Cookie) error

	// Scroll moves the viewport to the top or bottom of the document
	Scroll(to ScrollPosition) error

	// FindCommentInput probes the comment selectors in order and returns the
	// first editable match along with its 1-based selector number
	FindCommentInput() (Input, int, error)

	// Reload refreshes the current page
	Reload() error

	// Close releases the page and its browser. Safe to call multiple times.
	Close() error
}

// Input is an editable comment box found on a page.
type Input interface {
	// Fill replaces the input content with text and fires input events
	Fill(text string) error

	// Submit presses Enter inside the input
	Submit() error
}

// ScrollPosition selects a scroll target.
type ScrollPosition int

const (
	ScrollTop ScrollPosition = iota
	ScrollBottom
)

// Cookie is a browser cookie scoped to a domain and path.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Options configures the browsers started by a Manager.
type Options struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Install downloads the Playwright driver (and Chromium, when no local
	// executable is found) on first use
	Install bool

	// ExecutablePaths are candidate Chromium binaries; the first that exists
	// is used, otherwise Playwright's bundled Chromium
	ExecutablePaths []string

	// UserAgent overrides the browser user agent
	UserAgent string

	// Viewport sets the page size
	Viewport Viewport

	// Timeout is the default timeout for page operations
	Timeout time.Duration
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// PageInfo describes an open page.
type PageInfo struct {
	Name       string    `json:"name"`
	CurrentURL string    `json:"current_url"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Default values
const (
	DefaultTimeout        = 30 * time.Second
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)

// launchArgs are passed to every Chromium instance.
var launchArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--disable-extensions",
	"--window-size=1920,1080",
}
