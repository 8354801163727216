package browser

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// pwPage is a Page backed by its own Playwright browser, context and page.
type pwPage struct {
	name    string
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	onClose func(*pwPage)

	mu         sync.Mutex
	createdAt  time.Time
	lastUsedAt time.Time
	currentURL string

	closeOnce sync.Once
	closeErr  error
}

func (p *pwPage) touch() {
	p.mu.Lock()
	p.lastUsedAt = time.Now()
	p.mu.Unlock()
}

func (p *pwPage) setURL() {
	p.mu.Lock()
	p.currentURL = p.page.URL()
	p.mu.Unlock()
}

func (p *pwPage) info() PageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PageInfo{
		Name:       p.name,
		CurrentURL: p.currentURL,
		CreatedAt:  p.createdAt,
		LastUsedAt: p.lastUsedAt,
	}
}

// Navigate loads url and waits for the DOM to be ready.
func (p *pwPage) Navigate(url string) error {
	p.touch()

	waitUntil := playwright.WaitUntilStateDomcontentloaded
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: waitUntil}); err != nil {
		return classify("navigation failed", err)
	}
	p.setURL()
	return nil
}

// AddCookies installs cookies into the browser context.
func (p *pwPage) AddCookies(cookies []Cookie) error {
	p.touch()

	var errs []error
	for _, c := range cookies {
		// one at a time, so a single rejected cookie does not drop the rest
		err := p.context.AddCookies([]playwright.OptionalCookie{{
			Name:   c.Name,
			Value:  c.Value,
			Domain: playwright.String(c.Domain),
			Path:   playwright.String(c.Path),
		}})
		if err != nil {
			if classified := classify("add cookie", err); errors.Is(classified, ErrDisconnected) {
				return classified
			}
			errs = append(errs, fmt.Errorf("cookie %q: %w", c.Name, err))
		}
	}
	if len(errs) == len(cookies) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Scroll moves the viewport to the top or bottom of the page.
func (p *pwPage) Scroll(to ScrollPosition) error {
	p.touch()

	script := scrollTopScript
	if to == ScrollBottom {
		script = scrollBottomScript
	}
	if _, err := p.page.Evaluate(script); err != nil {
		return classify("scroll failed", err)
	}
	return nil
}

// FindCommentInput returns the first editable element matched by
// CommentSelectors. The element is clicked to give it focus.
func (p *pwPage) FindCommentInput() (Input, int, error) {
	p.touch()

	for idx, selector := range CommentSelectors {
		elements, err := p.page.QuerySelectorAll(selector)
		if err != nil {
			if classified := classify("query selector", err); errors.Is(classified, ErrDisconnected) {
				return nil, 0, classified
			}
			continue
		}

		for _, el := range elements {
			editable, err := el.Evaluate(isEditableScript)
			if err != nil {
				continue
			}
			if ok, _ := editable.(bool); !ok {
				continue
			}

			// a click failure still leaves a usable element
			_ = el.Click(playwright.ElementHandleClickOptions{Timeout: playwright.Float(2000)})
			return &pwInput{page: p, element: el}, idx + 1, nil
		}
	}
	return nil, 0, ErrInputNotFound
}

// Reload refreshes the page.
func (p *pwPage) Reload() error {
	p.touch()

	if _, err := p.page.Reload(); err != nil {
		return classify("reload failed", err)
	}
	p.setURL()
	return nil
}

// Close closes the page, context and browser and unregisters the page from
// its manager.
func (p *pwPage) Close() error {
	err := p.closeResources()
	if p.onClose != nil {
		p.onClose(p)
	}
	return err
}

func (p *pwPage) closeResources() error {
	p.closeOnce.Do(func() {
		// keep going on errors: the browser may already be gone
		_ = p.page.Close()
		_ = p.context.Close()
		p.closeErr = p.browser.Close()
	})
	return p.closeErr
}

// pwInput is an editable element on a pwPage.
type pwInput struct {
	page    *pwPage
	element playwright.ElementHandle
}

// Fill replaces the element content with text.
func (i *pwInput) Fill(text string) error {
	i.page.touch()

	if _, err := i.element.Evaluate(fillScript, text); err != nil {
		return classify("typing failed", err)
	}
	return nil
}

// Submit dispatches Enter key events on the element.
func (i *pwInput) Submit() error {
	i.page.touch()

	if _, err := i.element.Evaluate(submitScript); err != nil {
		return classify("submit failed", err)
	}
	return nil
}
