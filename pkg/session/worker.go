package session

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/commentd/pkg/browser"
)

// worker drives one browser for one session run. It exits when its context
// is cancelled or after MaxRetries consecutive browser failures.
type worker struct {
	reg    *Registry
	s      *Session
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) log(format string, v ...interface{}) {
	w.reg.logf(w.s, format, v...)
}

func (w *worker) run(ctx context.Context) {
	defer w.finish()

	retries := 0
	for ctx.Err() == nil && retries < w.reg.opts.MaxRetries {
		w.log("Setting up Chrome browser...")
		if exe := w.reg.opts.Launcher.Executable(); exe != "" {
			w.log("Found Chromium: %s", exe)
		}
		page, err := w.reg.opts.Launcher.Launch(ctx, w.s.ID)
		if err != nil {
			if w.fatal(ctx, err, &retries) {
				return
			}
			continue
		}
		if !w.adopt(page) {
			page.Close()
			return
		}
		w.log("Browser ready!")

		if err := w.open(ctx, page); err != nil {
			if w.fatal(ctx, err, &retries) {
				return
			}
			continue
		}

		if !w.commentLoop(ctx, page, &retries) {
			return
		}
	}

	if retries >= w.reg.opts.MaxRetries {
		w.reg.logger.Warnf("Session %s gave up after %d failures", w.s.ID, retries)
	}
}

// adopt hands page to the session unless Stop already ran.
func (w *worker) adopt(page browser.Page) bool {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if !w.s.running {
		return false
	}
	w.s.page = page
	return true
}

// fatal handles a setup failure and reports whether the worker must exit.
func (w *worker) fatal(ctx context.Context, err error, retries *int) bool {
	if ctx.Err() != nil {
		return true
	}
	w.log("Fatal: %s", truncate(err.Error(), 50))
	*retries++
	w.closePage()
	return sleep(ctx, w.reg.opts.Timings.ErrorWait) != nil
}

// open logs in with the job cookies and loads the post.
func (w *worker) open(ctx context.Context, page browser.Page) error {
	base := w.reg.opts.BaseURL
	t := w.reg.opts.Timings

	w.log("Navigating to Facebook...")
	if err := page.Navigate(base); err != nil {
		return err
	}
	if err := sleep(ctx, t.NavigateWait); err != nil {
		return err
	}

	if w.job.Cookies != "" {
		w.log("Adding cookies...")
		cookies, err := browser.ParseCookies(w.job.Cookies, base)
		if err != nil {
			return err
		}
		if len(cookies) > 0 {
			if err := page.AddCookies(cookies); err != nil {
				return err
			}
		}
	}

	w.log("Opening post...")
	if err := page.Navigate(PostURL(base, w.job.Target)); err != nil {
		return err
	}
	if err := sleep(ctx, t.PostWait); err != nil {
		return err
	}
	w.log("ID Online - Browser Active!")
	return nil
}

// commentLoop posts comments until stopped. It returns true when the
// browser was lost and must be relaunched.
func (w *worker) commentLoop(ctx context.Context, page browser.Page, retries *int) bool {
	t := w.reg.opts.Timings

	for ctx.Err() == nil {
		err := w.postComment(ctx, page, retries)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return false
		}

		w.log("Error: %s", truncate(err.Error(), 50))
		if errors.Is(err, browser.ErrDisconnected) {
			w.log("Restarting browser...")
			w.closePage()
			*retries++
			return sleep(ctx, t.RestartWait) == nil
		}
		if sleep(ctx, t.ErrorWait) != nil {
			return false
		}
	}
	return false
}

func (w *worker) postComment(ctx context.Context, page browser.Page, retries *int) error {
	t := w.reg.opts.Timings

	input, err := w.findInput(ctx, page)
	if errors.Is(err, browser.ErrInputNotFound) {
		w.log("Comment input not found, refreshing...")
		if err := page.Reload(); err != nil {
			return err
		}
		return sleep(ctx, t.RefreshWait)
	}
	if err != nil {
		return err
	}

	text := Compose(w.job.Prefix, w.s.nextComment(w.job.Comments))
	w.log("Typing: %s...", truncate(text, 25))
	if err := input.Fill(text); err != nil {
		return err
	}
	if err := sleep(ctx, t.StepWait); err != nil {
		return err
	}

	w.log("Sending...")
	if err := input.Submit(); err != nil {
		return err
	}
	if err := sleep(ctx, t.StepWait); err != nil {
		return err
	}

	n := w.s.increment()
	w.reg.persist()
	w.log("Comment #%d sent!", n)
	*retries = 0

	w.log("Waiting %ds...", int(w.job.Delay/time.Second))
	return sleep(ctx, w.job.Delay)
}

// findInput scrolls the post to make lazy comment boxes render, then probes
// the comment selectors.
func (w *worker) findInput(ctx context.Context, page browser.Page) (browser.Input, error) {
	t := w.reg.opts.Timings

	w.log("Finding comment input...")
	if err := sleep(ctx, t.InputWait); err != nil {
		return nil, err
	}
	for _, pos := range []browser.ScrollPosition{browser.ScrollBottom, browser.ScrollTop} {
		if err := page.Scroll(pos); err != nil && errors.Is(err, browser.ErrDisconnected) {
			return nil, err
		}
		if err := sleep(ctx, t.ScrollWait); err != nil {
			return nil, err
		}
	}

	input, idx, err := page.FindCommentInput()
	if err != nil {
		return nil, err
	}
	w.log("Found input with selector #%d", idx)
	return input, nil
}

func (w *worker) closePage() {
	if page := w.s.takePage(); page != nil {
		if err := page.Close(); err != nil {
			w.reg.logger.Debugf("Session %s: closing page: %v", w.s.ID, err)
		}
	}
}

func (w *worker) finish() {
	s := w.s

	s.mu.Lock()
	s.running = false
	if s.stoppedAt.IsZero() {
		s.stoppedAt = w.reg.opts.Now()
	}
	s.cancel = nil
	s.mu.Unlock()

	w.cancel()
	w.log("Stopped.")
	w.closePage()
	w.reg.persist()
	w.reg.fireStop(s.Info())

	s.mu.Lock()
	if s.done == w.done {
		s.done = nil
	}
	s.mu.Unlock()
	close(w.done)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
