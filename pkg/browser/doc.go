// Package browser drives the headless Chromium pages used by comment
// sessions, through Playwright.
//
// # Architecture
//
// The package is built around three concepts:
//
//  1. Manager: starts Playwright once and launches an independent browser
//     per session, keeping a registry of open pages so they can be closed
//     on shutdown
//  2. Page: one tab owned by a session worker (navigate, cookies, scroll,
//     find the comment box, reload, close)
//  3. Input: the comment box found on a page (fill, submit)
//
// Session code depends only on the Launcher, Page and Input interfaces so
// the worker loop can be tested without a browser.
//
// # Errors
//
// Errors that mean the browser went away (target closed, disconnected) are
// wrapped with ErrDisconnected. Callers should discard the page and launch
// a new one. Any other error leaves the page usable.
//
// # Example Usage
//
//	manager := browser.NewManager(browser.Options{Headless: true, Install: true}, logger)
//	defer manager.Shutdown()
//
//	page, err := manager.Launch(ctx, "A1B2C3D4")
//	err = page.Navigate("https://www.facebook.com/")
//	cookies, err := browser.ParseCookies("c_user=1; xs=2", "https://www.facebook.com/")
//	err = page.AddCookies(cookies)
//	input, n, err := page.FindCommentInput()
//	err = input.Fill("Nice post!")
//	err = input.Submit()
package browser
