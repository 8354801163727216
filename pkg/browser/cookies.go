package browser

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ParseCookies turns a "name=value; name2=value2" header string, as copied
// from a logged-in browser, into cookies for the site serving targetURL.
// Pairs without "=" or with an empty name are skipped.
func ParseCookies(header, targetURL string) ([]Cookie, error) {
	domain, err := CookieDomain(targetURL)
	if err != nil {
		return nil, err
	}

	var cookies []Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		i := strings.Index(part, "=")
		if i <= 0 {
			continue
		}
		name := strings.TrimSpace(part[:i])
		if name == "" {
			continue
		}
		cookies = append(cookies, Cookie{
			Name:   name,
			Value:  strings.TrimSpace(part[i+1:]),
			Domain: domain,
			Path:   "/",
		})
	}
	return cookies, nil
}

// CookieDomain returns the cookie domain covering every host of the site
// behind rawURL, e.g. ".facebook.com" for https://www.facebook.com/.
func CookieDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	if net.ParseIP(host) != nil {
		return host, nil
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// bare hosts like "localhost" have no registrable domain
		return host, nil
	}
	return "." + site, nil
}
