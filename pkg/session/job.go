package session

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Job holds the automation parameters of one session run.
type Job struct {
	// Target is a post URL or a path under the site base URL
	Target string

	// Cookies is the raw "name=value; name2=value2" string of a logged-in
	// browser
	Cookies string

	// Comments are posted round-robin
	Comments []string

	// Prefix, when set, is prepended to every comment with a space
	Prefix string

	// Delay is the pause between two comments
	Delay time.Duration

	// Owner and OwnerID identify the dashboard user who started the run
	Owner   string
	OwnerID int64
}

// ParseComments splits text into one comment per non-blank line. When no
// comment remains, fallback is used.
func ParseComments(text, fallback string) []string {
	var comments []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			comments = append(comments, line)
		}
	}
	if len(comments) == 0 && fallback != "" {
		comments = []string{fallback}
	}
	return comments
}

// Compose returns the text actually posted for comment.
func Compose(prefix, comment string) string {
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		return prefix + " " + comment
	}
	return comment
}

// PostURL resolves target against the site base URL. Targets starting with
// "http" are used as is.
func PostURL(baseURL, target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http") {
		return target
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(target, "/")
}

// TargetHost returns the host of the resolved post URL.
func TargetHost(baseURL, target string) (string, error) {
	u, err := url.Parse(PostURL(baseURL, target))
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("target %q has no host", target)
	}
	return strings.ToLower(u.Hostname()), nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
