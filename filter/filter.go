// Package filter sanitizes message text and throttles per-origin write rates.
// It sits in front of every write: markup that could execute is neutralized
// for both visibilities, while phone numbers and non-whitelisted URLs are
// additionally redacted from public messages.
package filter

import (
	"net/url"
	"regexp"
	"strings"
)

// Visibility selects which redaction rules apply.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Redacted replaces every span the filter removes.
const Redacted = "[removed]"

var (
	scriptRe    = regexp.MustCompile(`(?is)<script\b.*?(?:</script\s*>|$)`)
	styleRe     = regexp.MustCompile(`(?is)<style\b.*?(?:</style\s*>|$)`)
	badTagRe    = regexp.MustCompile(`(?i)</?(?:iframe|frame|form|meta|object|embed|link|base)\b[^>]*>?`)
	eventAttrRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	styleAttrRe = regexp.MustCompile(`(?i)\bstyle\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	uriSchemeRe = regexp.MustCompile(`(?i)(?:javascript|vbscript|livescript|mocha)\s*:[^\s"'<>]*|data\s*:[^\s"'<>]*`)
	phoneRe     = regexp.MustCompile(`\+?\d[\d\s().-]{5,}\d`)
	urlRe       = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
)

// Filter applies the redaction pipeline using the configured host lists.
type Filter struct {
	whitelist []string // public chat: hosts allowed to appear as links
	blacklist []string // both visibilities: hosts always redacted
}

// New builds a Filter from wildcard host patterns. Patterns support a leading
// "*." and match the host and all of its subdomains case-insensitively.
func New(whitelist, blacklist []string) *Filter {
	return &Filter{whitelist: whitelist, blacklist: blacklist}
}

// Apply runs the pipeline in order: executable markup, then (public only)
// phone numbers and non-whitelisted URLs, then blacklisted URLs for both
// visibilities. It returns the cleaned text and whether anything was redacted.
func (f *Filter) Apply(text string, vis Visibility) (string, bool) {
	orig := text

	text = scriptRe.ReplaceAllString(text, Redacted)
	text = styleRe.ReplaceAllString(text, Redacted)
	text = badTagRe.ReplaceAllString(text, Redacted)
	text = eventAttrRe.ReplaceAllString(text, Redacted)
	text = styleAttrRe.ReplaceAllString(text, Redacted)
	text = uriSchemeRe.ReplaceAllString(text, Redacted)

	if vis == VisibilityPublic {
		text = phoneRe.ReplaceAllString(text, Redacted)
	}

	text = urlRe.ReplaceAllStringFunc(text, func(raw string) string {
		host := hostOf(raw)
		if host == "" {
			return Redacted
		}
		if matchAny(host, f.blacklist) {
			return Redacted
		}
		if vis == VisibilityPublic && !matchAny(host, f.whitelist) {
			return Redacted
		}
		return raw
	})

	return text, text != orig
}

// hostOf extracts the lowercase host component of a matched URL span.
func hostOf(raw string) string {
	s := raw
	if !strings.Contains(strings.ToLower(s), "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// matchAny reports whether host matches any pattern, including subdomains.
// "*.example.com" and "example.com" both match "example.com" and
// "sub.example.com".
func matchAny(host string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		base := strings.TrimPrefix(p, "*.")
		if base == "" {
			continue
		}
		if host == base || strings.HasSuffix(host, "."+base) {
			return true
		}
	}
	return false
}
