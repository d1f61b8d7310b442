package executor

import (
	"bytes"
	"net/http"
	"strings"
)

var challengeMarkers = [][]byte{
	[]byte("cf-challenge"),
	[]byte("challenge-platform"),
	[]byte("attention required! | cloudflare"),
	[]byte("just a moment..."),
	[]byte("captcha"),
	[]byte("access denied"),
}

// Blocked reports whether a page is an anti-bot response rather than content.
func Blocked(p Page) bool {
	switch p.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	if len(p.Body) == 0 {
		return false
	}
	lower := bytes.ToLower(p.Body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// NeedsRendering decides whether a plain fetch should be retried in a browser:
// empty or script-dominated bodies and single-page-app shells qualify.
func NeedsRendering(p Page, minBodyBytes int) bool {
	if p.StatusCode != http.StatusOK {
		return false
	}
	if minBodyBytes <= 0 {
		minBodyBytes = 2048
	}
	if len(p.Body) == 0 {
		return true
	}
	if len(p.Body) < minBodyBytes && scriptDensityHigh(p.Body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(p.Body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
