// Package dedup assigns canonical identities to crawl results and collects one
// offer per identity within a run.
package dedup

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/jobscout/internal/hash/sha256"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Key prefixes, in order of preference.
const (
	PrefixSource = "source:"
	PrefixURL    = "url:"
	PrefixHash   = "hash:"
)

// NormalizeURL reduces a URL to its lowercased scheme, host and path. Query
// strings, fragments, default ports and trailing slashes are stripped.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse url: missing host in %q", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	path := strings.TrimRight(strings.ToLower(u.EscapedPath()), "/")

	return scheme + "://" + host + path, nil
}

// Valid reports whether an offer carries at least one of url, title or
// description.
func Valid(o scrape.Offer) bool {
	return strings.TrimSpace(o.URL) != "" ||
		strings.TrimSpace(o.Title) != "" ||
		strings.TrimSpace(o.Description) != ""
}

// Key computes the canonical identity of an offer: the external id when
// present, else the normalized URL, else a digest of its text.
func Key(o scrape.Offer, hasher scrape.Hasher) (string, error) {
	if id := strings.TrimSpace(o.ExternalID); id != "" {
		return PrefixSource + strings.ToLower(id), nil
	}
	if raw := strings.TrimSpace(o.URL); raw != "" {
		normalized, err := NormalizeURL(raw)
		if err != nil {
			return PrefixURL + strings.ToLower(stripQuery(raw)), nil
		}
		return PrefixURL + normalized, nil
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	text := strings.ToLower(strings.Join([]string{
		strings.TrimSpace(o.Title),
		strings.TrimSpace(o.Company),
		strings.TrimSpace(o.Description),
	}, "|"))
	digest, err := hasher.Hash([]byte(text))
	if err != nil {
		return "", fmt.Errorf("hash offer text: %w", err)
	}
	return PrefixHash + digest, nil
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
