package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

type marker struct {
	failure  scrape.FailureType
	keywords []string
}

// Checked in order; the first match wins.
var markers = []marker{
	{scrape.FailureTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{scrape.FailureCallback, []string{"callback"}},
	{scrape.FailureParse, []string{"parse", "schema", "invalid json", "unexpected end of json", "cannot unmarshal"}},
	{scrape.FailureValidation, []string{"required", "invalid", "unsupported"}},
	{scrape.FailureNetwork, []string{"fetch", "network", "navigation", "navigate", "cloudflare", "connection", "dial tcp", "no such host", "blocked"}},
}

// Classify maps an error to a failure category. Typed scrape errors keep their
// own category; everything else is matched on well-known message markers.
func Classify(err error) scrape.FailureType {
	if err == nil {
		return ""
	}
	var typed *scrape.Error
	if errors.As(err, &typed) && typed.Type != "" {
		return typed.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return scrape.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return scrape.FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		for _, kw := range m.keywords {
			if strings.Contains(msg, kw) {
				return m.failure
			}
		}
	}
	return scrape.FailureUnknown
}

// FailureCode returns the code reported with a failure.
func FailureCode(err error, failure scrape.FailureType) string {
	var typed *scrape.Error
	if errors.As(err, &typed) && typed.Code != "" {
		return typed.Code
	}
	return failure.Code()
}
