package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Header names used on callback requests.
const (
	HeaderRequestID = "x-request-id"
	HeaderSignature = "x-worker-signature"
	HeaderTimestamp = "x-worker-timestamp"
)

// DefaultTolerance bounds how far a signed timestamp may drift from the
// receiver's clock.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrMissingSignature is returned when signature material is absent.
	ErrMissingSignature = errors.New("missing callback signature")
	// ErrSignatureMismatch is returned when the HMAC does not match.
	ErrSignatureMismatch = errors.New("callback signature mismatch")
	// ErrTimestampOutOfRange is returned when the timestamp is outside tolerance.
	ErrTimestampOutOfRange = errors.New("callback timestamp outside tolerance")
)

// CanonicalString builds the signed string:
// timestamp.sourceRunId.status.runId.requestId.eventId
func CanonicalString(timestamp string, p scrape.CallbackPayload) string {
	return strings.Join([]string{
		timestamp,
		p.SourceRunID,
		string(p.Status),
		p.RunID,
		p.RequestID,
		p.EventID,
	}, ".")
}

// Timestamp formats t as unix milliseconds.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Sign returns the hex HMAC-SHA256 of the canonical string.
func Sign(secret, timestamp string, p scrape.CallbackPayload) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(timestamp, p)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature and timestamp against secret. The comparison is
// constant time.
func Verify(secret, signature, timestamp string, p scrape.CallbackPayload, now time.Time, tolerance time.Duration) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTimestampOutOfRange, err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < -tolerance || skew > tolerance {
		return ErrTimestampOutOfRange
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, timestamp, p))) {
		return ErrSignatureMismatch
	}
	return nil
}
