package callback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

func signedPayload() scrape.CallbackPayload {
	return scrape.CallbackPayload{
		EventID:     "evt-1",
		SourceRunID: "run-1",
		RunID:       "exec-1",
		RequestID:   "req-1",
		Status:      scrape.RunCompleted,
	}
}

func TestCanonicalStringSubstitutesEmptyFields(t *testing.T) {
	t.Parallel()

	got := CanonicalString("1700000000000", scrape.CallbackPayload{SourceRunID: "run-1", Status: scrape.RunFailed})
	require.Equal(t, "1700000000000.run-1.FAILED...", got)
	require.Equal(t, "1700000000000.run-1.COMPLETED.exec-1.req-1.evt-1", CanonicalString("1700000000000", signedPayload()))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := Timestamp(now.Add(-30 * time.Second))
	sig := Sign("s3cret", ts, signedPayload())

	require.NoError(t, Verify("s3cret", sig, ts, signedPayload(), now, time.Minute))
}

func TestVerifyRejectsAnySignatureMutation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := Timestamp(now)
	sig := Sign("s3cret", ts, signedPayload())

	for i := range len(sig) {
		mutated := []byte(sig)
		mutated[i] ^= 0x01
		err := Verify("s3cret", string(mutated), ts, signedPayload(), now, time.Minute)
		require.ErrorIs(t, err, ErrSignatureMismatch, "byte %d", i)
	}
	require.ErrorIs(t, Verify("s3cret", sig[:len(sig)-2], ts, signedPayload(), now, time.Minute), ErrSignatureMismatch)
	require.ErrorIs(t, Verify("other", sig, ts, signedPayload(), now, time.Minute), ErrSignatureMismatch)

	tampered := signedPayload()
	tampered.Status = scrape.RunFailed
	require.ErrorIs(t, Verify("s3cret", sig, ts, tampered, now, time.Minute), ErrSignatureMismatch)
}

func TestVerifyRejectsTimestampOutsideTolerance(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, skew := range []time.Duration{-2 * time.Minute, 2 * time.Minute} {
		ts := Timestamp(now.Add(skew))
		sig := Sign("s3cret", ts, signedPayload())
		require.ErrorIs(t, Verify("s3cret", sig, ts, signedPayload(), now, time.Minute), ErrTimestampOutOfRange)
	}
	require.ErrorIs(t, Verify("s3cret", "abc", "yesterday", signedPayload(), now, time.Minute), ErrTimestampOutOfRange)
}

func TestVerifyRequiresSignatureMaterial(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.ErrorIs(t, Verify("s3cret", "", Timestamp(now), signedPayload(), now, 0), ErrMissingSignature)
	require.ErrorIs(t, Verify("s3cret", "abc", "", signedPayload(), now, 0), ErrMissingSignature)
}
