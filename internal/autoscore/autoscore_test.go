package autoscore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

const scoreURL = "https://scorer.test/api/score"

type scorerFunc func(ctx context.Context, req scrape.ScoreRequest) error

func (f scorerFunc) Score(ctx context.Context, req scrape.ScoreRequest) error {
	return f(ctx, req)
}

func request(key string) scrape.ScoreRequest {
	return scrape.ScoreRequest{
		UserID: "user-1",
		RunID:  "run-1",
		Offer:  scrape.CanonicalOffer{Key: key, Offer: scrape.Offer{Title: "Go Engineer"}},
	}
}

func TestPoolScoresEverySubmission(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]int{}
	pool := NewPool(scorerFunc(func(_ context.Context, req scrape.ScoreRequest) error {
		mu.Lock()
		defer mu.Unlock()
		seen[req.Offer.Key]++
		return nil
	}), Config{PoolSize: 3, QueueSize: 10}, nil)

	for _, key := range []string{"source:a", "source:b", "source:c", "source:d"} {
		require.True(t, pool.Submit(request(key)))
	}
	require.NoError(t, pool.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	for key, n := range seen {
		require.Equal(t, 1, n, key)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	pool := NewPool(scorerFunc(func(context.Context, scrape.ScoreRequest) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	}), Config{PoolSize: 2, QueueSize: 20}, nil)

	for i := 0; i < 10; i++ {
		require.True(t, pool.Submit(request("source:x")))
	}
	require.NoError(t, pool.Close(context.Background()))
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRetriesThenGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	pool := NewPool(scorerFunc(func(context.Context, scrape.ScoreRequest) error {
		calls.Add(1)
		return errors.New("scorer unavailable")
	}), Config{PoolSize: 1, MaxAttempts: 3}, nil)
	pool.sleep = func(context.Context, time.Duration) error { return nil }

	require.True(t, pool.Submit(request("source:a")))
	require.NoError(t, pool.Close(context.Background()))
	require.Equal(t, int32(3), calls.Load())
}

func TestPoolRecoversScorerPanic(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	pool := NewPool(scorerFunc(func(context.Context, scrape.ScoreRequest) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}), Config{PoolSize: 1, MaxAttempts: 2}, nil)
	pool.sleep = func(context.Context, time.Duration) error { return nil }

	require.True(t, pool.Submit(request("source:a")))
	require.NoError(t, pool.Close(context.Background()))
	require.Equal(t, int32(2), calls.Load())
}

func TestSubmitRejectsWhenFullOrClosed(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(scorerFunc(func(context.Context, scrape.ScoreRequest) error {
		started <- struct{}{}
		<-release
		return nil
	}), Config{PoolSize: 1, QueueSize: 1}, nil)

	require.True(t, pool.Submit(request("source:a")))
	<-started
	require.True(t, pool.Submit(request("source:b")))
	require.False(t, pool.Submit(request("source:c")), "queue of one is full")

	close(release)
	require.NoError(t, pool.Close(context.Background()))
	require.False(t, pool.Submit(request("source:d")))
	require.NoError(t, pool.Close(context.Background()))
}

func TestHTTPScorerPostsOffer(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, scoreURL, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "Bearer score-token" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, "no"), nil
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
		}
		if body["userId"] != "user-1" || body["offerKey"] != "source:a" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad body"), nil
		}
		offer, _ := body["offer"].(map[string]any)
		if offer["title"] != "Go Engineer" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad offer"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"score":0.8}`), nil
	})

	scorer, err := NewHTTPScorer(&http.Client{Transport: transport}, scoreURL, "score-token")
	require.NoError(t, err)
	require.NoError(t, scorer.Score(context.Background(), request("source:a")))
	require.Equal(t, 1, transport.GetTotalCallCount())
}

func TestHTTPScorerReportsStatus(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, scoreURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, "overloaded"))

	scorer, err := NewHTTPScorer(&http.Client{Transport: transport}, scoreURL, "")
	require.NoError(t, err)
	err = scorer.Score(context.Background(), request("source:a"))
	require.ErrorContains(t, err, "503")
	require.ErrorContains(t, err, "overloaded")

	_, err = NewHTTPScorer(nil, "", "")
	require.Error(t, err)
}
