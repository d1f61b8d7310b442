package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceContextPropagatesAcrossServices(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	shutdown, err := Init(context.Background(), Config{ServiceName: "jobscout-test", SampleRatio: 1},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	type seen struct{ traceID, traceparent string }
	seenCh := make(chan seen, 1)
	downstream := httptest.NewServer(Middleware("worker")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCh <- seen{traceID: TraceID(r.Context()), traceparent: r.Header.Get("Traceparent")}
		w.WriteHeader(http.StatusAccepted)
	})))
	defer downstream.Close()

	client := Client(nil)
	var upstreamTrace string
	upstream := Middleware("controller")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamTrace = TraceID(r.Context())
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, downstream.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
	}))

	rec := httptest.NewRecorder()
	upstream.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scrape-runs", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, upstreamTrace)
	got := <-seenCh
	require.Equal(t, upstreamTrace, got.traceID)
	require.Contains(t, got.traceparent, upstreamTrace)
	require.Eventually(t, func() bool { return len(recorder.Ended()) >= 3 }, time.Second, 10*time.Millisecond)
}

func TestTraceIDWithoutSpan(t *testing.T) {
	t.Parallel()
	require.Empty(t, TraceID(context.Background()))
}
