package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/jobscout/internal/config"
	"github.com/JakeFAU/jobscout/internal/runs"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

const offersPage = `<html><body>
<article class="job-offer" data-offer-id="go-1"><h2>Go Engineer</h2><a href="/offers/go-1">go</a></article>
<article class="job-offer" data-offer-id="sre-2"><h2>SRE</h2><a href="/offers/sre-2">sre</a></article>
</body></html>`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DeadLetter.Dir = filepath.Join(t.TempDir(), "dead-letters")
	cfg.Executor.RateLimitRPS = 1000
	cfg.Executor.RateLimitBurst = 10
	cfg.Callback.Token = "cb-token"
	cfg.Callback.SigningSecret = "cb-secret"
	cfg.Callback.BaseBackoffMs = 10
	cfg.Callback.MaxBackoffMs = 20
	cfg.Auth.APIKey = "secret"
	return cfg
}

func TestBuildWorkerServesHealth(t *testing.T) {
	t.Parallel()

	w, err := BuildWorker(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok":true`)
	require.Nil(t, w.subscriber)
	require.NotNil(t, w.Service())
}

func TestBuildWorkerRejectsMissingSubscription(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Queue.Provider = config.ProviderPubSub
	cfg.PubSub.ProjectID = "jobscout-test"
	_, err := BuildWorker(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "pubsub.subscription")
}

func TestRunRoundTripsThroughWorker(t *testing.T) {
	t.Parallel()

	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, offersPage)
	}))
	defer listing.Close()

	var controllerHandler atomic.Value
	controllerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		controllerHandler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	defer controllerSrv.Close()

	cfg := testConfig(t)
	cfg.Callback.URL = controllerSrv.URL + "/api/callbacks/scrape"

	worker, err := BuildWorker(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer worker.Close()
	workerSrv := httptest.NewServer(worker.Handler())
	defer workerSrv.Close()

	cfg.Worker.URL = workerSrv.URL
	ctrl, err := BuildController(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer ctrl.Close()
	controllerHandler.Store(ctrl.Handler())

	req, err := http.NewRequest(http.MethodPost, controllerSrv.URL+"/api/scrape-runs",
		strings.NewReader(`{"userId":"u-1","source":"jobboard","listingUrl":"`+listing.URL+`/search"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		OK  bool       `json:"ok"`
		Run scrape.Run `json:"run"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, created.OK)

	var run scrape.Run
	require.Eventually(t, func() bool {
		run, err = ctrl.Runs().Get(context.Background(), created.Run.ID)
		return err == nil && run.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, scrape.RunCompleted, run.Status)
	require.Equal(t, 2, run.ScrapedCount)
}

func TestBuildControllerWithSQLite(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "jobscout.db")
	ctrl, err := BuildController(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer ctrl.Close()

	rec := httptest.NewRecorder()
	ctrl.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/scrape-runs/missing", nil)
	req.Header.Set("X-API-Key", "secret")
	ctrl.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPubSubWiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()
	dial := func() option.ClientOption {
		conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return option.WithGRPCConn(conn)
	}

	admin, err := pubsub.NewClient(ctx, "jobscout-test", dial())
	require.NoError(t, err)
	defer admin.Close()
	topic, err := admin.CreateTopic(ctx, "scrape-dispatch")
	require.NoError(t, err)
	_, err = admin.CreateSubscription(ctx, "scrape-worker", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	topic.Stop()

	cfg := testConfig(t)
	cfg.Queue.Provider = config.ProviderPubSub
	cfg.PubSub.ProjectID = "jobscout-test"
	cfg.PubSub.Topic = "scrape-dispatch"
	cfg.PubSub.Subscription = "scrape-worker"

	worker, err := BuildWorker(ctx, cfg, nil, dial())
	require.NoError(t, err)
	require.NotNil(t, worker.subscriber)
	worker.Close()

	ctrl, err := BuildController(ctx, cfg, nil, dial())
	require.NoError(t, err)
	defer ctrl.Close()

	run, err := ctrl.Runs().Request(ctx, runs.RunRequest{
		UserID:     "u-1",
		Source:     "jobboard",
		ListingURL: "https://jobs.example.com/search",
	})
	require.NoError(t, err)
	require.Equal(t, scrape.RunRunning, run.Status)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, run.ID, msgs[0].Attributes["source_run_id"])
}

func TestSelectorsOverrideDefaults(t *testing.T) {
	t.Parallel()

	sel := selectors(config.ExecutorConfig{ItemSelector: "li.offer", NextSelector: "  "})
	require.Equal(t, "li.offer", sel.Item)
	require.Equal(t, "a[rel='next']", sel.Next)
	require.Equal(t, "data-offer-id", sel.IDAttribute)
}
