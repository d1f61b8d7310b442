// Package dispatch moves scrape tasks from the controller to a worker, either
// over the worker's HTTP API or through a Pub/Sub topic.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// HeaderAPIKey carries the worker API key.
const HeaderAPIKey = "X-API-Key"

// HTTPDispatcher posts dispatch envelopes to a worker's /tasks endpoint.
type HTTPDispatcher struct {
	client *http.Client
	url    string
	apiKey string
}

// NewHTTP builds an HTTPDispatcher. baseURL is the worker root; "/tasks" is
// appended unless already present.
func NewHTTP(client *http.Client, baseURL, apiKey string) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/tasks") {
		endpoint += "/tasks"
	}
	return &HTTPDispatcher{client: client, url: endpoint, apiKey: apiKey}
}

// Dispatch sends env and decodes the worker's acknowledgement. A 429 is not an
// error: it yields a rejected ack carrying the worker's queue stats.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, env scrape.DispatchEnvelope) (scrape.DispatchAck, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("marshal dispatch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.Payload.RequestID != "" {
		req.Header.Set("X-Request-ID", env.Payload.RequestID)
	}
	if d.apiKey != "" {
		req.Header.Set(HeaderAPIKey, d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("post dispatch: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("read dispatch response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusTooManyRequests:
	default:
		return scrape.DispatchAck{}, fmt.Errorf("worker answered %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var ack scrape.DispatchAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return scrape.DispatchAck{}, fmt.Errorf("decode dispatch ack: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		ack.OK = false
		ack.Status = scrape.AckRejected
		if ack.Error == "" {
			ack.Error = "worker queue full"
		}
	}
	return ack, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
