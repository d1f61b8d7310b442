package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

const workerTasksURL = "https://worker.test/tasks"

func testEnvelope() scrape.DispatchEnvelope {
	return scrape.DispatchEnvelope{
		Name: scrape.DispatchName,
		Payload: scrape.Task{
			Source:      "jobboard",
			RunID:       "run-1",
			SourceRunID: "run-1",
			RequestID:   "req-1",
			Limit:       5,
			Filters:     scrape.Query{"technologies": []any{"go"}},
		},
	}
}

func TestHTTPDispatchAccepted(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, workerTasksURL,
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get(HeaderAPIKey) != "secret" {
				return httpmock.NewStringResponse(http.StatusForbidden, `{"error":"unauthorized"}`), nil
			}
			var env scrape.DispatchEnvelope
			if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			return httpmock.NewJsonResponse(http.StatusAccepted, scrape.DispatchAck{
				OK:          true,
				Status:      scrape.AckAccepted,
				RequestID:   env.Payload.RequestID,
				SourceRunID: env.Payload.SourceRunID,
			})
		})

	d := NewHTTP(&http.Client{Transport: transport}, "https://worker.test/", "secret")
	ack, err := d.Dispatch(context.Background(), testEnvelope())
	require.NoError(t, err)
	require.True(t, ack.OK)
	require.Equal(t, scrape.AckAccepted, ack.Status)
	require.Equal(t, "req-1", ack.RequestID)
	require.Equal(t, 1, transport.GetCallCountInfo()["POST "+workerTasksURL])
}

func TestHTTPDispatchQueueFullIsRejectedAck(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, workerTasksURL,
		httpmock.NewStringResponder(http.StatusTooManyRequests,
			`{"ok":false,"status":"rejected","queue":{"queued":10,"active":2,"maxConcurrent":2}}`))

	d := NewHTTP(&http.Client{Transport: transport}, "https://worker.test/tasks", "")
	ack, err := d.Dispatch(context.Background(), testEnvelope())
	require.NoError(t, err)
	require.False(t, ack.OK)
	require.Equal(t, scrape.AckRejected, ack.Status)
	require.Equal(t, "worker queue full", ack.Error)
	require.Equal(t, &scrape.QueueStats{Queued: 10, Active: 2, MaxConcurrent: 2}, ack.Queue)
}

func TestHTTPDispatchErrors(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, workerTasksURL,
		httpmock.NewStringResponder(http.StatusForbidden, `{"error":"unauthorized"}`))
	d := NewHTTP(&http.Client{Transport: transport}, "https://worker.test", "wrong")
	_, err := d.Dispatch(context.Background(), testEnvelope())
	require.ErrorContains(t, err, "worker answered 403")

	garbled := httpmock.NewMockTransport()
	garbled.RegisterResponder(http.MethodPost, workerTasksURL, httpmock.NewStringResponder(http.StatusAccepted, "not json"))
	d = NewHTTP(&http.Client{Transport: garbled}, "https://worker.test", "")
	_, err = d.Dispatch(context.Background(), testEnvelope())
	require.ErrorContains(t, err, "decode dispatch ack")

	unreachable := httpmock.NewMockTransport()
	d = NewHTTP(&http.Client{Transport: unreachable}, "https://worker.test", "")
	_, err = d.Dispatch(context.Background(), testEnvelope())
	require.ErrorContains(t, err, "post dispatch")
}
