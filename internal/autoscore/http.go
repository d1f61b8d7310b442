package autoscore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

type scoreBody struct {
	UserID   string       `json:"userId"`
	RunID    string       `json:"runId,omitempty"`
	OfferKey string       `json:"offerKey"`
	Offer    scrape.Offer `json:"offer"`
}

// HTTPScorer posts offers to a scoring service.
type HTTPScorer struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPScorer builds a scorer for url. token is sent as a bearer token when set.
func NewHTTPScorer(client *http.Client, url, token string) (*HTTPScorer, error) {
	if url == "" {
		return nil, errors.New("autoscore url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScorer{client: client, url: url, token: token}, nil
}

// Score implements scrape.Scorer.
func (s *HTTPScorer) Score(ctx context.Context, req scrape.ScoreRequest) error {
	body, err := json.Marshal(scoreBody{
		UserID:   req.UserID,
		RunID:    req.RunID,
		OfferKey: req.Offer.Key,
		Offer:    req.Offer.Offer,
	})
	if err != nil {
		return fmt.Errorf("marshal score request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post score request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("scorer responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
