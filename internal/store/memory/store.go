// Package memory provides in-memory run, event and offer stores for
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

type eventKey struct {
	sourceRunID string
	eventID     string
}

type linkKey struct {
	userID string
	key    string
}

// Store implements scrape.RunStore, scrape.EventStore and scrape.OfferStore.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]scrape.Run
	events map[eventKey]scrape.CallbackEvent
	offers map[string]scrape.CanonicalOffer
	links  map[linkKey]string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:   make(map[string]scrape.Run),
		events: make(map[eventKey]scrape.CallbackEvent),
		offers: make(map[string]scrape.CanonicalOffer),
		links:  make(map[linkKey]string),
	}
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run scrape.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.Filters = run.Filters.Clone()
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, id string) (scrape.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return scrape.Run{}, scrape.ErrNotFound
	}
	run.Filters = run.Filters.Clone()
	return run, nil
}

// MarkRunning moves a PENDING run to RUNNING.
func (s *Store) MarkRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, scrape.ErrNotFound
	}
	if run.Status != scrape.RunPending {
		return false, nil
	}
	run.Status = scrape.RunRunning
	run.StartedAt = scrape.TimePtr(startedAt)
	s.runs[id] = run
	return true, nil
}

// CompleteRun applies a terminal transition unless the run is already terminal.
func (s *Store) CompleteRun(_ context.Context, id string, c scrape.RunCompletion) (bool, error) {
	if !c.Status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", c.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, scrape.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return false, nil
	}
	run.Status = c.Status
	run.TotalFound = c.TotalFound
	run.ScrapedCount = c.ScrapedCount
	run.Error = c.Error
	run.FailureType = c.FailureType
	run.CompletedAt = scrape.TimePtr(c.CompletedAt)
	s.runs[id] = run
	return true, nil
}

// RegisterEvent inserts a callback event; duplicates report false.
func (s *Store) RegisterEvent(_ context.Context, event scrape.CallbackEvent) (bool, error) {
	k := eventKey{sourceRunID: event.SourceRunID, eventID: event.EventID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[k]; exists {
		return false, nil
	}
	s.events[k] = event
	return true, nil
}

// LinkOffers inserts missing offers and user links, returning the new links.
func (s *Store) LinkOffers(_ context.Context, userID, runID string, offers []scrape.CanonicalOffer) ([]scrape.CanonicalOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []scrape.CanonicalOffer
	for _, offer := range offers {
		if _, exists := s.offers[offer.Key]; !exists {
			s.offers[offer.Key] = offer
		}
		lk := linkKey{userID: userID, key: offer.Key}
		if _, exists := s.links[lk]; exists {
			continue
		}
		s.links[lk] = runID
		inserted = append(inserted, offer)
	}
	return inserted, nil
}

// UserOfferKeys returns the canonical keys linked to a user.
func (s *Store) UserOfferKeys(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for lk := range s.links {
		if lk.userID == userID {
			keys = append(keys, lk.key)
		}
	}
	return keys
}

// EventCount returns how many events were registered.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
