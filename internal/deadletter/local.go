// Package deadletter stores callbacks that exhausted their delivery attempts
// so they can be replayed later.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// ErrNotFound is returned when a dead letter does not exist.
var ErrNotFound = errors.New("dead letter not found")

const fileSuffix = ".json"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// LocalStore keeps one JSON file per dead letter in a directory.
type LocalStore struct {
	dir string
	now func() time.Time
}

// NewLocal creates the directory if needed and returns a store rooted there.
func NewLocal(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("dead-letter directory is required")
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create dead-letter directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat dead-letter directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("dead-letter path %q is not a directory", dir)
	}
	return &LocalStore{dir: dir, now: time.Now}, nil
}

// Put writes entry to a new file named after its run identifiers and the
// wall clock. Existing files are never overwritten.
func (s *LocalStore) Put(_ context.Context, entry scrape.DeadLetterEntry) (string, error) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal dead letter: %w", err)
	}
	base := EntryName(entry, s.now())
	for i := 0; i < 100; i++ {
		name := base
		if i > 0 {
			name = base + "-" + strconv.Itoa(i)
		}
		name += fileSuffix
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create dead letter: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return "", fmt.Errorf("write dead letter: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close dead letter: %w", err)
		}
		return name, nil
	}
	return "", fmt.Errorf("create dead letter: no free name for %q", base)
}

// List returns the ids of stored dead letters in name order.
func (s *LocalStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dead-letter directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Get loads one dead letter.
func (s *LocalStore) Get(_ context.Context, id string) (scrape.DeadLetterEntry, error) {
	path, err := s.path(id)
	if err != nil {
		return scrape.DeadLetterEntry{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return scrape.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return scrape.DeadLetterEntry{}, fmt.Errorf("read dead letter: %w", err)
	}
	var entry scrape.DeadLetterEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return scrape.DeadLetterEntry{}, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	entry.ID = id
	return entry, nil
}

// Delete removes one dead letter.
func (s *LocalStore) Delete(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}

func (s *LocalStore) path(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("dead letter id is required")
	}
	full := filepath.Clean(filepath.Join(s.dir, id))
	if filepath.Dir(full) != filepath.Clean(s.dir) {
		return "", fmt.Errorf("path traversal detected in %q", id)
	}
	return full, nil
}

// EntryName derives a collision-resistant base name from the run identifiers
// and the write time.
func EntryName(entry scrape.DeadLetterEntry, at time.Time) string {
	runID := sanitize(entry.Payload.RunID, "run")
	sourceRunID := sanitize(entry.Payload.SourceRunID, "source")
	return fmt.Sprintf("%s_%s_%d", runID, sourceRunID, at.UnixNano())
}

func sanitize(s, fallback string) string {
	clean := strings.Trim(unsafeChars.ReplaceAllString(s, "-"), "-")
	if clean == "" {
		return fallback
	}
	if len(clean) > 64 {
		clean = clean[:64]
	}
	return clean
}
