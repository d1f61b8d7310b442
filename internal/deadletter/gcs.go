package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// GCSStore keeps dead letters as JSON objects under a bucket prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCS creates a GCS-backed store.
func NewGCS(client *storage.Client, bucket, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// Put uploads entry as a new object; it fails rather than overwrite.
func (s *GCSStore) Put(ctx context.Context, entry scrape.DeadLetterEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dead letter: %w", err)
	}
	id := EntryName(entry, s.now()) + fileSuffix
	writer := s.object(id).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write dead letter: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write dead letter: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return id, nil
}

// List returns the ids under the prefix in name order.
func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	var ids []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, s.prefix)
		if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get downloads one dead letter.
func (s *GCSStore) Get(ctx context.Context, id string) (scrape.DeadLetterEntry, error) {
	reader, err := s.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return scrape.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return scrape.DeadLetterEntry{}, fmt.Errorf("open dead letter: %w", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
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
func (s *GCSStore) Delete(ctx context.Context, id string) error {
	if err := s.object(id).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (s *GCSStore) object(id string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path.Base(id))
}
