package progress

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/jorgepascosoto/resumable-db-dump/internal/errors"
)

// DefaultKey is the blob name used for the progress record.
const DefaultKey = "backup.txt"

// Store persists the progress record of the single active dump session.
type Store interface {
	// Load returns nil when no record is persisted.
	Load(ctx context.Context) (*Record, error)
	// Save must be atomic: readers see the old record or the new one.
	Save(ctx context.Context, r *Record) error
	Clear(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
}

// Blobs is a named byte store. Get returns an error matching
// errors.ErrNotFound when the blob does not exist.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// BlobStore keeps the record as a JSON blob under a fixed key.
type BlobStore struct {
	blobs Blobs
	key   string
}

func NewBlobStore(blobs Blobs, key string) *BlobStore {
	if key == "" {
		key = DefaultKey
	}
	return &BlobStore{blobs: blobs, key: key}
}

func (s *BlobStore) Key() string {
	return s.key
}

func (s *BlobStore) Load(ctx context.Context) (*Record, error) {
	data, err := s.blobs.Get(ctx, s.key)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress record %s: %w", s.key, err)
	}

	r, err := Unmarshal(data)
	if err != nil {
		return nil, apperrors.NewDumpError(apperrors.ErrCorruptProgress, "", "", fmt.Errorf("%s: %w", s.key, err))
	}
	return r, nil
}

func (s *BlobStore) Save(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid progress record: %w", err)
	}
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode progress record: %w", err)
	}
	if err := s.blobs.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to write progress record %s: %w", s.key, err)
	}
	return nil
}

func (s *BlobStore) Clear(ctx context.Context) error {
	if err := s.blobs.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to delete progress record %s: %w", s.key, err)
	}
	return nil
}

func (s *BlobStore) Exists(ctx context.Context) (bool, error) {
	ok, err := s.blobs.Exists(ctx, s.key)
	if err != nil {
		return false, fmt.Errorf("failed to check progress record %s: %w", s.key, err)
	}
	return ok, nil
}
