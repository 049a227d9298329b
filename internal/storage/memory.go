package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests.
type MemoryStore struct {
	defaultBucket string
	objects       map[string]memoryObject // bucket/key -> object
	mu            sync.RWMutex
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory object store.
func NewMemoryStore(defaultBucket string) *MemoryStore {
	return &MemoryStore{
		defaultBucket: defaultBucket,
		objects:       make(map[string]memoryObject),
	}
}

func (s *MemoryStore) resolve(uri string) (string, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if bucket == "" {
		bucket = s.defaultBucket
	}
	return bucket + "/" + key, nil
}

// Upload stores an object.
func (s *MemoryStore) Upload(ctx context.Context, uri string, data []byte, contentType string) error {
	path, err := s.resolve(uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	s.objects[path] = memoryObject{data: copied, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

// Download retrieves an object's content.
func (s *MemoryStore) Download(ctx context.Context, uri string) ([]byte, error) {
	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	copied := make([]byte, len(obj.data))
	copy(copied, obj.data)
	return copied, nil
}

// Exists reports whether the object is present.
func (s *MemoryStore) Exists(ctx context.Context, uri string) (bool, error) {
	path, err := s.resolve(uri)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

// Info returns object metadata.
func (s *MemoryStore) Info(ctx context.Context, uri string) (*ObjectInfo, error) {
	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	_, key, _ := ParseURI(uri)
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

// List returns up to limit objects under the prefix, sorted by key.
func (s *MemoryStore) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	path, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ObjectInfo
	for stored, obj := range s.objects {
		if !strings.HasPrefix(stored, path) {
			continue
		}
		_, key, _ := strings.Cut(stored, "/")
		result = append(result, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Delete removes a single object. Missing objects are not an error.
func (s *MemoryStore) Delete(ctx context.Context, uri string) error {
	path, err := s.resolve(uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

// DeletePrefix removes every object under the prefix.
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	path, err := s.resolve(prefix)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for stored := range s.objects {
		if strings.HasPrefix(stored, path) {
			delete(s.objects, stored)
			deleted++
		}
	}
	return deleted, nil
}

// Presign returns a fake URL for tests.
func (s *MemoryStore) Presign(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	path, err := s.resolve(uri)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[path]; !ok {
		return "", fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	return fmt.Sprintf("https://objstore.invalid/%s?ttl=%d", path, int(ttl.Seconds())), nil
}
