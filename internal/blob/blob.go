package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type Store interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// RecordingKey is where one recording segment is stored.
func RecordingKey(sessionID, recordingID string) string {
	return fmt.Sprintf("recordings/%s/%s.mp4", sessionID, recordingID)
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) PutObject(_ context.Context, bucket, key string, body io.Reader, _ int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = buf.Bytes()
	return nil
}

func (m *MemoryStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[bucket+"/"+key]; !ok {
		return "", fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", bucket, url.PathEscape(key), int(ttl.Seconds())), nil
}

// Object returns a stored object's bytes.
func (m *MemoryStore) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket+"/"+key]
	return b, ok
}
