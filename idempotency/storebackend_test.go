package idempotency

import (
	"context"
	"testing"
	"time"
)

type fakeRecordStore struct {
	values map[string]string
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{values: make(map[string]string)}
}

func (f *fakeRecordStore) GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeRecordStore) SetIdempotencyRecord(ctx context.Context, key, value string, ttl time.Duration) error {
	f.values[key] = value
	return nil
}

func TestStoreBackendRoundTrip(t *testing.T) {
	backend := NewStoreBackend(newFakeRecordStore())
	ctx := context.Background()

	if _, err := backend.Get(ctx, "missing"); err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got, err := backend.Get(ctx, "missing"); err != nil || got != "" {
		t.Fatalf("expected empty string for missing key, got %q err %v", got, err)
	}

	if err := backend.Set(ctx, "k1", "v1", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := backend.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
}

func TestStoreSurvivesRestartViaStoreBackend(t *testing.T) {
	ctx := context.Background()
	record := newFakeRecordStore()

	first := NewStore(NewStoreBackend(record))
	first.Set(ctx, "enqueue-key", Response{StatusCode: 201, Body: []byte(`{"id":"task-1"}`)})

	// A fresh Store (simulating a process restart, fresh in-memory cache)
	// backed by the same durable record must still replay the cached response.
	second := NewStore(NewStoreBackend(record))
	resp, ok := second.Get(ctx, "enqueue-key")
	if !ok {
		t.Fatal("expected cached response to survive across Store instances via the record store backend")
	}
	if resp.StatusCode != 201 || string(resp.Body) != `{"id":"task-1"}` {
		t.Fatalf("unexpected response after restart: %+v", resp)
	}
}
