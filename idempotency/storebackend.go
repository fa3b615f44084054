package idempotency

import (
	"context"
	"time"
)

// RecordStore is the subset of store.Store a StoreBackend needs. Spelled out
// here instead of importing store directly so idempotency stays independent
// of the task/agent schema it has nothing to do with.
type RecordStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyRecord(ctx context.Context, key, value string, ttl time.Duration) error
}

// StoreBackend adapts the Store's idempotency_keys table to Backend, so a
// broker with no Redis configured still survives a restart without losing
// idempotency guarantees — the in-memory sync.Map fallback alone would not.
type StoreBackend struct {
	store RecordStore
}

func NewStoreBackend(s RecordStore) *StoreBackend {
	return &StoreBackend{store: s}
}

func (b *StoreBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.store.SetIdempotencyRecord(ctx, key, value, ttl)
}

func (b *StoreBackend) Get(ctx context.Context, key string) (string, error) {
	val, ok, err := b.store.GetIdempotencyRecord(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return val, nil
}
