package core

import (
	"context"
	"encoding/json"
	"time"
)

type EphemeralMode string

const (
	EphemeralMemory EphemeralMode = "memory"
	EphemeralRedis  EphemeralMode = "redis"
)

// EphemeralStore is a minimal key-value interface used for short-lived auth state.
// Implementations should honor TTL on Set and treat missing keys as (found=false, err=nil).
type EphemeralStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Taker is implemented by stores that can read and delete a key in one
// atomic step. TakeJSON prefers it so a single-use key is served once even
// when two callers race.
type Taker interface {
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

// SetJSON stores value under key as JSON.
func SetJSON(ctx context.Context, s EphemeralStore, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}

// GetJSON decodes key into out. found=false when the key is missing.
func GetJSON(ctx context.Context, s EphemeralStore, key string, out any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// TakeJSON is GetJSON followed by Del. The key is removed even when it
// fails to decode, so a corrupt entry is not served twice.
func TakeJSON(ctx context.Context, s EphemeralStore, key string, out any) (bool, error) {
	b, ok, err := take(ctx, s, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

func take(ctx context.Context, s EphemeralStore, key string) ([]byte, bool, error) {
	if t, ok := s.(Taker); ok {
		return t.Take(ctx, key)
	}
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := s.Del(ctx, key); err != nil {
		return nil, false, err
	}
	return b, true, nil
}
