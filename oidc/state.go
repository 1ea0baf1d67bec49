package oidckit

import (
	"context"
	"time"

	"github.com/open-rails/socialauth/core"
)

// DefaultStateTTL bounds how long a user has to finish at the provider.
const DefaultStateTTL = 15 * time.Minute

// StateCache stores ephemeral OAuth state/PKCE data keyed by the state parameter.
type StateCache interface {
	Put(ctx context.Context, state string, data StateData) error
	Get(ctx context.Context, state string) (StateData, bool, error)
	Del(ctx context.Context, state string) error
}

// StateData is what we persist for a pending login.
type StateData struct {
	FlowID      string    `json:"flow_id"`
	Provider    string    `json:"provider"`
	Verifier    string    `json:"verifier"`
	Nonce       string    `json:"nonce,omitempty"`
	RedirectURI string    `json:"redirect_uri"`
	Mode        string    `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
}

// KVStateCache implements StateCache on any core.EphemeralStore.
type KVStateCache struct {
	store core.EphemeralStore
	ttl   time.Duration
}

func NewKVStateCache(store core.EphemeralStore, ttl time.Duration) *KVStateCache {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &KVStateCache{store: store, ttl: ttl}
}

func stateKey(state string) string { return "oauth_state:" + state }

func (c *KVStateCache) Put(ctx context.Context, state string, data StateData) error {
	return core.SetJSON(ctx, c.store, stateKey(state), data, c.ttl)
}

func (c *KVStateCache) Get(ctx context.Context, state string) (StateData, bool, error) {
	var sd StateData
	ok, err := core.GetJSON(ctx, c.store, stateKey(state), &sd)
	return sd, ok, err
}

func (c *KVStateCache) Del(ctx context.Context, state string) error {
	return c.store.Del(ctx, stateKey(state))
}

// Take consumes state through the store's atomic take when it has one.
func (c *KVStateCache) Take(ctx context.Context, state string) (StateData, bool, error) {
	var sd StateData
	ok, err := core.TakeJSON(ctx, c.store, stateKey(state), &sd)
	return sd, ok, err
}

// Take reads and removes state; a state is good for one callback. Caches
// that implement Take themselves do both in one step.
func Take(ctx context.Context, c StateCache, state string) (StateData, bool, error) {
	if t, ok := c.(interface {
		Take(context.Context, string) (StateData, bool, error)
	}); ok {
		return t.Take(ctx, state)
	}
	sd, ok, err := c.Get(ctx, state)
	if err != nil || !ok {
		return StateData{}, false, err
	}
	if err := c.Del(ctx, state); err != nil {
		return StateData{}, false, err
	}
	return sd, true, nil
}
