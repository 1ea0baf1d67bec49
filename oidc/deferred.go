package oidckit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/open-rails/socialauth/core"
)

// DefaultResultTTL bounds how long a completed deferred login waits for the
// next startup to pick it up.
const DefaultResultTTL = 24 * time.Hour

var (
	ErrStateNotFound    = errors.New("oauth_state_not_found")
	ErrProviderMismatch = errors.New("oauth_state_provider_mismatch")
)

// DeferredStore is the persisted side of a redirect login for one provider.
// Intent lives in the StateCache until the callback claims it; the
// completed session lives under a per-provider key until Resolve takes it.
type DeferredStore struct {
	provider  core.ProviderID
	store     core.EphemeralStore
	states    StateCache
	resultTTL time.Duration
}

func NewDeferredStore(provider core.ProviderID, store core.EphemeralStore, stateTTL, resultTTL time.Duration) *DeferredStore {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &DeferredStore{
		provider:  provider,
		store:     store,
		states:    NewKVStateCache(store, stateTTL),
		resultTTL: resultTTL,
	}
}

func (d *DeferredStore) resultKey() string { return "deferred_result:" + string(d.provider) }

// Begin records the intent for state.
func (d *DeferredStore) Begin(ctx context.Context, state string, sd StateData) error {
	sd.Provider = string(d.provider)
	if sd.CreatedAt.IsZero() {
		sd.CreatedAt = time.Now().UTC()
	}
	if err := d.states.Put(ctx, state, sd); err != nil {
		return fmt.Errorf("store intent: %w", err)
	}
	return nil
}

// Claim consumes the intent for state. A second claim of the same state fails.
func (d *DeferredStore) Claim(ctx context.Context, state string) (StateData, error) {
	sd, ok, err := Take(ctx, d.states, state)
	if err != nil {
		return StateData{}, err
	}
	if !ok {
		return StateData{}, ErrStateNotFound
	}
	if sd.Provider != string(d.provider) {
		return StateData{}, ErrProviderMismatch
	}
	return sd, nil
}

// Complete persists a finished login for the next Resolve.
func (d *DeferredStore) Complete(ctx context.Context, res core.SessionResult) error {
	return core.SetJSON(ctx, d.store, d.resultKey(), res, d.resultTTL)
}

// Resolve returns the completed login, if any, and removes it.
func (d *DeferredStore) Resolve(ctx context.Context) (*core.SessionResult, error) {
	var res core.SessionResult
	ok, err := core.TakeJSON(ctx, d.store, d.resultKey(), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}
