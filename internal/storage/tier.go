// Package storage provides the persistence tier adapter: uniform key-value
// string storage over two independently-failing backing tiers, with
// tier-priority fallback on read. Tiers are external shared resources also
// written by other execution contexts, so every read is treated as possibly
// stale, absent, or malformed.
package storage

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Tier is one key-value string backing store. Implementations may fail on
// quota or availability problems; callers treat tier errors as soft failures
// and try the other tier.
type Tier interface {
	// Name identifies the tier in logs and conflict records
	Name() string

	// Get returns the value for key, with found=false when the key is absent
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores a value under key
	Set(ctx context.Context, key, value string) error

	// Remove deletes a key; removing an absent key is not an error
	Remove(ctx context.Context, key string) error
}

// ErrAllTiersFailed is returned by Write when no tier accepted the value.
var ErrAllTiersFailed = errors.New("all storage tiers failed")

// Adapter reads and writes across an ordered list of tiers. The first tier is
// the durable tier; later tiers are shorter-lived fallbacks.
type Adapter struct {
	tiers  []Tier
	logger zerolog.Logger
}

// NewAdapter creates an adapter over tiers in priority order (durable first).
func NewAdapter(logger zerolog.Logger, tiers ...Tier) *Adapter {
	return &Adapter{
		tiers:  tiers,
		logger: logger.With().Str("component", "storage").Logger(),
	}
}

// Durable returns the highest-priority tier.
func (a *Adapter) Durable() Tier {
	return a.tiers[0]
}

// Tiers returns the tiers in priority order, for callers that need to react
// to per-tier results (e.g. distinguishing an absent blob from a corrupt one).
func (a *Adapter) Tiers() []Tier {
	return a.tiers
}

// Read returns the value for key from the first tier that has it. Tier errors
// are logged and the next tier is tried; they never propagate.
func (a *Adapter) Read(ctx context.Context, key string) (value, source string, found bool) {
	for _, tier := range a.tiers {
		v, ok, err := tier.Get(ctx, key)
		if err != nil {
			a.logger.Warn().Err(err).Str("tier", tier.Name()).Str("key", key).Msg("Tier read failed, trying next")
			continue
		}
		if ok {
			return v, tier.Name(), true
		}
	}
	return "", "", false
}

// Write stores the value in every tier. Individual tier failures are logged;
// the write only errors when no tier accepted it.
func (a *Adapter) Write(ctx context.Context, key, value string) error {
	var ok bool
	var lastErr error
	for _, tier := range a.tiers {
		if err := tier.Set(ctx, key, value); err != nil {
			a.logger.Warn().Err(err).Str("tier", tier.Name()).Str("key", key).Msg("Tier write failed")
			lastErr = err
			continue
		}
		ok = true
	}
	if !ok {
		return errors.Join(ErrAllTiersFailed, lastErr)
	}
	return nil
}

// Remove deletes the key from every tier, best effort.
func (a *Adapter) Remove(ctx context.Context, key string) {
	for _, tier := range a.tiers {
		if err := tier.Remove(ctx, key); err != nil {
			a.logger.Warn().Err(err).Str("tier", tier.Name()).Str("key", key).Msg("Tier remove failed")
		}
	}
}
