// Package testutil provides shared test utilities and mocks for statesync tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/statesync/statesync/internal/storage"
)

// ErrTierUnavailable is the error returned by FailingTier operations.
var ErrTierUnavailable = errors.New("tier unavailable")

// FailingTier is a storage tier that fails every operation, simulating a
// backend hitting quota or availability errors.
type FailingTier struct {
	TierName string
}

var _ storage.Tier = (*FailingTier)(nil)

func (f *FailingTier) Name() string {
	if f.TierName == "" {
		return "failing"
	}
	return f.TierName
}

func (f *FailingTier) Get(context.Context, string) (string, bool, error) {
	return "", false, ErrTierUnavailable
}

func (f *FailingTier) Set(context.Context, string, string) error { return ErrTierUnavailable }

func (f *FailingTier) Remove(context.Context, string) error { return ErrTierUnavailable }

// RecordingTier wraps an in-memory tier, counting writes and optionally
// delaying or failing them. Used to observe write coalescing and retry
// behavior.
type RecordingTier struct {
	inner *storage.MemoryTier

	mu      sync.Mutex
	sets    int
	delay   time.Duration
	failSet bool
}

var _ storage.Tier = (*RecordingTier)(nil)

// NewRecordingTier creates a recording tier with the given name.
func NewRecordingTier(name string) *RecordingTier {
	return &RecordingTier{inner: storage.NewMemoryTier(name)}
}

func (r *RecordingTier) Name() string { return r.inner.Name() }

func (r *RecordingTier) Get(ctx context.Context, key string) (string, bool, error) {
	return r.inner.Get(ctx, key)
}

func (r *RecordingTier) Set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	r.sets++
	delay, fail := r.delay, r.failSet
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return ErrTierUnavailable
	}
	return r.inner.Set(ctx, key, value)
}

func (r *RecordingTier) Remove(ctx context.Context, key string) error {
	return r.inner.Remove(ctx, key)
}

// SetCount returns the number of Set calls observed so far.
func (r *RecordingTier) SetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets
}

// SetDelay makes every subsequent Set sleep for d before completing.
func (r *RecordingTier) SetDelay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

// FailSets makes every subsequent Set fail.
func (r *RecordingTier) FailSets(fail bool) {
	r.mu.Lock()
	r.failSet = fail
	r.mu.Unlock()
}
