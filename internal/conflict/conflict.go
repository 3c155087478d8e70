// Package conflict detects and resolves write conflicts between execution
// contexts that share the same backing storage without coordinating in real
// time. The logical clock (the state timestamp) is the only ordering
// mechanism between contexts.
package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/statesync/statesync/internal/codec"
	"github.com/statesync/statesync/internal/state"
	"github.com/statesync/statesync/internal/storage"
)

// Strategy selects how detected conflicts are reconciled.
type Strategy string

const (
	// StrategyTimestamp is last-writer-wins by logical clock: the newer stored
	// state overwrites local fields, then the local clock advances past it.
	StrategyTimestamp Strategy = "timestamp"

	// StrategyMerge deep-merges stored into current, current winning leaf clashes.
	StrategyMerge Strategy = "merge"

	// StrategyManual performs no automatic reconciliation; conflicts are
	// surfaced by event for an external collaborator.
	StrategyManual Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTimestamp, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// KindTimestamp is the only conflict kind: an external writer's stored state
// carries a strictly newer logical clock.
const KindTimestamp = "timestamp"

// Record describes one detected conflict. Records are transient: they live
// for a single save cycle and are never persisted.
type Record struct {
	Kind   string
	Source string      // tier name or "broadcast"
	Stored *state.Tree // the conflicting external state
}

// Detector compares the in-memory clock against the durable tier's stored state.
type Detector struct {
	durable  storage.Tier
	codec    *codec.Codec
	stateKey string
	logger   zerolog.Logger
}

// NewDetector creates a detector reading the durable tier under stateKey.
func NewDetector(durable storage.Tier, c *codec.Codec, stateKey string, logger zerolog.Logger) *Detector {
	return &Detector{
		durable:  durable,
		codec:    c,
		stateKey: stateKey,
		logger:   logger.With().Str("component", "conflict").Logger(),
	}
}

// Detect reads the durable tier and reports a timestamp conflict when the
// stored state's clock strictly exceeds the current tree's. Any detection
// failure (I/O error, missing key, undecodable blob) yields no conflict: a
// write is never blocked on conflict detection.
func (d *Detector) Detect(ctx context.Context, current *state.Tree) []Record {
	blob, found, err := d.durable.Get(ctx, d.stateKey)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Conflict detection read failed, proceeding without conflicts")
		return nil
	}
	if !found {
		return nil
	}

	stored, err := d.codec.Decode(blob)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Stored state undecodable during detection, proceeding without conflicts")
		return nil
	}

	return Against(current, stored, d.durable.Name())
}

// Against compares current with an externally supplied state (a decoded
// durable blob or an inbound broadcast payload) and returns conflict records.
func Against(current, stored *state.Tree, source string) []Record {
	if stored.Timestamp() <= current.Timestamp() {
		return nil
	}
	return []Record{{
		Kind:   KindTimestamp,
		Source: source,
		Stored: stored,
	}}
}

// Resolver reconciles conflict records into the in-memory tree.
type Resolver struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. now is the clock source; pass nil for
// time.Now.
func NewResolver(logger zerolog.Logger, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		logger: logger.With().Str("component", "conflict").Logger(),
		now:    now,
	}
}

// Resolve applies the strategy to each record, mutating current in place.
// It reports whether any reconciliation was applied; with the manual strategy
// it always returns false and leaves current untouched.
func (r *Resolver) Resolve(current *state.Tree, records []Record, strategy Strategy) (bool, error) {
	if len(records) == 0 {
		return false, nil
	}

	switch strategy {
	case StrategyTimestamp:
		applied := false
		for _, rec := range records {
			// Recheck against the live clock: a local write between
			// detection and resolution may have advanced it past the record.
			if rec.Stored.Timestamp() <= current.Timestamp() {
				continue
			}
			current.OverwriteFrom(rec.Stored)
			// Advance the clock past the stored write so this context's next
			// persist wins against contexts that have not observed the merge.
			current.SetTimestamp(maxClock(r.now().UnixMilli(), rec.Stored.Timestamp()+1))
			applied = true
			r.logger.Debug().
				Str("source", rec.Source).
				Int64("stored_ts", rec.Stored.Timestamp()).
				Msg("Applied last-writer-wins overwrite")
		}
		return applied, nil

	case StrategyMerge:
		for _, rec := range records {
			current.MergeFrom(rec.Stored)
			current.SetTimestamp(maxClock(r.now().UnixMilli(), rec.Stored.Timestamp()+1))
			r.logger.Debug().
				Str("source", rec.Source).
				Msg("Applied deep merge, current fields winning leaf clashes")
		}
		return true, nil

	case StrategyManual:
		return false, nil

	default:
		return false, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

func maxClock(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
