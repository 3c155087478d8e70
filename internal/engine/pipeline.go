package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/statesync/statesync/internal/codec"
	"github.com/statesync/statesync/internal/conflict"
	"github.com/statesync/statesync/pkg/statemsg"
)

// save enforces the single-in-flight-write invariant. The first caller runs
// the pipeline; callers arriving while it runs queue as waiters, and one
// follow-up pipeline pass resolves the whole batch — their mutations are
// already folded into the shared tree, so re-running per caller would only
// persist the same bytes again.
func (e *Engine) save(ctx context.Context) error {
	e.saveMu.Lock()
	if e.inFlight {
		waiter := make(chan error, 1)
		e.waiters = append(e.waiters, waiter)
		e.saveMu.Unlock()

		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.inFlight = true
	e.saveMu.Unlock()

	err := e.runPipeline(ctx)

	for {
		e.saveMu.Lock()
		waiters := e.waiters
		if len(waiters) == 0 {
			e.inFlight = false
			e.saveMu.Unlock()
			return err
		}
		e.waiters = nil
		e.saveMu.Unlock()

		followErr := e.runPipeline(ctx)
		for _, w := range waiters {
			w <- followErr
		}
	}
}

// runPipeline executes one save cycle: detect conflicts against the durable
// tier, resolve them, validate and serialize, persist with bounded retries,
// then broadcast the committed state.
func (e *Engine) runPipeline(ctx context.Context) error {
	// Detect against the durable tier without holding the tree lock; the
	// detector only needs a snapshot of the clock.
	e.mu.Lock()
	snapshot := e.tree.Clone()
	e.mu.Unlock()

	records := e.detector.Detect(ctx, snapshot)
	if len(records) > 0 {
		e.resolveRecords(records)
	}

	// Validate: bound unbounded fields, refresh the reserved fields, then
	// round-trip the tree before anything touches storage.
	e.mu.Lock()
	e.cleanupLocked()
	e.tree.SetVersion(e.cfg.SchemaVersion)
	e.tree.SetTimestamp(e.nextClockLocked())
	blob, err := e.codec.Check(e.tree)
	ts := e.tree.Timestamp()
	e.mu.Unlock()

	if err != nil {
		if errors.Is(err, codec.ErrTooLarge) {
			// Oversize state is the caller's problem; memory stays intact.
			e.metrics.SaveFailures.Inc()
			return err
		}
		// Structural damage in the in-memory tree: quarantine what we can
		// and revert to the fallback snapshot.
		e.logger.Error().Err(err).Msg("In-memory state failed round-trip check, recovering")
		e.recoverTo(ctx, "serialization round-trip failed")
		return err
	}

	if err := e.persist(ctx, blob); err != nil {
		e.metrics.SaveFailures.Inc()
		return err
	}

	e.metrics.SavesTotal.Inc()
	e.metrics.StateSizeBytes.Set(float64(len(blob)))
	e.mu.Lock()
	e.lastWrite = ts
	e.mu.Unlock()

	e.bcast.Publish(&statemsg.Message{
		Version:   statemsg.ProtocolVersion,
		Type:      statemsg.TypeStateUpdate,
		ID:        uuid.New().String(),
		From:      e.cfg.ContextID,
		State:     json.RawMessage(blob),
		Timestamp: ts,
	})
	e.metrics.BroadcastsSent.Inc()
	return nil
}

// persist writes the blob through the tier adapter, retrying up to MaxRetries
// with linearly increasing backoff (RetryDelay × attempt).
func (e *Engine) persist(ctx context.Context, blob string) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		err := e.tiers.Write(ctx, e.cfg.StateKey, blob)
		if err == nil {
			return nil
		}
		lastErr = err
		e.metrics.RetriesTotal.Inc()
		e.logger.Warn().Err(err).Int("attempt", attempt).Msg("Persist attempt failed")

		if attempt < e.cfg.MaxRetries {
			select {
			case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("persist state after %d attempts: %w", e.cfg.MaxRetries, lastErr)
}

// resolveRecords applies the active strategy to detected conflicts and emits
// the matching event. Under the manual strategy the records are surfaced and
// the tree is left untouched.
func (e *Engine) resolveRecords(records []conflict.Record) {
	e.mu.Lock()
	strategy := e.strategy
	applied, err := e.resolver.Resolve(e.tree, records, strategy)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error().Err(err).Msg("Conflict resolution failed, keeping local state")
		return
	}

	if applied {
		e.metrics.ConflictsResolved.WithLabelValues(string(strategy)).Inc()
		e.events.emit(EventConflictResolved, map[string]any{"strategy": string(strategy)})
		return
	}
	if strategy == conflict.StrategyManual {
		for _, rec := range records {
			e.events.emit(EventConflictDetected, map[string]any{
				"kind":             rec.Kind,
				"source":           rec.Source,
				"stored_timestamp": rec.Stored.Timestamp(),
			})
		}
	}
}

// cleanupLocked bounds fields with unbounded growth before a persist: the
// configured scratch field is dropped unconditionally, and when the capped
// mapping exceeds its entry budget the lowest-sorting keys are pruned (entry
// keys sort by age, so the oldest go first). Callers hold e.mu.
func (e *Engine) cleanupLocked() {
	cl := e.cfg.Cleanup
	if cl.ScratchField != "" {
		e.tree.DeleteKey(cl.ScratchField)
	}
	if cl.Field == "" || cl.MaxEntries <= 0 {
		return
	}

	v, ok := e.tree.GetKey(cl.Field)
	if !ok {
		return
	}
	m, isMap := v.AsMapping()
	if !isMap || len(m) <= cl.MaxEntries {
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	drop := keys[:len(keys)-cl.MaxEntries]
	for _, k := range drop {
		delete(m, k)
	}
	e.logger.Debug().Str("field", cl.Field).Int("dropped", len(drop)).Msg("Pruned oldest entries before persist")
}

// recoverTo quarantines the current serialized state when possible, replaces
// the in-memory tree with the fallback snapshot, and force-persists it.
func (e *Engine) recoverTo(ctx context.Context, reason string) {
	e.mu.Lock()
	e.corrupted = true
	var quarantine string
	if e.tree != nil {
		if blob, err := e.codec.Encode(e.tree); err == nil {
			quarantine = blob
		}
	}
	tree := e.recovery.Recover(ctx, reason, quarantine, e.fallback)
	e.tree = tree
	e.lastWrite = tree.Timestamp()
	e.corrupted = false
	e.mu.Unlock()

	e.metrics.Recoveries.Inc()
	e.events.emit(EventRecovered, map[string]any{"reason": reason, "fallback_used": true})
}

// onBroadcast ingests a peer context's committed state. The payload runs
// through the same validation path as local loads, then through conflict
// resolution against the in-memory tree — no storage round trip. The result
// is not re-persisted; the sender already wrote the tiers.
func (e *Engine) onBroadcast(msg *statemsg.Message) {
	if msg.Type != statemsg.TypeStateUpdate || msg.From == e.cfg.ContextID {
		return
	}
	if !e.limiter.Allow() {
		e.metrics.BroadcastsDropped.Inc()
		return
	}

	stored, err := e.codec.Decode(string(msg.State))
	if err != nil {
		e.logger.Debug().Err(err).Str("from", msg.From).Msg("Dropping undecodable broadcast payload")
		return
	}

	e.mu.Lock()
	if e.phase != PhaseReady {
		e.mu.Unlock()
		return
	}
	records := conflict.Against(e.tree, stored, "broadcast")
	e.mu.Unlock()

	if len(records) == 0 {
		return
	}
	e.logger.Debug().Str("from", msg.From).Int64("stored_ts", stored.Timestamp()).Msg("Broadcast carries newer state")
	e.resolveRecords(records)
}
