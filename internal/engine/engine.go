// Package engine ties the state tree, codec, persistence tiers, conflict
// handling, recovery and broadcasting together behind a small facade. One
// Engine owns the in-memory tree of one execution context; other contexts
// only ever see serialized copies of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/statesync/statesync/internal/broadcast"
	"github.com/statesync/statesync/internal/codec"
	"github.com/statesync/statesync/internal/config"
	"github.com/statesync/statesync/internal/conflict"
	"github.com/statesync/statesync/internal/recovery"
	"github.com/statesync/statesync/internal/rules"
	"github.com/statesync/statesync/internal/state"
	"github.com/statesync/statesync/internal/storage"
)

// Phase is the engine lifecycle phase.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}

// ErrNotReady is returned by Set before Init has completed. Get never errors;
// it returns the caller's default instead.
var ErrNotReady = errors.New("engine not ready")

// Inbound broadcast rate limit defaults. A misbehaving peer context can flood
// the channel; excess messages are dropped, not queued.
const (
	defaultBroadcastRate  = rate.Limit(50)
	defaultBroadcastBurst = 20
)

// Options configures an Engine.
type Options struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Tiers       *storage.Adapter      // required: durable tier first
	Rules       *rules.Registry       // optional: empty registry when nil
	Broadcaster broadcast.Broadcaster // optional: Nop when nil
	Fallback    *state.Tree           // optional: DefaultFallback() when nil
	Registry    prometheus.Registerer // optional: default registry when nil
	Now         func() time.Time      // optional: time.Now when nil

	// Inbound broadcast rate limit; zero values select the defaults.
	BroadcastRate  rate.Limit
	BroadcastBurst int
}

// Engine is the public facade over one context's synchronized state.
type Engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *Metrics

	rules    *rules.Registry
	codec    *codec.Codec
	tiers    *storage.Adapter
	detector *conflict.Detector
	resolver *conflict.Resolver
	recovery *recovery.Controller
	bcast    broadcast.Broadcaster
	limiter  *rate.Limiter
	events   *eventHub
	fallback *state.Tree
	now      func() time.Time

	syncEnabled bool

	// mu guards the tree and the fields below it. The tree is mutated
	// synchronously by Set and by the pipeline's resolution step; it is
	// never handed out by reference.
	mu        sync.Mutex
	tree      *state.Tree
	phase     Phase
	strategy  conflict.Strategy
	lastWrite int64
	corrupted bool // set when a stored blob fails to decode, cleared by recovery

	// saveMu guards the single-in-flight-write invariant.
	saveMu   sync.Mutex
	inFlight bool
	waiters  []chan error
}

// New wires an Engine from its collaborators. The returned engine is
// PhaseUninitialized until Init is called.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Tiers == nil {
		return nil, errors.New("engine: storage tiers are required")
	}

	logger := opts.Logger.With().Str("component", "engine").Str("context_id", opts.Config.ContextID).Logger()

	reg := opts.Rules
	if reg == nil {
		reg = rules.NewRegistry(opts.Logger)
	}
	bcast := opts.Broadcaster
	if bcast == nil {
		bcast = broadcast.Nop{}
	}
	_, isNop := bcast.(broadcast.Nop)

	fallback := opts.Fallback
	if fallback == nil {
		fallback = DefaultFallback()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limit := opts.BroadcastRate
	if limit == 0 {
		limit = defaultBroadcastRate
	}
	burst := opts.BroadcastBurst
	if burst == 0 {
		burst = defaultBroadcastBurst
	}

	c := codec.New(opts.Config.MaxStateSize, opts.Config.SchemaVersion, reg, opts.Logger)

	e := &Engine{
		cfg:         opts.Config,
		logger:      logger,
		metrics:     InitMetrics(opts.Registry),
		rules:       reg,
		codec:       c,
		tiers:       opts.Tiers,
		detector:    conflict.NewDetector(opts.Tiers.Durable(), c, opts.Config.StateKey, opts.Logger),
		resolver:    conflict.NewResolver(opts.Logger, now),
		recovery:    recovery.New(opts.Tiers, c, opts.Config.StateKey, opts.Config.QuarantinePrefix, opts.Logger, now),
		bcast:       bcast,
		limiter:     rate.NewLimiter(limit, burst),
		events:      newEventHub(),
		fallback:    fallback,
		now:         now,
		syncEnabled: !isNop,
		strategy:    opts.Config.ConflictStrategy,
	}
	return e, nil
}

// DefaultFallback returns the built-in known-good snapshot used when the
// embedding application does not provide one.
func DefaultFallback() *state.Tree {
	t := state.NewTree(0, 0)
	t.SetKey("activeTab", state.String("general"))
	t.SetKey("form", state.Mapping(nil))
	_ = t.Set("sync.enabled", state.Bool(true))
	return t
}

// Init loads persisted state and brings the engine to PhaseReady. Tiers are
// tried in priority order; an unreadable or undecodable tier falls through to
// the next, and when every tier fails the fallback snapshot takes over via
// the recovery controller. Init itself never fails on storage problems — the
// fallback snapshot is the floor.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseUninitialized {
		phase := e.phase
		e.mu.Unlock()
		return fmt.Errorf("engine: init called in phase %s", phase)
	}
	e.phase = PhaseLoading
	e.mu.Unlock()

	var (
		loaded      *state.Tree
		source      string
		corruptBlob string
		sawCorrupt  bool
	)
	for _, tier := range e.tiers.Tiers() {
		blob, found, err := tier.Get(ctx, e.cfg.StateKey)
		if err != nil {
			e.logger.Warn().Err(err).Str("tier", tier.Name()).Msg("Tier unreadable during load, trying next")
			continue
		}
		if !found {
			continue
		}
		tree, derr := e.codec.Decode(blob)
		if derr != nil {
			e.logger.Warn().Err(derr).Str("tier", tier.Name()).Msg("Stored state undecodable, trying next tier")
			if !sawCorrupt {
				sawCorrupt = true
				corruptBlob = blob
			}
			continue
		}
		loaded = tree
		source = tier.Name()
		break
	}

	switch {
	case loaded != nil:
		e.mu.Lock()
		e.tree = loaded
		e.lastWrite = loaded.Timestamp()
		// A lower-priority tier salvaged the load, but a corrupt blob was
		// still observed; the flag stays up until recovery runs.
		e.corrupted = sawCorrupt
		e.mu.Unlock()

		if source != e.tiers.Durable().Name() {
			// Loaded from a fallback tier; repair the others from its copy.
			if blob, err := e.codec.Encode(loaded); err == nil {
				if werr := e.tiers.Write(ctx, e.cfg.StateKey, blob); werr != nil {
					e.logger.Warn().Err(werr).Msg("Failed to repair tiers from loaded state")
				}
			}
		}
		e.logger.Info().Str("source", source).Int64("timestamp", loaded.Timestamp()).Msg("Loaded persisted state")

	case sawCorrupt:
		tree := e.recovery.Recover(ctx, "no tier yielded decodable state", corruptBlob, e.fallback)
		e.mu.Lock()
		e.tree = tree
		e.lastWrite = tree.Timestamp()
		e.corrupted = false
		e.mu.Unlock()
		e.metrics.Recoveries.Inc()
		e.events.emit(EventRecovered, map[string]any{
			"reason":        "no tier yielded decodable state",
			"fallback_used": true,
		})

	default:
		// First run: seed from the fallback snapshot and persist it.
		tree := e.fallback.Clone()
		tree.SetVersion(e.cfg.SchemaVersion)
		tree.SetTimestamp(e.now().UnixMilli())
		e.mu.Lock()
		e.tree = tree
		e.lastWrite = tree.Timestamp()
		e.mu.Unlock()

		if blob, err := e.codec.Encode(tree); err == nil {
			if werr := e.tiers.Write(ctx, e.cfg.StateKey, blob); werr != nil {
				e.logger.Warn().Err(werr).Msg("Failed to persist initial state")
			}
		}
		e.logger.Info().Msg("Initialized fresh state from fallback snapshot")
	}

	e.mu.Lock()
	e.phase = PhaseReady
	e.mu.Unlock()

	e.bcast.RegisterHandler(e.onBroadcast)
	return nil
}

// Get returns a copy of the value at the dotted key path, or def when the
// path is absent, invalid, or the engine is not ready yet.
func (e *Engine) Get(path string, def state.Value) state.Value {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseReady {
		return def
	}
	v, ok := e.tree.Get(path)
	if !ok {
		return def
	}
	return v.Copy()
}

// Set writes value at the dotted key path, bumps the logical clock, emits
// state:set, and runs the save pipeline. The in-memory mutation is visible to
// Get immediately; Set returns once the save carrying it (immediate or
// coalesced) has completed.
func (e *Engine) Set(ctx context.Context, path string, value state.Value) error {
	e.mu.Lock()
	if e.phase != PhaseReady {
		e.mu.Unlock()
		return ErrNotReady
	}
	if err := e.tree.Set(path, value); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("set %q: %w", path, err)
	}
	e.tree.SetTimestamp(e.nextClockLocked())
	e.mu.Unlock()

	e.events.emit(EventSet, map[string]any{"key": path, "value": value.Interface()})
	return e.save(ctx)
}

// SetConflictStrategy switches the reconciliation strategy for subsequent
// conflicts.
func (e *Engine) SetConflictStrategy(s conflict.Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", s)
	}
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
	e.logger.Info().Str("strategy", string(s)).Msg("Conflict strategy changed")
	return nil
}

// Strategy returns the active conflict strategy.
func (e *Engine) Strategy() conflict.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Health is a point-in-time diagnostic snapshot for external monitoring.
// Nothing in the engine reads it back.
type Health struct {
	Initialized        bool              `json:"initialized"`
	Phase              string            `json:"phase"`
	Corrupted          bool              `json:"corrupted"`
	StateSize          int               `json:"state_size"`
	MaxStateSize       int               `json:"max_state_size"`
	SchemaVersion      int               `json:"schema_version"`
	Timestamp          int64             `json:"timestamp"`
	LastWrite          int64             `json:"last_write"`
	SyncEnabled        bool              `json:"sync_enabled"`
	ConflictStrategy   conflict.Strategy `json:"conflict_strategy"`
	ValidationRules    int               `json:"validation_rules"`
	FallbackConfigured bool              `json:"fallback_configured"`
}

// GetHealth reports the engine's diagnostic snapshot.
func (e *Engine) GetHealth() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{
		Initialized:        e.phase == PhaseReady,
		Phase:              e.phase.String(),
		Corrupted:          e.corrupted,
		MaxStateSize:       e.codec.MaxStateSize(),
		SchemaVersion:      e.codec.SchemaVersion(),
		LastWrite:          e.lastWrite,
		SyncEnabled:        e.syncEnabled,
		ConflictStrategy:   e.strategy,
		ValidationRules:    e.rules.Len(),
		FallbackConfigured: e.fallback != nil,
	}
	if e.tree != nil {
		h.Timestamp = e.tree.Timestamp()
		if blob, err := e.codec.Encode(e.tree); err == nil {
			h.StateSize = len(blob)
		}
	}
	return h
}

// Subscribe returns a channel of engine events and a cancel function. Events
// are dropped, not queued, when the channel's buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

// Close detaches the engine from the broadcast channel. In-memory state stays
// readable; pending saves are not interrupted.
func (e *Engine) Close() error {
	return e.bcast.Close()
}

// nextClockLocked returns the next logical clock value: wall-clock ms, pushed
// past the current tree timestamp when the wall clock lags it. Callers hold
// e.mu.
func (e *Engine) nextClockLocked() int64 {
	ts := e.now().UnixMilli()
	if ts <= e.tree.Timestamp() {
		ts = e.tree.Timestamp() + 1
	}
	return ts
}
