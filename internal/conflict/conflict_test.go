package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statesync/statesync/internal/codec"
	"github.com/statesync/statesync/internal/rules"
	"github.com/statesync/statesync/internal/state"
	"github.com/statesync/statesync/internal/storage"
)

const stateKey = "statesync.state"

func newDetector(t *testing.T) (*Detector, *storage.MemoryTier, *codec.Codec) {
	t.Helper()
	tier := storage.NewMemoryTier("durable")
	c := codec.New(64*1024, 1, rules.NewRegistry(zerolog.Nop()), zerolog.Nop())
	return NewDetector(tier, c, stateKey, zerolog.Nop()), tier, c
}

func storeTree(t *testing.T, tier *storage.MemoryTier, c *codec.Codec, tree *state.Tree) {
	t.Helper()
	blob, err := c.Encode(tree)
	require.NoError(t, err)
	require.NoError(t, tier.Set(context.Background(), stateKey, blob))
}

func TestDetector_NewerStoredState(t *testing.T) {
	d, tier, c := newDetector(t)

	current := state.NewTree(1, 1000)
	stored := state.NewTree(1, 2000)
	require.NoError(t, stored.Set("activeTab", state.String("advanced")))
	storeTree(t, tier, c, stored)

	records := d.Detect(context.Background(), current)
	require.Len(t, records, 1)
	assert.Equal(t, KindTimestamp, records[0].Kind)
	assert.Equal(t, "durable", records[0].Source)
	assert.Equal(t, int64(2000), records[0].Stored.Timestamp())
}

func TestDetector_OlderOrEqualStoredState(t *testing.T) {
	d, tier, c := newDetector(t)

	current := state.NewTree(1, 2000)
	storeTree(t, tier, c, state.NewTree(1, 2000))
	assert.Empty(t, d.Detect(context.Background(), current), "equal clock is not a conflict")

	storeTree(t, tier, c, state.NewTree(1, 1500))
	assert.Empty(t, d.Detect(context.Background(), current))
}

func TestDetector_FailuresYieldNoConflict(t *testing.T) {
	d, tier, _ := newDetector(t)
	current := state.NewTree(1, 1000)

	// Empty tier
	assert.Empty(t, d.Detect(context.Background(), current))

	// Undecodable blob
	require.NoError(t, tier.Set(context.Background(), stateKey, "###corrupt###"))
	assert.Empty(t, d.Detect(context.Background(), current), "decode failure must never block a write")
}

func TestResolver_TimestampStrategy(t *testing.T) {
	now := time.UnixMilli(5000)
	r := NewResolver(zerolog.Nop(), func() time.Time { return now })

	current := state.NewTree(1, 1000)
	require.NoError(t, current.Set("activeTab", state.String("menu")))
	require.NoError(t, current.Set("localOnly", state.Bool(true)))

	stored := state.NewTree(1, 2000)
	require.NoError(t, stored.Set("activeTab", state.String("advanced")))

	applied, err := r.Resolve(current, Against(current, stored, "durable"), StrategyTimestamp)
	require.NoError(t, err)
	assert.True(t, applied)

	v, _ := current.Get("activeTab")
	s, _ := v.AsString()
	assert.Equal(t, "advanced", s, "stored fields overwrite current")
	assert.Greater(t, current.Timestamp(), int64(2000), "clock advances past the stored write")
}

func TestResolver_TimestampStrategyClockAlwaysAdvances(t *testing.T) {
	// Wall clock behind the stored timestamp: the merged clock still must
	// exceed it so this context's next write wins.
	now := time.UnixMilli(100)
	r := NewResolver(zerolog.Nop(), func() time.Time { return now })

	current := state.NewTree(1, 50)
	stored := state.NewTree(1, 9000)

	_, err := r.Resolve(current, Against(current, stored, "durable"), StrategyTimestamp)
	require.NoError(t, err)
	assert.Greater(t, current.Timestamp(), int64(9000))
}

func TestResolver_TimestampStrategySkipsStaleRecords(t *testing.T) {
	// A local write between detection and resolution can advance the clock
	// past the detected record; resolving it must then be a reported noop,
	// not a claimed reconciliation.
	r := NewResolver(zerolog.Nop(), nil)

	stored := state.NewTree(1, 2000)
	require.NoError(t, stored.Set("activeTab", state.String("advanced")))
	detected := state.NewTree(1, 1000)
	records := Against(detected, stored, "durable")
	require.Len(t, records, 1)

	current := state.NewTree(1, 3000)
	require.NoError(t, current.Set("activeTab", state.String("menu")))

	applied, err := r.Resolve(current, records, StrategyTimestamp)
	require.NoError(t, err)
	assert.False(t, applied, "no record was applied")

	v, _ := current.Get("activeTab")
	s, _ := v.AsString()
	assert.Equal(t, "menu", s, "current state untouched")
	assert.Equal(t, int64(3000), current.Timestamp())
}

func TestResolver_MergeStrategy(t *testing.T) {
	r := NewResolver(zerolog.Nop(), nil)

	current := state.NewTree(1, 1000)
	require.NoError(t, current.Set("form.a", state.Number(1)))
	require.NoError(t, current.Set("x", state.Number(1)))

	stored := state.NewTree(1, 2000)
	require.NoError(t, stored.Set("form.b", state.Number(2)))
	require.NoError(t, stored.Set("x", state.Number(2)))

	applied, err := r.Resolve(current, Against(current, stored, "durable"), StrategyMerge)
	require.NoError(t, err)
	assert.True(t, applied)

	a, ok := current.Get("form.a")
	require.True(t, ok)
	assert.True(t, state.Number(1).Equal(a))
	b, ok := current.Get("form.b")
	require.True(t, ok)
	assert.True(t, state.Number(2).Equal(b), "structure union adopts stored-only fields")
	x, _ := current.Get("x")
	assert.True(t, state.Number(1).Equal(x), "current wins on leaf clash")
}

func TestResolver_ManualStrategy(t *testing.T) {
	r := NewResolver(zerolog.Nop(), nil)

	current := state.NewTree(1, 1000)
	require.NoError(t, current.Set("activeTab", state.String("menu")))
	stored := state.NewTree(1, 2000)
	require.NoError(t, stored.Set("activeTab", state.String("advanced")))

	applied, err := r.Resolve(current, Against(current, stored, "durable"), StrategyManual)
	require.NoError(t, err)
	assert.False(t, applied, "manual strategy never reconciles automatically")

	v, _ := current.Get("activeTab")
	s, _ := v.AsString()
	assert.Equal(t, "menu", s, "current state untouched")
}

func TestResolver_UnknownStrategy(t *testing.T) {
	r := NewResolver(zerolog.Nop(), nil)
	current := state.NewTree(1, 0)
	stored := state.NewTree(1, 1)

	_, err := r.Resolve(current, Against(current, stored, "durable"), Strategy("bogus"))
	assert.Error(t, err)
}

func TestResolver_NoRecordsIsNoop(t *testing.T) {
	r := NewResolver(zerolog.Nop(), nil)
	current := state.NewTree(1, 7)

	applied, err := r.Resolve(current, nil, StrategyTimestamp)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(7), current.Timestamp())
}

func TestStrategy_Valid(t *testing.T) {
	assert.True(t, StrategyTimestamp.Valid())
	assert.True(t, StrategyMerge.Valid())
	assert.True(t, StrategyManual.Valid())
	assert.False(t, Strategy("vector").Valid())
}
