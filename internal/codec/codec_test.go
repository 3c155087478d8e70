package codec

import (
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statesync/statesync/internal/rules"
	"github.com/statesync/statesync/internal/state"
)

const (
	testMaxSize = 1024
	testSchema  = 2
)

func newTestCodec(t *testing.T) (*Codec, *rules.Registry) {
	t.Helper()
	registry := rules.NewRegistry(zerolog.Nop())
	return New(testMaxSize, testSchema, registry, zerolog.Nop()), registry
}

func TestCodec_RoundTrip(t *testing.T) {
	c, registry := newTestCodec(t)
	registry.Register("activeTab", func(v state.Value) bool {
		_, ok := v.AsString()
		return ok
	})

	tree := state.NewTree(testSchema, 12345)
	require.NoError(t, tree.Set("activeTab", state.String("general")))
	require.NoError(t, tree.Set("form.field1", state.Number(3)))

	blob, err := c.Encode(tree)
	require.NoError(t, err)

	decoded, err := c.Decode(blob)
	require.NoError(t, err)
	assert.True(t, tree.Equal(decoded), "decode(encode(tree)) == tree for valid fields")
}

func TestCodec_ParseError(t *testing.T) {
	c, _ := newTestCodec(t)

	_, err := c.Decode("{{{not json")
	assert.ErrorIs(t, err, ErrParse)
}

func TestCodec_SizeCeiling(t *testing.T) {
	c, _ := newTestCodec(t)

	// Valid JSON exactly one byte over the ceiling.
	padding := strings.Repeat("x", testMaxSize)
	blob := fmt.Sprintf(`{"pad":%q}`, padding)
	require.Greater(t, len(blob), testMaxSize)

	_, err := c.Decode(blob)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCodec_VersionCeiling(t *testing.T) {
	c, _ := newTestCodec(t)

	blob := fmt.Sprintf(`{"version":%d,"timestamp":1}`, testSchema+1)
	_, err := c.Decode(blob)
	assert.ErrorIs(t, err, ErrSchemaTooNew)

	// Current and older versions are accepted.
	blob = fmt.Sprintf(`{"version":%d,"timestamp":1}`, testSchema)
	_, err = c.Decode(blob)
	assert.NoError(t, err)
}

func TestCodec_NotMapping(t *testing.T) {
	c, _ := newTestCodec(t)

	_, err := c.Decode(`"a bare string"`)
	assert.ErrorIs(t, err, ErrNotMapping)

	_, err = c.Decode(`42`)
	assert.ErrorIs(t, err, ErrNotMapping)
}

func TestCodec_PartialSalvage(t *testing.T) {
	c, registry := newTestCodec(t)
	registry.Register("bad", func(v state.Value) bool { return false })

	blob := `{"version":1,"timestamp":5,"bad":"poison","good1":1,"good2":"ok","good3":true}`
	tree, err := c.Decode(blob)
	require.NoError(t, err, "one invalid field never fails the whole decode")

	assert.Equal(t, 3, tree.Len(), "exactly the valid fields survive")
	_, ok := tree.GetKey("bad")
	assert.False(t, ok, "invalid field pruned")
	_, ok = tree.GetKey("good1")
	assert.True(t, ok)
}

func TestCodec_MissingVersionAccepted(t *testing.T) {
	c, _ := newTestCodec(t)

	// Legacy blobs without a version field decode with version 0.
	tree, err := c.Decode(`{"timestamp":9,"activeTab":"menu"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Version())
	assert.Equal(t, int64(9), tree.Timestamp())
}

func TestCodec_Check(t *testing.T) {
	c, _ := newTestCodec(t)

	tree := state.NewTree(1, 1)
	require.NoError(t, tree.Set("k", state.String("v")))
	blob, err := c.Check(tree)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	// Oversize in-memory state is caught before persisting.
	big := state.NewTree(1, 1)
	require.NoError(t, big.Set("pad", state.String(strings.Repeat("x", testMaxSize+1))))
	_, err = c.Check(big)
	assert.ErrorIs(t, err, ErrTooLarge)
}
