// Package codec serializes, deserializes and validates state blobs. Decoding
// enforces the size ceiling and the schema version ceiling wholesale, while
// per-key validation failures prune only the offending field so the rest of
// the blob is salvaged.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/statesync/statesync/internal/rules"
	"github.com/statesync/statesync/internal/state"
)

// Tagged decode failures. Callers distinguish "blob is garbage" (recovery
// path) from "blob is from the future" (never downgrade silently).
var (
	// ErrParse means the blob is not valid serialized data.
	ErrParse = errors.New("state blob is not parseable")
	// ErrTooLarge means the blob exceeds the configured size ceiling.
	ErrTooLarge = errors.New("state blob exceeds size limit")
	// ErrSchemaTooNew means the blob was written by a newer schema version.
	ErrSchemaTooNew = errors.New("state blob schema version too new")
	// ErrNotMapping means the blob parsed but is not a mapping.
	ErrNotMapping = errors.New("state blob is not a mapping")
)

// Codec encodes and decodes state trees under a size ceiling, a schema
// version ceiling, and the per-key rules of a validation registry.
type Codec struct {
	maxStateSize  int
	schemaVersion int
	rules         *rules.Registry
	logger        zerolog.Logger
}

// New creates a codec. maxStateSize is the blob length ceiling in bytes and
// schemaVersion is the highest schema version this build understands.
func New(maxStateSize, schemaVersion int, registry *rules.Registry, logger zerolog.Logger) *Codec {
	return &Codec{
		maxStateSize:  maxStateSize,
		schemaVersion: schemaVersion,
		rules:         registry,
		logger:        logger.With().Str("component", "codec").Logger(),
	}
}

// MaxStateSize returns the configured blob size ceiling.
func (c *Codec) MaxStateSize() int { return c.maxStateSize }

// SchemaVersion returns the schema version this codec accepts up to.
func (c *Codec) SchemaVersion() int { return c.schemaVersion }

// Decode parses and validates a serialized state blob.
//
// Wholesale rejections: unparseable data (ErrParse), blobs over the size
// ceiling (ErrTooLarge), blobs from a newer schema (ErrSchemaTooNew), and
// blobs that are not mappings (ErrNotMapping). A field that fails its
// registered validation rule is deleted from the result rather than failing
// the whole decode, so one bad field never discards a session's state.
func (c *Codec) Decode(blob string) (*state.Tree, error) {
	var parsed state.Value
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if len(blob) > c.maxStateSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(blob), c.maxStateSize)
	}

	tree, ok := state.TreeFromValue(parsed)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNotMapping, parsed.Kind())
	}

	if tree.Version() > c.schemaVersion {
		return nil, fmt.Errorf("%w: blob version %d, current %d", ErrSchemaTooNew, tree.Version(), c.schemaVersion)
	}

	for _, key := range tree.Keys() {
		v, _ := tree.GetKey(key)
		if !c.rules.Validate(key, v) {
			c.logger.Debug().Str("key", key).Msg("Pruning field that failed validation")
			tree.DeleteKey(key)
		}
	}

	return tree, nil
}

// Encode serializes a tree deterministically. The inverse of Decode for any
// tree whose fields all pass validation.
func (c *Codec) Encode(tree *state.Tree) (string, error) {
	data, err := tree.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

// Check runs a serialization round trip over a tree, returning the encoded
// blob. It catches structural damage (unencodable values, oversize state)
// before anything touches storage.
func (c *Codec) Check(tree *state.Tree) (string, error) {
	blob, err := c.Encode(tree)
	if err != nil {
		return "", err
	}
	if len(blob) > c.maxStateSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(blob), c.maxStateSize)
	}
	if _, err := c.Decode(blob); err != nil {
		return "", fmt.Errorf("round-trip check: %w", err)
	}
	return blob, nil
}
