// Package recovery implements the corruption recovery controller: when no
// persistence tier yields a decodable state, the bad blob is quarantined for
// forensic inspection, the fallback snapshot takes over, and it is persisted
// immediately. Recovery never fails; the fallback snapshot is the floor.
package recovery

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/statesync/statesync/internal/codec"
	"github.com/statesync/statesync/internal/state"
	"github.com/statesync/statesync/internal/storage"
)

// Controller quarantines corrupt blobs and reverts state to the fallback
// snapshot. All of its operations are best effort and non-throwing.
type Controller struct {
	tiers            *storage.Adapter
	codec            *codec.Codec
	stateKey         string
	quarantinePrefix string
	logger           zerolog.Logger
	now              func() time.Time
}

// New creates a recovery controller. now is the clock source; pass nil for
// time.Now.
func New(tiers *storage.Adapter, c *codec.Codec, stateKey, quarantinePrefix string, logger zerolog.Logger, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		tiers:            tiers,
		codec:            c,
		stateKey:         stateKey,
		quarantinePrefix: quarantinePrefix,
		logger:           logger.With().Str("component", "recovery").Logger(),
		now:              now,
	}
}

// Recover quarantines the corrupt blob (when non-empty), clones the fallback
// snapshot with a fresh clock, and force-persists it to every tier. It is
// idempotent and never returns an error: persistence failures are logged and
// the in-memory fallback is still handed back.
func (c *Controller) Recover(ctx context.Context, reason, corruptBlob string, fallback *state.Tree) *state.Tree {
	if corruptBlob != "" {
		c.Quarantine(ctx, corruptBlob)
	}

	tree := fallback.Clone()
	tree.SetTimestamp(c.now().UnixMilli())

	blob, err := c.codec.Encode(tree)
	if err != nil {
		// The fallback snapshot is constant and schema-valid; an encode
		// failure here means a programming error, but recovery still must
		// not throw.
		c.logger.Error().Err(err).Msg("Failed to encode fallback snapshot")
	} else if err := c.tiers.Write(ctx, c.stateKey, blob); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist fallback snapshot")
	}

	c.logger.Warn().Str("reason", reason).Msg("Recovered state from fallback snapshot")
	return tree
}

// Quarantine persists a corrupt blob under a timestamped key in the durable
// tier instead of silently dropping it. The blob is zstd-compressed and
// base64-encoded. Returns the quarantine key, or "" when nothing was stored.
func (c *Controller) Quarantine(ctx context.Context, blob string) string {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create quarantine compressor")
		return ""
	}
	compressed := enc.EncodeAll([]byte(blob), nil)
	_ = enc.Close()

	key := fmt.Sprintf("%s.%d.%s", c.quarantinePrefix, c.now().UnixMilli(), uuid.New().String()[:8])
	if err := c.tiers.Durable().Set(ctx, key, base64.StdEncoding.EncodeToString(compressed)); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to quarantine corrupt blob")
		return ""
	}

	c.logger.Info().
		Str("key", key).
		Int("raw_bytes", len(blob)).
		Int("stored_bytes", len(compressed)).
		Msg("Quarantined corrupt state blob")
	return key
}

// ReadQuarantined decompresses a previously quarantined blob for inspection.
func (c *Controller) ReadQuarantined(ctx context.Context, key string) (string, error) {
	stored, found, err := c.tiers.Durable().Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read quarantined blob: %w", err)
	}
	if !found {
		return "", fmt.Errorf("quarantined blob %q not found", key)
	}

	compressed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode quarantined blob: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", fmt.Errorf("create quarantine decompressor: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return "", fmt.Errorf("decompress quarantined blob: %w", err)
	}
	return string(raw), nil
}
