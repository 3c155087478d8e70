package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerTier is the durable tier: an embedded BadgerDB store that survives
// across sessions of the hosting context.
type BadgerTier struct {
	name string
	db   *badger.DB
}

// OpenBadgerTier opens (or creates) a durable tier at dir. The caller must
// Close it on teardown.
func OpenBadgerTier(name, dir string, logger zerolog.Logger) (*BadgerTier, error) {
	if dir == "" {
		return nil, errors.New("data directory is required for the durable tier")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open durable tier: %w", err)
	}
	return &BadgerTier{name: name, db: db}, nil
}

// Name implements Tier.
func (b *BadgerTier) Name() string { return b.name }

// Get implements Tier.
func (b *BadgerTier) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("durable tier get %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements Tier.
func (b *BadgerTier) Set(_ context.Context, key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("durable tier set %q: %w", key, err)
	}
	return nil
}

// Remove implements Tier.
func (b *BadgerTier) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("durable tier remove %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (b *BadgerTier) Close() error {
	return b.db.Close()
}

// badgerLogger adapts zerolog to badger's logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func newBadgerLogger(logger zerolog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With().Str("component", "badger").Logger()}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}
