package storage

import (
	"context"
	"time"
)

// KVEngine is the embedded key-value store used for node state.
type KVEngine interface {
	// Get returns ErrKeyNotFound if key doesn't exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	Set(ctx context.Context, key, value []byte) error

	Delete(ctx context.Context, key []byte) error

	// Update atomically replaces the value of key with fn's result. fn
	// receives nil when the key is absent.
	Update(ctx context.Context, key []byte, fn func(old []byte) ([]byte, error)) ([]byte, error)

	// Scan iterates over keys with a given prefix until fn returns false.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	Stats(ctx context.Context) (*KVStats, error)

	Close() error
}

// KVStats contains storage engine statistics.
type KVStats struct {
	// LSMSize is the LSM tree size in bytes.
	LSMSize uint64

	// ValueLogSize is the value log size in bytes.
	ValueLogSize uint64

	// LastGCTime is the last GC run timestamp (Unix milliseconds).
	LastGCTime int64

	// GCRuns counts value log rewrites.
	GCRuns uint64
}

// TotalSize returns the total disk usage in bytes.
func (s *KVStats) TotalSize() uint64 {
	return s.LSMSize + s.ValueLogSize
}

// KVConfig configures the embedded KV engine.
type KVConfig struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory, for tests and anonymous tools.
	InMemory bool

	Badger BadgerConfig
}

// BadgerConfig contains Badger tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between automatic value log GC runs.
	// Zero disables automatic GC.
	GCInterval time.Duration

	// GCThreshold is the discard ratio that triggers a rewrite (0.0-1.0).
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	CacheSize int64

	// SyncWrites fsyncs after each write. A generation bump must be durable
	// before the node announces it.
	SyncWrites bool
}

// DefaultKVConfig returns the default KV configuration for dir.
func DefaultKVConfig(dir string) KVConfig {
	return KVConfig{
		Dir:    dir,
		Badger: DefaultBadgerConfig(),
	}
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:  10 * time.Minute,
		GCThreshold: 0.5,
		CacheSize:   8 << 20, // 8MB
		SyncWrites:  true,
	}
}
