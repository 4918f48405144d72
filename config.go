package seqheap

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/seqheap/roots"
	"github.com/hupe1980/seqheap/sequence"
	"github.com/hupe1980/seqheap/trashcan"
)

// ErrInvalidConfig is returned for configurations that fail validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config selects the heap's strategy and tuning. The zero value is not valid;
// start from DefaultConfig.
type Config struct {
	// Strategy selects stack-root discovery. It cannot change after New.
	Strategy roots.Strategy

	// MaxSaveSize is the exclusive upper bound of sequence sizes whose headers are cached.
	MaxSaveSize int

	// MaxFreeList is the maximum number of cached headers per size.
	MaxFreeList int

	// TrashcanDepth is the teardown nesting depth at which teardowns are deferred.
	TrashcanDepth int

	// CountAllocations maintains raw malloc/free counters.
	CountAllocations bool

	// ChunkSize is the raw arena chunk size in bytes.
	ChunkSize int

	// MemoryLimitBytes caps the memory mapped by the arena. 0 means unlimited.
	MemoryLimitBytes int64

	// CollectThresholdBytes triggers an automatic conservative collection after
	// this many bytes were allocated through the collector. 0 disables it.
	CollectThresholdBytes int

	// CollectionsPerSecond rate-limits automatic collections. 0 means unlimited.
	CollectionsPerSecond float64

	// CallShapes is the precise strategy's shape table.
	CallShapes []roots.CallShape

	// LogLevel is used when no logger option is given. nil disables logging.
	LogLevel *slog.Level
}

// DefaultConfig returns the default configuration (precise strategy).
func DefaultConfig() Config {
	return Config{
		Strategy:              roots.Precise,
		MaxSaveSize:           sequence.DefaultOptions.MaxSaveSize,
		MaxFreeList:           sequence.DefaultOptions.MaxFreeList,
		TrashcanDepth:         trashcan.DefaultThreshold,
		ChunkSize:             1 << 20,
		CollectThresholdBytes: 4 << 20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Strategy != roots.Precise && c.Strategy != roots.Conservative:
		return fmt.Errorf("%w: strategy %s", ErrInvalidConfig, c.Strategy)
	case c.MaxSaveSize < 0:
		return fmt.Errorf("%w: max_save_size %d", ErrInvalidConfig, c.MaxSaveSize)
	case c.MaxFreeList < 0:
		return fmt.Errorf("%w: max_free_list %d", ErrInvalidConfig, c.MaxFreeList)
	case c.TrashcanDepth <= 0:
		return fmt.Errorf("%w: trashcan_depth %d", ErrInvalidConfig, c.TrashcanDepth)
	case c.ChunkSize < 0:
		return fmt.Errorf("%w: chunk_size %d", ErrInvalidConfig, c.ChunkSize)
	case c.MemoryLimitBytes < 0:
		return fmt.Errorf("%w: memory_limit_bytes %d", ErrInvalidConfig, c.MemoryLimitBytes)
	case c.CollectThresholdBytes < 0:
		return fmt.Errorf("%w: collect_threshold_bytes %d", ErrInvalidConfig, c.CollectThresholdBytes)
	case c.CollectionsPerSecond < 0:
		return fmt.Errorf("%w: collections_per_second %v", ErrInvalidConfig, c.CollectionsPerSecond)
	}
	return nil
}

// ParseConfig reads a JSON configuration on top of DefaultConfig.
//
// Recognized keys: strategy, max_save_size, max_free_list, trashcan_depth,
// count_allocations, chunk_size, memory_limit_bytes, collect_threshold_bytes,
// collections_per_second, log_level and call_shapes (an array of
// {"name": ..., "live": [...]} objects).
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return cfg, nil
	}

	if !gjson.ValidBytes(data) {
		return cfg, fmt.Errorf("%w: invalid json: %q", ErrInvalidConfig, data)
	}

	jsonData := gjson.ParseBytes(data)

	if v := jsonData.Get("strategy"); v.Exists() {
		s, err := roots.ParseStrategy(v.String())
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		cfg.Strategy = s
	}

	ints := map[string]*int{
		"max_save_size":           &cfg.MaxSaveSize,
		"max_free_list":           &cfg.MaxFreeList,
		"trashcan_depth":          &cfg.TrashcanDepth,
		"chunk_size":              &cfg.ChunkSize,
		"collect_threshold_bytes": &cfg.CollectThresholdBytes,
	}
	for key, dst := range ints {
		if v := jsonData.Get(key); v.Exists() {
			if v.Type != gjson.Number {
				return cfg, fmt.Errorf("%w: %s must be a number", ErrInvalidConfig, key)
			}
			*dst = int(v.Int())
		}
	}

	if v := jsonData.Get("memory_limit_bytes"); v.Exists() {
		cfg.MemoryLimitBytes = v.Int()
	}
	if v := jsonData.Get("collections_per_second"); v.Exists() {
		cfg.CollectionsPerSecond = v.Float()
	}
	if v := jsonData.Get("count_allocations"); v.Exists() {
		cfg.CountAllocations = v.Bool()
	}

	if v := jsonData.Get("log_level"); v.Exists() {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(v.String()))); err != nil {
			return cfg, fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
		}
		cfg.LogLevel = &level
	}

	var shapeErr error
	jsonData.Get("call_shapes").ForEach(func(_, value gjson.Result) bool {
		shape := roots.CallShape{Name: value.Get("name").String()}
		value.Get("live").ForEach(func(_, idx gjson.Result) bool {
			if idx.Type != gjson.Number {
				shapeErr = fmt.Errorf("%w: call shape %q: live slots must be numbers", ErrInvalidConfig, shape.Name)
				return false
			}
			shape.Live = append(shape.Live, int(idx.Int()))
			return true
		})
		cfg.CallShapes = append(cfg.CallShapes, shape)
		return shapeErr == nil
	})
	if shapeErr != nil {
		return cfg, shapeErr
	}

	return cfg, cfg.Validate()
}
