package seqheap

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/seqheap/roots"
)

func TestParseConfig(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("  "))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("full", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`{
			"strategy": "conservative",
			"max_save_size": 8,
			"max_free_list": 100,
			"trashcan_depth": 10,
			"count_allocations": true,
			"chunk_size": 65536,
			"memory_limit_bytes": 1048576,
			"collect_threshold_bytes": 4096,
			"collections_per_second": 2.5,
			"log_level": "debug",
			"call_shapes": [
				{"name": "leaf"},
				{"name": "call", "live": [0, 2]}
			]
		}`))
		require.NoError(t, err)

		assert.Equal(t, roots.Conservative, cfg.Strategy)
		assert.Equal(t, 8, cfg.MaxSaveSize)
		assert.Equal(t, 100, cfg.MaxFreeList)
		assert.Equal(t, 10, cfg.TrashcanDepth)
		assert.True(t, cfg.CountAllocations)
		assert.Equal(t, 65536, cfg.ChunkSize)
		assert.Equal(t, int64(1048576), cfg.MemoryLimitBytes)
		assert.Equal(t, 4096, cfg.CollectThresholdBytes)
		assert.InDelta(t, 2.5, cfg.CollectionsPerSecond, 1e-9)
		require.NotNil(t, cfg.LogLevel)
		assert.Equal(t, slog.LevelDebug, *cfg.LogLevel)
		assert.Equal(t, []roots.CallShape{
			{Name: "leaf"},
			{Name: "call", Live: []int{0, 2}},
		}, cfg.CallShapes)
	})

	t.Run("partial keeps defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`{"max_free_list": 5}`))
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.MaxFreeList)
		assert.Equal(t, DefaultConfig().MaxSaveSize, cfg.MaxSaveSize)
		assert.Equal(t, roots.Precise, cfg.Strategy)
	})

	for name, input := range map[string]string{
		"invalid json":      `{"strategy":`,
		"unknown strategy":  `{"strategy": "magic"}`,
		"non-numeric size":  `{"max_save_size": "big"}`,
		"negative size":     `{"max_free_list": -1}`,
		"zero depth":        `{"trashcan_depth": 0}`,
		"bad log level":     `{"log_level": "loud"}`,
		"bad live slot":     `{"call_shapes": [{"name": "f", "live": ["x"]}]}`,
		"negative pacing":   `{"collections_per_second": -1}`,
		"negative mem":      `{"memory_limit_bytes": -5}`,
		"negative collect":  `{"collect_threshold_bytes": -1}`,
		"negative chunk":    `{"chunk_size": -1}`,
		"negative max save": `{"max_save_size": -1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(input))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewFromJSON(t *testing.T) {
	h, err := NewFromJSON([]byte(`{"strategy": "conservative", "collect_threshold_bytes": 0}`))
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, roots.Conservative, h.Config().Strategy)
	assert.NotNil(t, h.Collector())

	_, err = NewFromJSON([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	var zero Config
	assert.ErrorIs(t, zero.Validate(), ErrInvalidConfig)

	_, err := New(zero)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
