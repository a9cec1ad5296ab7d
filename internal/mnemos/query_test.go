package mnemos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mnemos/pkg/schema"
)

func TestBus_Query(t *testing.T) {
	b, _ := newTestBus(t, nil, BusConfig{})
	ctx := context.Background()

	hot, err := b.Publish(ctx, "pulse", map[string]any{"cpu_percent": 91.5, "tags": []string{"a", "b"}}, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "pulse", map[string]any{"cpu_percent": 12.0, "tags": []string{}}, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "other", map[string]any{"cpu_percent": 99.0}, nil)
	require.NoError(t, err)

	t.Run("select", func(t *testing.T) {
		got, err := b.Query(ctx, "pulse", `select(.cpu_percent > 50)`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, hot, got[0].ID)
		assert.Equal(t, "pulse", got[0].Agent)
		assert.Equal(t, map[string]any{"cpu_percent": 91.5, "tags": []any{"a", "b"}}, got[0].Result)
	})

	t.Run("predicate", func(t *testing.T) {
		got, err := b.Query(ctx, "pulse", `.cpu_percent > 50`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, true, got[0].Result)
	})

	t.Run("projection", func(t *testing.T) {
		got, err := b.Query(ctx, "", `.cpu_percent`)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 91.5, got[0].Result)
		assert.Equal(t, 12.0, got[1].Result)
		assert.Equal(t, "other", got[2].Agent)
	})

	t.Run("multiple outputs", func(t *testing.T) {
		got, err := b.Query(ctx, "pulse", `.tags[]`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []any{"a", "b"}, got[0].Result)
	})

	t.Run("missing field excludes", func(t *testing.T) {
		got, err := b.Query(ctx, "", `.nope`)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestBus_QuerySkipsExpired(t *testing.T) {
	clock := newTestClock()
	b, _ := newTestBus(t, clock, BusConfig{})
	ctx := context.Background()

	_, err := b.Publish(ctx, "a", map[string]int{"n": 1}, ttl(time.Second))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	got, err := b.Query(ctx, "a", `.n`)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBus_QueryErrors(t *testing.T) {
	b, _ := newTestBus(t, nil, BusConfig{})
	ctx := context.Background()

	_, err := b.Query(ctx, "", `.[`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = b.Publish(ctx, "a", "text", nil)
	require.NoError(t, err)

	_, err = b.Query(ctx, "a", `.field`)
	require.Error(t, err, "indexing a string is a runtime error")
}
