package shield

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mnemos/pkg/schema"
)

func TestNewCheckpointer_Schedules(t *testing.T) {
	s, _ := newTestShield(t, newFakePlatform(), nil)

	for _, spec := range []string{"", "@every 30s", "*/5 * * * *", "@hourly"} {
		_, err := NewCheckpointer(s, spec, discardLogger())
		assert.NoError(t, err, spec)
	}

	_, err := NewCheckpointer(s, "every minute", discardLogger())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCheckpointer_SavesOnSchedule(t *testing.T) {
	ctx := context.Background()
	p := newFakePlatform()
	s, engine := newTestShield(t, p, fixedSampler(1, 2))
	require.True(t, engine.SetPriority(ctx, schema.NicePriority(3)))

	c, err := NewCheckpointer(s, "@every 1s", discardLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.Eventually(t, func() bool { return c.Runs() > 0 }, 5*time.Second, 50*time.Millisecond)
	assert.FileExists(t, s.Path())

	m := readState(t, s)
	assert.Equal(t, 0.0, m["priority"])
}

func TestCheckpointer_StartTwice(t *testing.T) {
	s, _ := newTestShield(t, newFakePlatform(), nil)
	c, err := NewCheckpointer(s, "@hourly", discardLogger())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	c.Stop()
	c.Stop()
	assert.Zero(t, c.Runs())
}

func TestCheckpointer_StopBeforeStart(t *testing.T) {
	s, _ := newTestShield(t, newFakePlatform(), nil)
	c, err := NewCheckpointer(s, "", discardLogger())
	require.NoError(t, err)

	assert.NotPanics(t, c.Stop)
}

func TestCheckpointer_CancelledContextSkipsSave(t *testing.T) {
	s, _ := newTestShield(t, newFakePlatform(), nil)
	c, err := NewCheckpointer(s, "@every 1s", discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Start(ctx))

	time.Sleep(1500 * time.Millisecond)
	c.Stop()

	assert.Zero(t, c.Runs())
	assert.NoFileExists(t, s.Path())
}
