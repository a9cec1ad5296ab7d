package tuning

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	closed int
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed++
	return f.err
}

func TestHandleTracker_CloseIdle(t *testing.T) {
	now := time.Unix(0, 0)
	tr := NewHandleTracker(func() time.Time { return now })

	stale := &fakeCloser{}
	fresh := &fakeCloser{}
	tr.Track("model.bin", stale)
	h := tr.Track("socket", fresh)

	now = now.Add(45 * time.Second)
	require.True(t, h.Touch())
	now = now.Add(30 * time.Second)

	names, err := tr.CloseIdle(DefaultIdleAfter)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.bin"}, names)
	assert.Equal(t, 1, stale.closed)
	assert.Equal(t, 0, fresh.closed)
	assert.Equal(t, 1, tr.Len())
}

func TestHandle_CloseTwice(t *testing.T) {
	tr := NewHandleTracker(nil)
	c := &fakeCloser{}
	h := tr.Track("f", c)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, c.closed)
	assert.False(t, h.Touch())
	assert.Equal(t, 0, tr.Len())
}

func TestHandleTracker_CloseErrorsJoined(t *testing.T) {
	now := time.Unix(0, 0)
	tr := NewHandleTracker(func() time.Time { return now })
	tr.Track("a", &fakeCloser{err: errors.New("a failed")})
	tr.Track("b", &fakeCloser{err: errors.New("b failed")})

	now = now.Add(2 * time.Minute)
	names, err := tr.CloseIdle(time.Minute)
	assert.Len(t, names, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
	assert.Equal(t, 0, tr.Len(), "failed closes are still unregistered")
}
