package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{`-5`, NicePriority(-5)},
		{`10`, NicePriority(10)},
		{`"high"`, ClassPriority("high")},
		{`"HIGH_PRIORITY_CLASS"`, ClassPriority("high")},
		{`"Below Normal"`, ClassPriority("below_normal")},
		{`"7"`, NicePriority(7)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var p Priority
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPriorityJSON_Rejects(t *testing.T) {
	var p Priority
	assert.Error(t, json.Unmarshal([]byte(`"turbo"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`1.5`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{}`), &p))
}

func TestPriorityMarshal(t *testing.T) {
	b, err := json.Marshal(NicePriority(-3))
	require.NoError(t, err)
	assert.Equal(t, `-3`, string(b))

	b, err = json.Marshal(ClassPriority("realtime"))
	require.NoError(t, err)
	assert.Equal(t, `"realtime"`, string(b))
}

func TestPriorityConversions(t *testing.T) {
	n, err := ClassPriority(PriorityHigh).AsNice()
	require.NoError(t, err)
	assert.Equal(t, -10, n)

	_, err = Priority{Class: "bogus"}.AsNice()
	assert.True(t, IsCode(err, ErrCodeValidation))

	assert.Equal(t, PriorityHigh, NicePriority(-10).AsClass())
	assert.Equal(t, PriorityAboveNormal, NicePriority(-5).AsClass())
	assert.Equal(t, PriorityNormal, NicePriority(0).AsClass())
	assert.Equal(t, PriorityBelowNormal, NicePriority(5).AsClass())
	assert.Equal(t, PriorityIdle, NicePriority(19).AsClass())
	assert.Equal(t, PriorityRealtime, NicePriority(-20).AsClass())
}

func TestIsCode(t *testing.T) {
	base := NewError(ErrCodeNotFound, "thought not found")
	wrapped := fmt.Errorf("lookup: %w", base)

	assert.True(t, IsCode(wrapped, ErrCodeNotFound))
	assert.False(t, IsCode(wrapped, ErrCodeIO))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
	assert.Equal(t, "[NOT_FOUND] thought not found", base.Error())

	cause := errors.New("disk full")
	withCause := NewError(ErrCodePersistence, "save failed").WithCause(cause)
	assert.ErrorIs(t, withCause, cause)
}
