package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/mnemos/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"metric": 0.5, "tags": []any{"gpu", "hot"}}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"field", ".metric", 0.5},
		{"missing field", ".missing", nil},
		{"multiple outputs", ".tags[]", []any{"gpu", "hot"}},
		{"select", `select(.metric > 0.1) | .metric`, 0.5},
		{"no output", `select(.metric > 1) | .metric`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQ_RunOnDecodedPayload(t *testing.T) {
	e := NewGoJQEngine()

	var payload any
	require.NoError(t, json.Unmarshal([]byte(`[1, 2, 3]`), &payload))

	out, err := e.Run(context.Background(), "map(. * 2) | add", payload)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(12)}, out)

	out, err = e.Run(context.Background(), ".", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, out)
}

func TestGoJQ_NormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Compile(".[")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_SandboxEnv(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "$ENV | length", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
