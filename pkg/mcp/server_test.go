package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mnemos/internal/tuning"
)

var allToolNames = []string{
	"mnemos.store",
	"mnemos.retrieve",
	"mnemos.rebind",
	"mnemos.get_map",
	"mnemos.provision_slot",
	"mnemos.stats",
	"bus.publish",
	"bus.get_thoughts",
	"bus.clean_expired",
	"bus.query",
	"bus.follow",
	"bus.unfollow",
	"bus.soft_clean",
	"bus.aggressive_clean",
	"bus.ignite",
	"bus.aggressive_clear",
	"bus.apply_profile",
	"bus.start_daemon",
	"tuning.set_affinity",
	"tuning.set_priority",
	"tuning.reset",
	"tuning.flush",
	"tuning.prefetch",
	"tuning.detect",
	"tuning.boost",
	"tuning.states",
	"pro.profiles",
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.Equal(t, 0, s.Sessions().Len())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, len(allToolNames))

	for _, name := range allToolNames {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName string
		required []string
		props    []string
	}{
		{"mnemos.store", []string{"payload"}, []string{"payload"}},
		{"mnemos.rebind", []string{"name", "mapping"}, []string{"name", "mapping"}},
		{"mnemos.provision_slot", []string{"name", "slot"}, []string{"name", "slot"}},
		{"bus.publish", []string{"agent", "payload"}, []string{"agent", "payload", "ttl"}},
		{"bus.query", []string{"expression"}, []string{"expression", "agent"}},
		{"bus.ignite", nil, []string{"model", "cpus", "priority"}},
		{"tuning.set_affinity", []string{"cpus"}, []string{"cpus"}},
		{"tuning.set_priority", []string{"priority"}, []string{"priority"}},
		{"tuning.boost", nil, []string{"cpus", "priority", "keywords"}},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
			for _, p := range tc.props {
				assert.Contains(t, tool.Tool.InputSchema.Properties, p)
			}
		})
	}
}

func TestPrefetchChunkSizeIsBounded(t *testing.T) {
	s := NewServer(ServerDeps{})
	tool := s.mcpServer.GetTool("tuning.prefetch")
	require.NotNil(t, tool)

	prop, ok := tool.Tool.InputSchema.Properties["chunk_size"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, prop["minimum"])
	assert.EqualValues(t, tuning.MaxChunkSize, prop["maximum"])
}

func TestWithAnyAcceptsAnyType(t *testing.T) {
	s := NewServer(ServerDeps{})
	tool := s.mcpServer.GetTool("mnemos.store")
	require.NotNil(t, tool)

	prop, ok := tool.Tool.InputSchema.Properties["payload"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, prop, "type")
	assert.NotContains(t, prop, "required")
	assert.Equal(t, "Any JSON value", prop["description"])
}

func TestToolsWithoutCollaboratorsAreUnavailable(t *testing.T) {
	s := NewServer(ServerDeps{})
	ctx := context.Background()

	for _, name := range allToolNames {
		if name == "bus.follow" || name == "bus.unfollow" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(name)
			require.NotNil(t, tool)

			result, err := tool.Handler(ctx, buildRequest(name, map[string]any{}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), "not configured")
		})
	}
}

func TestForwardWithoutBus(t *testing.T) {
	s := NewServer(ServerDeps{})
	err := s.Forward(context.Background())
	require.Error(t, err)
}
