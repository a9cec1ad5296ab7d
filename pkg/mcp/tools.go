package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/mnemos"
	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/pkg/schema"
)

// --- Memory kernel ---

func (s *Server) handleStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.kernel == nil {
		return unavailable("memory kernel"), nil
	}
	payload, ok := req.GetArguments()["payload"]
	if !ok {
		return mcp.NewToolResultError("payload is required"), nil
	}
	id, err := s.kernel.Store(ctx, payload)
	if err != nil {
		return toolError("store failed", err), nil
	}
	return marshalResult(map[string]any{"id": id})
}

func (s *Server) handleRetrieve(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.kernel == nil {
		return unavailable("memory kernel"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	payload, found := s.kernel.Retrieve(id)
	if !found {
		return marshalResult(map[string]any{"id": id, "found": false})
	}
	return marshalResult(map[string]any{"id": id, "found": true, "payload": payload})
}

func (s *Server) handleRebind(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.kernel == nil {
		return unavailable("memory kernel"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	raw := mcp.ParseStringMap(req, "mapping", nil)
	if raw == nil {
		return mcp.NewToolResultError("mapping is required"), nil
	}
	mapping := make(map[string]string, len(raw))
	for slot, v := range raw {
		id, ok := v.(string)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("mapping[%q] must be a thought id string", slot)), nil
		}
		mapping[slot] = id
	}

	if err := s.kernel.Rebind(ctx, name, mapping); err != nil {
		return toolError("rebind failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "name": name, "slots": len(mapping)})
}

func (s *Server) handleGetMap(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.kernel == nil {
		return unavailable("memory kernel"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	mapping, found := s.kernel.GetMap(name)
	if !found {
		return marshalResult(map[string]any{"name": name, "found": false})
	}
	return marshalResult(map[string]any{"name": name, "found": true, "mapping": mapping})
}

func (s *Server) handleProvisionSlot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.kernel == nil {
		return unavailable("memory kernel"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	slot, err := req.RequireString("slot")
	if err != nil {
		return mcp.NewToolResultError("slot is required"), nil
	}
	id, err := s.kernel.ProvisionSlot(ctx, name, slot)
	if err != nil {
		return toolError("provision failed", err), nil
	}
	return marshalResult(map[string]any{"id": id, "name": name, "slot": slot})
}

func (s *Server) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.kernel == nil {
		return unavailable("memory kernel"), nil
	}
	return marshalResult(s.kernel.Stats())
}

// --- Thought bus ---

func (s *Server) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	agent, err := req.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError("agent is required"), nil
	}
	args := req.GetArguments()
	payload, ok := args["payload"]
	if !ok {
		return mcp.NewToolResultError("payload is required"), nil
	}
	ttl, err := durationArg(args, "ttl")
	if err != nil {
		return toolError("invalid ttl", err), nil
	}

	id, err := s.bus.Publish(logging.WithAgent(ctx, agent), agent, payload, ttl)
	if err != nil {
		return toolError("publish failed", err), nil
	}
	return marshalResult(map[string]any{"id": id, "agent": agent})
}

func (s *Server) handleGetThoughts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	thoughts := s.bus.GetThoughts(ctx, req.GetString("agent", ""))
	return marshalResult(map[string]any{"thoughts": thoughts})
}

func (s *Server) handleCleanExpired(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	return marshalResult(map[string]any{"removed": s.bus.CleanExpired(ctx)})
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError("expression is required"), nil
	}
	results, err := s.bus.Query(ctx, req.GetString("agent", ""), expression)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if results == nil {
		results = []mnemos.QueryResult{}
	}
	return marshalResult(map[string]any{"results": results})
}

func (s *Server) handleFollow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("follow requires a client session"), nil
	}
	agent := req.GetString("agent", AllAgents)
	s.sessions.Follow(session.SessionID(), agent)
	return marshalResult(map[string]any{"ok": true, "agent": agent})
}

func (s *Server) handleUnfollow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("unfollow requires a client session"), nil
	}
	agent := req.GetString("agent", AllAgents)
	removed := s.sessions.Unfollow(session.SessionID(), agent)
	return marshalResult(map[string]any{"ok": removed, "agent": agent})
}

func (s *Server) handleSoftClean(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	return marshalResult(map[string]any{"ok": s.bus.SoftClean(ctx)})
}

func (s *Server) handleAggressiveClean(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	return marshalResult(map[string]any{"ok": s.bus.AggressiveClean(ctx)})
}

func (s *Server) handleIgnite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	args := req.GetArguments()
	cpus, err := cpusArg(args, "cpus")
	if err != nil {
		return toolError("invalid cpus", err), nil
	}
	prio, err := priorityArg(args, "priority")
	if err != nil {
		return toolError("invalid priority", err), nil
	}

	ok, err := s.bus.Ignite(ctx, tuning.LaunchOptions{
		ModelPath: req.GetString("model", ""),
		CPUs:      cpus,
		Priority:  prio,
	})
	if err != nil {
		return toolError("ignite failed", err), nil
	}
	return marshalResult(map[string]any{"ok": ok})
}

func (s *Server) handleAggressiveClear(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	return proResult(s.bus.AggressiveClear(ctx))
}

func (s *Server) handleApplyProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	return proResult(s.bus.ApplyProfile(ctx, name))
}

func (s *Server) handleStartDaemon(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return unavailable("thought bus"), nil
	}
	return proResult(s.bus.StartDaemon(ctx))
}

// --- Tuning engine ---

func (s *Server) handleSetAffinity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	cpus, err := cpusArg(req.GetArguments(), "cpus")
	if err != nil {
		return toolError("invalid cpus", err), nil
	}
	if len(cpus) == 0 {
		return mcp.NewToolResultError("cpus is required"), nil
	}
	return marshalResult(map[string]any{"ok": s.engine.SetAffinity(ctx, cpus)})
}

func (s *Server) handleSetPriority(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	prio, err := priorityArg(req.GetArguments(), "priority")
	if err != nil {
		return toolError("invalid priority", err), nil
	}
	if prio == nil {
		return mcp.NewToolResultError("priority is required"), nil
	}
	return marshalResult(map[string]any{"ok": s.engine.SetPriority(ctx, *prio)})
}

func (s *Server) handleReset(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	s.engine.Reset(ctx)
	return s.handleStates(ctx, mcp.CallToolRequest{})
}

func (s *Server) handleFlush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	return marshalResult(s.engine.FlushMemory(ctx, req.GetBool("aggressive", false)))
}

func (s *Server) handlePrefetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	elapsed, err := s.engine.PrefetchFile(ctx, path, req.GetInt("chunk_size", 0))
	if err != nil {
		return toolError("prefetch failed", err), nil
	}
	return marshalResult(map[string]any{"path": path, "elapsed_ms": elapsed.Milliseconds()})
}

func (s *Server) handleDetect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	keywords, err := stringsArg(req.GetArguments(), "keywords")
	if err != nil {
		return toolError("invalid keywords", err), nil
	}
	procs := s.engine.DetectRuntimes(ctx, keywords)
	if procs == nil {
		procs = []tuning.Process{}
	}
	return marshalResult(map[string]any{"runtimes": procs})
}

func (s *Server) handleBoost(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	args := req.GetArguments()
	cpus, err := cpusArg(args, "cpus")
	if err != nil {
		return toolError("invalid cpus", err), nil
	}
	prio, err := priorityArg(args, "priority")
	if err != nil {
		return toolError("invalid priority", err), nil
	}
	keywords, err := stringsArg(args, "keywords")
	if err != nil {
		return toolError("invalid keywords", err), nil
	}

	results := s.engine.BoostAll(ctx, s.engine.DetectRuntimes(ctx, keywords), cpus, prio)
	if results == nil {
		results = []tuning.BoostResult{}
	}
	return marshalResult(map[string]any{"boosted": results})
}

func (s *Server) handleStates(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return unavailable("tuning engine"), nil
	}
	affinity, priority := s.engine.States()
	snap := s.engine.Snapshot()
	p := s.engine.Platform()
	return marshalResult(map[string]any{
		"affinity": affinity.String(),
		"priority": priority.String(),
		"snapshot": map[string]any{
			"affinity": snap.Affinity,
			"priority": snap.Priority,
		},
		"platform": p.Name(),
		"caps":     p.Caps(),
	})
}

func (s *Server) handleProfiles(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.pro == nil {
		return unavailable("pro features"), nil
	}
	return marshalResult(map[string]any{"profiles": s.pro.Profiles()})
}

// --- Internal helpers ---

func unavailable(what string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s is not configured", what))
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// proResult reports licensed operations. A denial is not a tool error: the
// bus skips the operation and ok is false.
func proResult(ok bool, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return toolError("operation failed", err), nil
	}
	return marshalResult(map[string]any{"ok": ok})
}

// durationArg reads a seconds value. A missing or null key yields nil.
func durationArg(args map[string]any, key string) (*time.Duration, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	secs, ok := v.(float64)
	if !ok || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a number of seconds", key)
	}
	d := time.Duration(secs * float64(time.Second))
	return &d, nil
}

// cpusArg reads a list of CPU indexes. A missing key yields nil.
func cpusArg(args map[string]any, key string) ([]int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a list of integers", key)
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		f, ok := item.(float64)
		if !ok || f != math.Trunc(f) || f < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must contain non-negative integers, got %v", key, item)
		}
		out = append(out, int(f))
	}
	return out, nil
}

// priorityArg reads a niceness number or class name. A missing key yields nil.
func priorityArg(args map[string]any, key string) (*schema.Priority, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s is not encodable", key).WithCause(err)
	}
	var p schema.Priority
	if err := p.UnmarshalJSON(raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %v", key, err).WithCause(err)
	}
	return &p, nil
}

// stringsArg reads a list of strings. A missing key yields nil.
func stringsArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a list of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must contain strings, got %v", key, item)
		}
		out = append(out, s)
	}
	return out, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
