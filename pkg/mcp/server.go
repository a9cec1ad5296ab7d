// Package mcp exposes the memory kernel, thought bus, tuning engine and
// licensed features as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/internal/mnemos"
	"github.com/rendis/mnemos/internal/pro"
	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/pkg/schema"
)

// Version is reported to MCP clients during initialization.
var Version = "dev"

// ServerDeps holds the dependencies for creating a Server. Nil collaborators
// make their tools report UNAVAILABLE.
type ServerDeps struct {
	Kernel *mnemos.Kernel
	Bus    *mnemos.Bus
	Engine *tuning.Engine
	Pro    *pro.Features
	Logger *slog.Logger
}

// Server wraps an MCP server with mnemos tool handlers.
type Server struct {
	kernel    *mnemos.Kernel
	bus       *mnemos.Bus
	engine    *tuning.Engine
	pro       *pro.Features
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ThoughtNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		kernel:   deps.Kernel,
		bus:      deps.Bus,
		engine:   deps.Engine,
		pro:      deps.Pro,
		logger:   logging.OrDefault(deps.Logger),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"mnemos",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Mnemos is shared memory for cooperating agents. Use mnemos.store and mnemos.retrieve for durable thoughts, "+
			"mnemos.rebind and mnemos.get_map for named memory maps, bus.publish and bus.get_thoughts for expiring messages, "+
			"and tuning.* to pin CPUs, change priority, flush memory and prefetch model files."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Bus events are forwarded to following sessions while it runs.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Forward(ctx); err != nil && !schema.IsCode(err, schema.ErrCodeUnavailable) {
			s.logger.Warn("thought forwarding stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Forward relays bus events to sessions that follow the publishing agent
// until ctx is done. It fails with UNAVAILABLE when the bus has no hub.
func (s *Server) Forward(ctx context.Context) error {
	if s.bus == nil {
		return schema.NewError(schema.ErrCodeUnavailable, "thought bus is not configured")
	}
	events, unsubscribe, err := s.bus.Subscribe(ctx, "")
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.notifier.Notify(ctx, evt); err != nil {
				s.logger.Debug("thought notification failed",
					slog.String("thought_id", evt.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the follow registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: storeTool(), Handler: s.handleStore},
		{Tool: retrieveTool(), Handler: s.handleRetrieve},
		{Tool: rebindTool(), Handler: s.handleRebind},
		{Tool: getMapTool(), Handler: s.handleGetMap},
		{Tool: provisionSlotTool(), Handler: s.handleProvisionSlot},
		{Tool: statsTool(), Handler: s.handleStats},

		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: getThoughtsTool(), Handler: s.handleGetThoughts},
		{Tool: cleanExpiredTool(), Handler: s.handleCleanExpired},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: followTool(), Handler: s.handleFollow},
		{Tool: unfollowTool(), Handler: s.handleUnfollow},
		{Tool: softCleanTool(), Handler: s.handleSoftClean},
		{Tool: aggressiveCleanTool(), Handler: s.handleAggressiveClean},
		{Tool: igniteTool(), Handler: s.handleIgnite},
		{Tool: aggressiveClearTool(), Handler: s.handleAggressiveClear},
		{Tool: applyProfileTool(), Handler: s.handleApplyProfile},
		{Tool: startDaemonTool(), Handler: s.handleStartDaemon},

		{Tool: setAffinityTool(), Handler: s.handleSetAffinity},
		{Tool: setPriorityTool(), Handler: s.handleSetPriority},
		{Tool: resetTool(), Handler: s.handleReset},
		{Tool: flushTool(), Handler: s.handleFlush},
		{Tool: prefetchTool(), Handler: s.handlePrefetch},
		{Tool: detectTool(), Handler: s.handleDetect},
		{Tool: boostTool(), Handler: s.handleBoost},
		{Tool: statesTool(), Handler: s.handleStates},
		{Tool: profilesTool(), Handler: s.handleProfiles},
	}
}

// --- Tool definitions ---

// withAny declares a property that accepts any JSON value.
func withAny(name string, opts ...mcp.PropertyOption) mcp.ToolOption {
	return func(t *mcp.Tool) {
		prop := map[string]any{}
		for _, opt := range opts {
			opt(prop)
		}
		if required, ok := prop["required"].(bool); ok && required {
			delete(prop, "required")
			t.InputSchema.Required = append(t.InputSchema.Required, name)
		}
		t.InputSchema.Properties[name] = prop
	}
}

func withCPUs(name, desc string, opts ...mcp.PropertyOption) mcp.ToolOption {
	opts = append([]mcp.PropertyOption{
		mcp.Description(desc),
		mcp.Items(map[string]any{"type": "integer", "minimum": 0}),
	}, opts...)
	return mcp.WithArray(name, opts...)
}

func withPriority(desc string, opts ...mcp.PropertyOption) mcp.ToolOption {
	return withAny("priority", append([]mcp.PropertyOption{
		mcp.Description(desc + " Niceness integer or class name (idle, below_normal, normal, above_normal, high, realtime)."),
	}, opts...)...)
}

func storeTool() mcp.Tool {
	return mcp.NewTool("mnemos.store",
		mcp.WithDescription("Store a JSON payload durably and return its new id"),
		withAny("payload", mcp.Required(), mcp.Description("Any JSON value")),
	)
}

func retrieveTool() mcp.Tool {
	return mcp.NewTool("mnemos.retrieve",
		mcp.WithDescription("Retrieve a stored payload by id"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Thought id returned by mnemos.store")),
	)
}

func rebindTool() mcp.Tool {
	return mcp.NewTool("mnemos.rebind",
		mcp.WithDescription("Replace a named memory map with the given slot to id mapping"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory map name")),
		mcp.WithObject("mapping", mcp.Required(), mcp.Description("Slot name to thought id")),
	)
}

func getMapTool() mcp.Tool {
	return mcp.NewTool("mnemos.get_map",
		mcp.WithDescription("Get a named memory map"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory map name")),
	)
}

func provisionSlotTool() mcp.Tool {
	return mcp.NewTool("mnemos.provision_slot",
		mcp.WithDescription("Return the id bound to a slot, creating an empty record and binding it when the slot is new"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Memory map name")),
		mcp.WithString("slot", mcp.Required(), mcp.Description("Slot name")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("mnemos.stats",
		mcp.WithDescription("Count stored thoughts, memory maps and bus entries"),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("bus.publish",
		mcp.WithDescription("Publish a thought on the bus"),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Publishing agent")),
		withAny("payload", mcp.Required(), mcp.Description("Any JSON value")),
		mcp.WithNumber("ttl", mcp.Min(0), mcp.Description("Seconds until the thought expires (omit for never)")),
	)
}

func getThoughtsTool() mcp.Tool {
	return mcp.NewTool("bus.get_thoughts",
		mcp.WithDescription("List live thoughts in publication order"),
		mcp.WithString("agent", mcp.Description("Only thoughts from this agent (default: all)")),
	)
}

func cleanExpiredTool() mcp.Tool {
	return mcp.NewTool("bus.clean_expired",
		mcp.WithDescription("Remove expired bus entries and return how many were removed"),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("bus.query",
		mcp.WithDescription("Run a jq expression over live thought payloads; null and false results are excluded"),
		mcp.WithString("expression", mcp.Required(), mcp.Description("jq expression, e.g. select(.kind == \"plan\") | .steps")),
		mcp.WithString("agent", mcp.Description("Only thoughts from this agent (default: all)")),
	)
}

func followTool() mcp.Tool {
	return mcp.NewTool("bus.follow",
		mcp.WithDescription("Receive notifications for new and expired thoughts of an agent on this session"),
		mcp.WithString("agent", mcp.Description("Agent to follow (default: all)")),
	)
}

func unfollowTool() mcp.Tool {
	return mcp.NewTool("bus.unfollow",
		mcp.WithDescription("Stop notifications for an agent on this session"),
		mcp.WithString("agent", mcp.Description("Agent to stop following (default: all)")),
	)
}

func softCleanTool() mcp.Tool {
	return mcp.NewTool("bus.soft_clean",
		mcp.WithDescription("Run garbage collection and close idle tracked handles"),
	)
}

func aggressiveCleanTool() mcp.Tool {
	return mcp.NewTool("bus.aggressive_clean",
		mcp.WithDescription("Soft clean plus the operating system cache drop"),
	)
}

func igniteTool() mcp.Tool {
	return mcp.NewTool("bus.ignite",
		mcp.WithDescription("Prefetch a model file, then pin CPUs and raise priority"),
		mcp.WithString("model", mcp.Description("Model file to read into the page cache")),
		withCPUs("cpus", "CPU indexes to pin the process to"),
		withPriority("Scheduling priority to apply."),
	)
}

func aggressiveClearTool() mcp.Tool {
	return mcp.NewTool("bus.aggressive_clear",
		mcp.WithDescription("Licensed aggressive memory clear"),
	)
}

func applyProfileTool() mcp.Tool {
	return mcp.NewTool("bus.apply_profile",
		mcp.WithDescription("Licensed: apply a runtime profile by name"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Profile name (see pro.profiles)")),
	)
}

func startDaemonTool() mcp.Tool {
	return mcp.NewTool("bus.start_daemon",
		mcp.WithDescription("Licensed: start the background upkeep daemon"),
	)
}

func setAffinityTool() mcp.Tool {
	return mcp.NewTool("tuning.set_affinity",
		mcp.WithDescription("Pin this process to the given CPUs"),
		withCPUs("cpus", "CPU indexes", mcp.Required()),
	)
}

func setPriorityTool() mcp.Tool {
	return mcp.NewTool("tuning.set_priority",
		mcp.WithDescription("Change this process's scheduling priority"),
		withPriority("Scheduling priority.", mcp.Required()),
	)
}

func resetTool() mcp.Tool {
	return mcp.NewTool("tuning.reset",
		mcp.WithDescription("Restore the original affinity and priority"),
	)
}

func flushTool() mcp.Tool {
	return mcp.NewTool("tuning.flush",
		mcp.WithDescription("Reclaim memory; aggressive also drops OS caches"),
		mcp.WithBoolean("aggressive", mcp.Description("Also drop OS caches (default: false)")),
	)
}

func prefetchTool() mcp.Tool {
	return mcp.NewTool("tuning.prefetch",
		mcp.WithDescription("Read a file sequentially to warm the page cache"),
		mcp.WithString("path", mcp.Required(), mcp.Description("File to read")),
		mcp.WithNumber("chunk_size", mcp.Min(0), mcp.Max(tuning.MaxChunkSize),
			mcp.Description("Read size in bytes (default: 1 MiB, capped at 64 MiB)")),
	)
}

func detectTool() mcp.Tool {
	return mcp.NewTool("tuning.detect",
		mcp.WithDescription("List running local model runtimes"),
		mcp.WithArray("keywords", mcp.Description("Match keywords (default: built-in list)"), mcp.Items(map[string]any{"type": "string"})),
	)
}

func boostTool() mcp.Tool {
	return mcp.NewTool("tuning.boost",
		mcp.WithDescription("Apply affinity and priority to every detected runtime"),
		withCPUs("cpus", "CPU indexes to pin runtimes to"),
		withPriority("Priority to apply (default: platform boost)."),
		mcp.WithArray("keywords", mcp.Description("Match keywords (default: built-in list)"), mcp.Items(map[string]any{"type": "string"})),
	)
}

func statesTool() mcp.Tool {
	return mcp.NewTool("tuning.states",
		mcp.WithDescription("Report tuning states, the restore snapshot and platform capabilities"),
	)
}

func profilesTool() mcp.Tool {
	return mcp.NewTool("pro.profiles",
		mcp.WithDescription("List runtime profiles in selection order"),
	)
}
