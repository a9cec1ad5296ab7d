package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mnemos/internal/streaming"
)

// notificationMethod carries bus events as MCP log messages.
const notificationMethod = "notifications/message"

// ThoughtNotifier pushes bus events to connected clients.
type ThoughtNotifier interface {
	Notify(ctx context.Context, evt streaming.ThoughtEvent) error
}

// sender is the subset of *server.MCPServer used for pushes.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier implements ThoughtNotifier using MCP session push.
type MCPNotifier struct {
	sender   sender
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to following sessions.
func NewMCPNotifier(s sender, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sender: s, sessions: sessions}
}

// Notify sends evt to every session following its agent. Best-effort:
// sessions that disappeared are dropped from the registry; other failures
// are joined and returned after all sessions were tried.
func (n *MCPNotifier) Notify(_ context.Context, evt streaming.ThoughtEvent) error {
	var errs []error
	for _, sid := range n.sessions.SessionsFor(evt.Agent) {
		err := n.sender.SendNotificationToSpecificClient(sid, notificationMethod, eventParams(evt))
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func eventParams(evt streaming.ThoughtEvent) map[string]any {
	data := map[string]any{
		"type":      evt.Type,
		"id":        evt.ID,
		"agent":     evt.Agent,
		"published": evt.Published,
	}
	if len(evt.Payload) > 0 {
		data["payload"] = evt.Payload
	}
	return map[string]any{
		"level":  "info",
		"logger": "mnemos.bus",
		"data":   data,
	}
}
