package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mnemos/internal/streaming"
)

func TestSessionRegistry_FollowAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Follow("session-abc", "planner")
	assert.Equal(t, []string{"session-abc"}, r.SessionsFor("planner"))
	assert.Empty(t, r.SessionsFor("coder"))
}

func TestSessionRegistry_AllAgents(t *testing.T) {
	r := NewSessionRegistry()

	r.Follow("session-all", AllAgents)
	r.Follow("session-one", "planner")

	assert.Equal(t, []string{"session-all", "session-one"}, r.SessionsFor("planner"))
	assert.Equal(t, []string{"session-all"}, r.SessionsFor("coder"))
}

func TestSessionRegistry_FollowIsIdempotent(t *testing.T) {
	r := NewSessionRegistry()

	r.Follow("s1", "planner")
	r.Follow("s1", "planner")

	assert.Equal(t, []string{"s1"}, r.SessionsFor("planner"))
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Unfollow(t *testing.T) {
	r := NewSessionRegistry()

	r.Follow("s1", "planner")
	r.Follow("s1", "coder")

	assert.True(t, r.Unfollow("s1", "planner"))
	assert.False(t, r.Unfollow("s1", "planner"))
	assert.False(t, r.Unfollow("unknown", "planner"))
	assert.Empty(t, r.SessionsFor("planner"))
	assert.Equal(t, []string{"s1"}, r.SessionsFor("coder"))

	assert.True(t, r.Unfollow("s1", "coder"))
	assert.Equal(t, 0, r.Len(), "session without follows is dropped")
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Follow("session-abc", "agent-1")
	r.Follow("session-abc", "agent-2")
	r.Follow("session-xyz", "agent-1")

	r.Remove("session-abc")

	assert.Equal(t, []string{"session-xyz"}, r.SessionsFor("agent-1"))
	assert.Empty(t, r.SessionsFor("agent-2"))
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Concurrent(t *testing.T) {
	r := NewSessionRegistry()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := string(rune('a' + i))
			r.Follow(sid, "planner")
			_ = r.SessionsFor("planner")
		}()
	}
	wg.Wait()
	assert.Len(t, r.SessionsFor("planner"), 16)
}

// --- Notifier ---

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return nil
}

func (f *fakeSender) notifications() []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotification(nil), f.sent...)
}

func testEvent(agent string) streaming.ThoughtEvent {
	return streaming.ThoughtEvent{
		Type:      streaming.EventPublished,
		ID:        "t-1",
		Agent:     agent,
		Published: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:   json.RawMessage(`{"step":1}`),
	}
}

func TestMCPNotifier_SendsToFollowers(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Follow("s1", "planner")
	sessions.Follow("s2", AllAgents)
	sessions.Follow("s3", "coder")
	sender := &fakeSender{}

	n := NewMCPNotifier(sender, sessions)
	require.NoError(t, n.Notify(context.Background(), testEvent("planner")))

	sent := sender.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, "s1", sent[0].sessionID)
	assert.Equal(t, "s2", sent[1].sessionID)
	assert.Equal(t, notificationMethod, sent[0].method)
	assert.Equal(t, "mnemos.bus", sent[0].params["logger"])

	data, ok := sent[0].params["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t-1", data["id"])
	assert.Equal(t, "planner", data["agent"])
	assert.Equal(t, streaming.EventPublished, data["type"])
	assert.JSONEq(t, `{"step":1}`, string(data["payload"].(json.RawMessage)))
}

func TestMCPNotifier_NoPayloadOnExpiry(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Follow("s1", AllAgents)
	sender := &fakeSender{}

	evt := testEvent("planner")
	evt.Type = streaming.EventExpired
	evt.Payload = nil
	require.NoError(t, NewMCPNotifier(sender, sessions).Notify(context.Background(), evt))

	sent := sender.notifications()
	require.Len(t, sent, 1)
	data := sent[0].params["data"].(map[string]any)
	assert.NotContains(t, data, "payload")
}

func TestMCPNotifier_DropsVanishedSessions(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Follow("gone", AllAgents)
	sessions.Follow("live", AllAgents)
	sender := &fakeSender{errs: map[string]error{"gone": server.ErrSessionNotFound}}

	require.NoError(t, NewMCPNotifier(sender, sessions).Notify(context.Background(), testEvent("planner")))

	assert.Equal(t, []string{"live"}, sessions.SessionsFor("planner"))
	assert.Len(t, sender.notifications(), 1)
}

func TestMCPNotifier_ReturnsOtherErrors(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Follow("broken", AllAgents)
	sessions.Follow("live", AllAgents)
	boom := errors.New("channel full")
	sender := &fakeSender{errs: map[string]error{"broken": boom}}

	err := NewMCPNotifier(sender, sessions).Notify(context.Background(), testEvent("planner"))
	require.ErrorIs(t, err, boom)
	assert.Len(t, sender.notifications(), 1, "remaining sessions are still tried")
	assert.Equal(t, 2, len(sessions.SessionsFor("planner")))
}

func TestMCPNotifier_NoFollowers(t *testing.T) {
	sender := &fakeSender{}
	require.NoError(t, NewMCPNotifier(sender, NewSessionRegistry()).Notify(context.Background(), testEvent("planner")))
	assert.Empty(t, sender.notifications())
}
