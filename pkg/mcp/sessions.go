package mcp

import (
	"slices"
	"sync"
)

// AllAgents follows every agent.
const AllAgents = ""

// SessionRegistry maps MCP session IDs to the agents they follow.
// Populated by bus.follow; cleared when a session disconnects.
type SessionRegistry struct {
	mu      sync.RWMutex
	follows map[string]map[string]struct{} // sessionID → agents
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{follows: make(map[string]map[string]struct{})}
}

// Follow subscribes sessionID to agent's thoughts. AllAgents follows everyone.
func (r *SessionRegistry) Follow(sessionID, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, ok := r.follows[sessionID]
	if !ok {
		agents = make(map[string]struct{})
		r.follows[sessionID] = agents
	}
	agents[agent] = struct{}{}
}

// Unfollow drops a single follow. It reports whether one existed.
func (r *SessionRegistry) Unfollow(sessionID, agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, ok := r.follows[sessionID]
	if !ok {
		return false
	}
	if _, ok := agents[agent]; !ok {
		return false
	}
	delete(agents, agent)
	if len(agents) == 0 {
		delete(r.follows, sessionID)
	}
	return true
}

// SessionsFor returns the sessions that should see a thought from agent,
// sorted.
func (r *SessionRegistry) SessionsFor(agent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sid, agents := range r.follows {
		_, all := agents[AllAgents]
		_, one := agents[agent]
		if all || one {
			out = append(out, sid)
		}
	}
	slices.Sort(out)
	return out
}

// Remove deletes every follow of the given session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.follows, sessionID)
}

// Len returns the number of sessions with at least one follow.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.follows)
}
