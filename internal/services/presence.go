package services

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// PresenceListener is told when a user goes from zero to one live
// connection (online=true) or from one to zero (online=false).
type PresenceListener func(userID string, online bool)

// PresenceTracker counts live connections per user. A user with several tabs
// open stays online until the last one disconnects.
type PresenceTracker struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	listener PresenceListener
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{conns: make(map[string]map[string]struct{})}
}

// SetListener installs l. Listeners run while the tracker lock is held so
// transitions are observed in order; l must not call back into the tracker.
func (p *PresenceTracker) SetListener(l PresenceListener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

// Register adds connID for userID and reports whether the user just came online.
func (p *PresenceTracker) Register(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		p.conns[userID] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}

	cameOnline := len(set) == 1
	if cameOnline && p.listener != nil {
		p.listener(userID, true)
	}
	return cameOnline
}

// Unregister removes connID and reports whether the user just went offline.
// Unknown pairs are ignored.
func (p *PresenceTracker) Unregister(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[userID]
	if !ok {
		return false
	}
	if _, known := set[connID]; !known {
		return false
	}
	delete(set, connID)
	if len(set) > 0 {
		return false
	}
	delete(p.conns, userID)
	if p.listener != nil {
		p.listener(userID, false)
	}
	return true
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[userID]) > 0
}

// OnlineUserIDs returns the online users sorted by id.
func (p *PresenceTracker) OnlineUserIDs() []string {
	p.mu.Lock()
	ids := lo.Keys(p.conns)
	p.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Reset forgets every connection without notifying the listener. The server
// calls it once the transports have stopped.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	p.conns = make(map[string]map[string]struct{})
	p.mu.Unlock()
}
