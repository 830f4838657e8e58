package chatkit

import (
	"sort"
	"sync"
)

// PresenceTracker holds the set of online users as last broadcast by the
// server. It never infers presence locally.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	stale  bool
}

// NewPresenceTracker returns a tracker that reports nobody online until
// the first presence update arrives.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{}), stale: true}
}

// Replace installs the full online set from a presence:update event.
func (p *PresenceTracker) Replace(userIDs []string) {
	set := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = set
	p.stale = false
	p.mu.Unlock()
}

// IsOnline reports whether userID is online. A stale tracker reports false.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stale {
		return false
	}
	_, ok := p.online[userID]
	return ok
}

// Online returns the sorted online set, empty while stale.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stale {
		return nil
	}
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Invalidate drops the current set; it stays empty until Replace.
func (p *PresenceTracker) Invalidate() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.stale = true
	p.mu.Unlock()
}

// Stale reports whether the set is waiting for a refresh.
func (p *PresenceTracker) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stale
}
