package chatkit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a remote typing signal stays valid without a refresh.
const DefaultTypingTTL = 5 * time.Second

// TypingCoordinator tracks remote typing users per conversation and
// emits local typing edges.
type TypingCoordinator struct {
	emitter Emitter
	ttl     time.Duration
	now     func() time.Time
	self    string

	mu     sync.Mutex
	remote map[string]map[string]time.Time // conversationID -> userID -> expiresAt
	local  map[string]bool                 // conversationID -> typing
}

// NewTypingCoordinator creates a coordinator. self is the local user id;
// events about self are ignored.
func NewTypingCoordinator(emitter Emitter, self string, ttl time.Duration, now func() time.Time) *TypingCoordinator {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TypingCoordinator{
		emitter: emitter,
		ttl:     ttl,
		now:     now,
		self:    self,
		remote:  make(map[string]map[string]time.Time),
		local:   make(map[string]bool),
	}
}

// StartTyping emits typing:start on the rising edge only.
func (t *TypingCoordinator) StartTyping(ctx context.Context, conversationID string) error {
	return t.setLocal(ctx, conversationID, true, EventTypingStart)
}

// StopTyping emits typing:stop on the falling edge only.
func (t *TypingCoordinator) StopTyping(ctx context.Context, conversationID string) error {
	return t.setLocal(ctx, conversationID, false, EventTypingStop)
}

func (t *TypingCoordinator) setLocal(ctx context.Context, conversationID string, typing bool, event string) error {
	t.mu.Lock()
	if t.local[conversationID] == typing {
		t.mu.Unlock()
		return nil
	}
	if typing {
		t.local[conversationID] = true
	} else {
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	if err := t.emitter.Emit(ctx, event, RoomPayload{ConversationID: conversationID}); err != nil {
		// Revert so the next call retries the edge.
		t.mu.Lock()
		if typing {
			delete(t.local, conversationID)
		} else {
			t.local[conversationID] = true
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// IsLocalTyping reports whether the local user is marked typing in conversationID.
func (t *TypingCoordinator) IsLocalTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local[conversationID]
}

// Apply records an inbound typing:update. It reports whether the visible
// state changed.
func (t *TypingCoordinator) Apply(p TypingUpdatePayload) bool {
	if p.UserID == "" || p.UserID == t.self {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.remote[p.ConversationID]
	if !p.IsTyping {
		if _, ok := users[p.UserID]; !ok {
			return false
		}
		delete(users, p.UserID)
		if len(users) == 0 {
			delete(t.remote, p.ConversationID)
		}
		return true
	}
	if users == nil {
		users = make(map[string]time.Time)
		t.remote[p.ConversationID] = users
	}
	_, existed := users[p.UserID]
	users[p.UserID] = t.now().Add(t.ttl)
	return !existed
}

// Clear removes userID from the typing set of conversationID.
func (t *TypingCoordinator) Clear(conversationID, userID string) bool {
	return t.Apply(TypingUpdatePayload{ConversationID: conversationID, UserID: userID})
}

// Typers returns the users currently typing in conversationID, sorted.
// Expired entries are pruned on the way.
func (t *TypingCoordinator) Typers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	users := t.remote[conversationID]
	out := make([]string, 0, len(users))
	for id, exp := range users {
		if !now.Before(exp) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	sort.Strings(out)
	return out
}

// Prune drops expired entries and returns the conversations that changed.
func (t *TypingCoordinator) Prune() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var changed []string
	for conv, users := range t.remote {
		n := len(users)
		for id, exp := range users {
			if !now.Before(exp) {
				delete(users, id)
			}
		}
		if len(users) != n {
			changed = append(changed, conv)
		}
		if len(users) == 0 {
			delete(t.remote, conv)
		}
	}
	sort.Strings(changed)
	return changed
}

// ClearRemote forgets every remote typing entry.
func (t *TypingCoordinator) ClearRemote() {
	t.mu.Lock()
	t.remote = make(map[string]map[string]time.Time)
	t.mu.Unlock()
}

// ResetLocal forgets local edge state without emitting. The server drops
// typing state with the connection.
func (t *TypingCoordinator) ResetLocal() {
	t.mu.Lock()
	t.local = make(map[string]bool)
	t.mu.Unlock()
}
