package chatkit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultResyncTimeout bounds the catch-up work after a (re)connect.
const DefaultResyncTimeout = 30 * time.Second

// SyncState is the engine's view of the channel.
type SyncState string

const (
	SyncDisconnected SyncState = "disconnected"
	SyncReconnecting SyncState = "reconnecting"
	SyncResyncing    SyncState = "resyncing"
	SyncConnected    SyncState = "connected"
)

var syncTransitions = map[SyncState][]SyncState{
	SyncDisconnected: {SyncReconnecting},
	SyncReconnecting: {SyncResyncing, SyncDisconnected},
	SyncResyncing:    {SyncConnected, SyncDisconnected},
	SyncConnected:    {SyncDisconnected},
}

// SyncController reacts to transport state: it freezes and invalidates
// on a drop and catches up by refetching on a reconnect. Missed channel
// events are not replayed.
type SyncController struct {
	emitter       Emitter
	conversations *ConversationStore
	messages      *MessageStore
	sends         *SendCoordinator
	presence      *PresenceTracker
	typing        *TypingCoordinator
	resyncTimeout time.Duration
	log           *slog.Logger

	// onChange is called, outside the lock, on every state change.
	onChange func(SyncState)

	mu            sync.Mutex
	state         SyncState
	everConnected bool
	epoch         uint64 // bumped on every drop
}

// NewSyncController creates a controller in the disconnected state.
func NewSyncController(emitter Emitter, conversations *ConversationStore, messages *MessageStore,
	sends *SendCoordinator, presence *PresenceTracker, typing *TypingCoordinator,
	resyncTimeout time.Duration, log *slog.Logger) *SyncController {
	if resyncTimeout <= 0 {
		resyncTimeout = DefaultResyncTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &SyncController{
		emitter:       emitter,
		conversations: conversations,
		messages:      messages,
		sends:         sends,
		presence:      presence,
		typing:        typing,
		resyncTimeout: resyncTimeout,
		log:           log.With("component", "sync"),
		state:         SyncDisconnected,
	}
}

// State returns the current sync state.
func (c *SyncController) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SyncController) transitionLocked(to SyncState) bool {
	if !canTransition(syncTransitions, c.state, to) {
		return false
	}
	c.log.Debug("sync state", "from", c.state, "to", to)
	c.state = to
	return true
}

func (c *SyncController) notify(s SyncState) {
	if c.onChange != nil {
		c.onChange(s)
	}
}

// HandleTransportState drives the state machine from transport events.
func (c *SyncController) HandleTransportState(s RealtimeState) {
	switch s {
	case StateConnecting, StateReconnecting:
		c.mu.Lock()
		ok := c.transitionLocked(SyncReconnecting)
		c.mu.Unlock()
		if ok {
			c.notify(SyncReconnecting)
		}
	case StateDisconnected:
		c.handleDisconnected()
	case StateConnected:
		c.handleConnected()
	}
}

func (c *SyncController) handleDisconnected() {
	c.mu.Lock()
	if !c.transitionLocked(SyncDisconnected) {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.mu.Unlock()

	c.sends.Freeze()
	c.presence.Invalidate()
	c.typing.ClearRemote()
	c.typing.ResetLocal()
	c.notify(SyncDisconnected)
}

func (c *SyncController) handleConnected() {
	c.mu.Lock()
	if c.state == SyncDisconnected {
		c.transitionLocked(SyncReconnecting)
	}
	if !c.transitionLocked(SyncResyncing) {
		c.mu.Unlock()
		return
	}
	reconnect := c.everConnected
	c.everConnected = true
	epoch := c.epoch
	c.mu.Unlock()
	c.notify(SyncResyncing)

	ctx, cancel := context.WithTimeout(context.Background(), c.resyncTimeout)
	defer cancel()
	c.resync(ctx, reconnect)

	c.mu.Lock()
	if c.epoch != epoch || !c.transitionLocked(SyncConnected) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.notify(SyncConnected)
}

// resync rejoins the current room, replays queued sends, asks for
// presence and, after a reconnect, refetches what may have been missed.
// A conversation list that never loaded is fetched on any connect.
func (c *SyncController) resync(ctx context.Context, reconnect bool) {
	if reconnect || !c.conversations.Loaded() {
		if err := c.conversations.Load(ctx); err != nil {
			c.log.Warn("resync: conversation list", "error", err)
		}
	}

	current := c.conversations.Current()
	if current != "" {
		if err := c.emitter.Emit(ctx, EventJoin, RoomPayload{ConversationID: current}); err != nil {
			c.log.Warn("resync: rejoin", "conversation", current, "error", err)
		}
	}
	if err := c.sends.Resume(ctx); err != nil {
		c.log.Warn("resync: replay sends", "error", err)
	}
	if err := c.emitter.Emit(ctx, EventPresenceRequest, struct{}{}); err != nil {
		c.log.Warn("resync: presence request", "error", err)
	}

	if reconnect {
		c.messages.MarkStale(current)
		if current != "" {
			if err := c.messages.Refresh(ctx, current); err != nil {
				c.log.Warn("resync: refresh current conversation", "conversation", current, "error", err)
			}
		}
	}
	if err := c.messages.FlushReads(ctx); err != nil {
		c.log.Warn("resync: flush read receipts", "error", err)
	}
}
