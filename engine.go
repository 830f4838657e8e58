package chatkit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Options
// ============================================================================

// Options configures an Engine. Zero values take defaults.
type Options struct {
	PageSize            int           `validate:"gte=0,lte=200"`
	AckTimeout          time.Duration `validate:"gte=0"`
	TypingTTL           time.Duration `validate:"gte=0"`
	TypingPruneInterval time.Duration `validate:"gte=0"`
	ResyncTimeout       time.Duration `validate:"gte=0"`
	Logger              *slog.Logger
	Selection           SelectionStore
	Now                 func() time.Time
}

const DefaultPageSize = 30

func (o *Options) defaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = DefaultTypingTTL
	}
	if o.TypingPruneInterval == 0 {
		o.TypingPruneInterval = time.Second
	}
	if o.ResyncTimeout == 0 {
		o.ResyncTimeout = DefaultResyncTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind says which part of the engine state changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
	ChangeConnection    ChangeKind = "connection"
)

// Change is delivered to observers. ConversationID is set for message and
// typing changes.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

type observers struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(Change)
	log    *slog.Logger
}

func (o *observers) add(fn func(Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers) emit(c Change) {
	o.mu.RLock()
	fns := make([]func(Change), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		safeCall(o.log, func() { fn(c) })
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns every component of the conversation engine for one user.
// Lifecycle: New, Init, then Teardown. Component accessors return nil
// before Init.
type Engine struct {
	api       API
	transport Transport
	opts      Options
	log       *slog.Logger
	validate  *validator.Validate
	observers *observers

	mu            sync.RWMutex
	userID        string
	active        bool
	stop          chan struct{}
	wg            sync.WaitGroup
	conversations *ConversationStore
	messages      *MessageStore
	presence      *PresenceTracker
	typing        *TypingCoordinator
	sends         *SendCoordinator
	sync          *SyncController
}

// New creates an engine. Nothing touches the network until Init.
func New(api API, transport Transport, opts Options) (*Engine, error) {
	if api == nil || transport == nil {
		return nil, newError(ErrValidation, "engine.new", "api and transport are required")
	}
	validate := validator.New()
	if err := validate.Struct(opts); err != nil {
		return nil, wrapError(ErrValidation, "engine.new", err)
	}
	opts.defaults()

	e := &Engine{
		api:       api,
		transport: transport,
		opts:      opts,
		log:       opts.Logger,
		validate:  validate,
		observers: &observers{fns: make(map[int]func(Change)), log: opts.Logger},
	}
	transport.OnEvent(e.handleEvent)
	transport.OnStateChange(e.handleState)
	return e, nil
}

// Init builds the per-user state, connects the channel and loads the
// conversation list. Channel and list failures are logged, not returned:
// the engine starts degraded and catches up on the next connect.
func (e *Engine) Init(ctx context.Context, userID string) error {
	if userID == "" {
		return newError(ErrValidation, "engine.init", "user id is required")
	}

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return newError(ErrValidation, "engine.init", "already initialized for %q", e.userID)
	}
	log := e.log.With("user", userID)
	e.userID = userID
	e.messages = NewMessageStore(e.api, userID, e.opts.PageSize, log)
	e.conversations = NewConversationStore(e.api, e.messages, e.validate, log)
	e.presence = NewPresenceTracker()
	e.typing = NewTypingCoordinator(e.transport, userID, e.opts.TypingTTL, e.opts.Now)
	e.sends = NewSendCoordinator(e.transport, e.messages, e.conversations, e.typing,
		userID, e.opts.AckTimeout, e.opts.Now, log)
	e.sync = NewSyncController(e.transport, e.conversations, e.messages, e.sends,
		e.presence, e.typing, e.opts.ResyncTimeout, log)

	e.messages.onChange = func(id string) { e.observers.emit(Change{Kind: ChangeMessages, ConversationID: id}) }
	e.messages.reload = e.reloadConversation
	e.conversations.onChange = func() { e.observers.emit(Change{Kind: ChangeConversations}) }
	e.sync.onChange = func(SyncState) { e.observers.emit(Change{Kind: ChangeConnection}) }

	e.sends.Freeze()
	e.stop = make(chan struct{})
	e.active = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.typingJanitor(e.stop)

	if err := e.transport.Connect(ctx); err != nil {
		log.Warn("channel unavailable, continuing offline", "error", err)
	} else if e.transport.State() == StateConnected && e.sync.State() == SyncDisconnected {
		// Transports that connected before our handler ran.
		e.sync.HandleTransportState(StateConnected)
	}

	if err := e.conversations.Load(ctx); err != nil {
		log.Warn("initial conversation list failed", "error", err)
	}

	if e.opts.Selection != nil {
		id, err := e.opts.Selection.LoadSelection(ctx, userID)
		if err != nil {
			log.Debug("no stored selection", "error", err)
		} else if id != "" && e.conversations.Has(id) {
			if err := e.Select(ctx, id); err != nil {
				log.Warn("restoring selection failed", "conversation", id, "error", err)
			}
		}
	}
	return nil
}

// Teardown disconnects and stops background work. The last state stays readable.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.sends.Stop()
	if err := e.transport.Disconnect(); err != nil {
		e.log.Debug("disconnect", "error", err)
	}
}

func (e *Engine) isActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

func (e *Engine) requireActive(op string) error {
	if !e.isActive() {
		return newError(ErrValidation, op, "engine is not initialized")
	}
	return nil
}

func (e *Engine) typingJanitor(stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.TypingPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range e.typing.Prune() {
				e.observers.emit(Change{Kind: ChangeTyping, ConversationID: id})
			}
		}
	}
}

func (e *Engine) reloadConversation(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ResyncTimeout)
		defer cancel()
		if err := e.messages.Refresh(ctx, id); err != nil {
			e.log.Warn("reload after integrity error failed", "conversation", id, "error", err)
		}
	}()
}

// OnChange registers an observer. The returned func unregisters it.
func (e *Engine) OnChange(fn func(Change)) func() {
	return e.observers.add(fn)
}

// ============================================================================
// Accessors
// ============================================================================

func (e *Engine) UserID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}

func (e *Engine) Conversations() *ConversationStore {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conversations
}

func (e *Engine) Messages() *MessageStore {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.messages
}

func (e *Engine) Presence() *PresenceTracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.presence
}

func (e *Engine) Typing() *TypingCoordinator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.typing
}

func (e *Engine) Sends() *SendCoordinator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sends
}

// SyncState returns the connection state as seen by the engine.
func (e *Engine) SyncState() SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sync == nil {
		return SyncDisconnected
	}
	return e.sync.State()
}

// ============================================================================
// Operations
// ============================================================================

// Select makes id the current conversation: it moves room membership,
// stores the selection and loads the history if needed.
func (e *Engine) Select(ctx context.Context, id string) error {
	if err := e.requireActive("engine.select"); err != nil {
		return err
	}
	conv, ok := e.conversations.Get(id)
	if !ok {
		return newError(ErrNotFound, "engine.select", "unknown conversation %q", id)
	}

	prev := e.conversations.setCurrent(id)
	if prev != id {
		if prev != "" {
			_ = e.typing.StopTyping(ctx, prev)
			if err := e.transport.Emit(ctx, EventLeave, RoomPayload{ConversationID: prev}); err != nil {
				e.log.Debug("leave room", "conversation", prev, "error", err)
			}
		}
		// A failed join is repaired by the next resync.
		if err := e.transport.Emit(ctx, EventJoin, RoomPayload{ConversationID: id}); err != nil {
			e.log.Debug("join room", "conversation", id, "error", err)
		}
		e.saveSelection(ctx, id)
	}
	return e.messages.LoadInitial(ctx, conv)
}

func (e *Engine) saveSelection(ctx context.Context, id string) {
	if e.opts.Selection == nil {
		return
	}
	if err := e.opts.Selection.SaveSelection(ctx, e.UserID(), id); err != nil {
		e.log.Debug("persist selection", "error", err)
	}
}

// Send posts content to the current conversation.
func (e *Engine) Send(ctx context.Context, content string) (Message, error) {
	if err := e.requireActive("engine.send"); err != nil {
		return Message{}, err
	}
	return e.sends.Send(ctx, content)
}

// Retry resends a failed message.
func (e *Engine) Retry(ctx context.Context, tempID string) (Message, error) {
	if err := e.requireActive("engine.retry"); err != nil {
		return Message{}, err
	}
	return e.sends.Retry(ctx, tempID)
}

// LoadOlder fetches the page before the oldest cached message.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) error {
	if err := e.requireActive("engine.loadOlder"); err != nil {
		return err
	}
	return e.messages.LoadOlder(ctx, conversationID)
}

// Refresh refetches the newest page of a conversation.
func (e *Engine) Refresh(ctx context.Context, conversationID string) error {
	if err := e.requireActive("engine.refresh"); err != nil {
		return err
	}
	return e.messages.Refresh(ctx, conversationID)
}

// MarkRead marks messages read and acknowledges them on the channel.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, ids ...string) error {
	if err := e.requireActive("engine.markRead"); err != nil {
		return err
	}
	flipped, err := e.messages.MarkRead(ctx, conversationID, ids...)
	if len(flipped) > 0 {
		if emitErr := e.transport.Emit(ctx, EventReadAck, ReadAckPayload{MessageIDs: flipped}); emitErr != nil {
			e.log.Debug("read ack", "error", emitErr)
		}
	}
	return err
}

// MarkConversationRead marks every unread message from others in conversationID.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := e.requireActive("engine.markRead"); err != nil {
		return err
	}
	var ids []string
	for _, m := range e.messages.Snapshot(conversationID) {
		if !m.IsRead && m.SenderID != e.UserID() && !IsTempID(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return e.MarkRead(ctx, conversationID, ids...)
}

// StartTyping signals typing in the current conversation.
func (e *Engine) StartTyping(ctx context.Context) error {
	if err := e.requireActive("engine.startTyping"); err != nil {
		return err
	}
	id := e.conversations.Current()
	if id == "" {
		return newError(ErrValidation, "engine.startTyping", "no conversation selected")
	}
	return e.typing.StartTyping(ctx, id)
}

// StopTyping ends the typing signal in the current conversation.
func (e *Engine) StopTyping(ctx context.Context) error {
	if err := e.requireActive("engine.stopTyping"); err != nil {
		return err
	}
	id := e.conversations.Current()
	if id == "" {
		return nil
	}
	return e.typing.StopTyping(ctx, id)
}

// CreateConversation opens (or reuses) a conversation with participantIDs.
// The local user is added when missing.
func (e *Engine) CreateConversation(ctx context.Context, participantIDs []string, projectID string) (*Conversation, error) {
	if err := e.requireActive("engine.createConversation"); err != nil {
		return nil, err
	}
	self := e.UserID()
	ids := append([]string(nil), participantIDs...)
	found := false
	for _, id := range ids {
		if id == self {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, self)
	}
	return e.conversations.Create(ctx, ids, projectID)
}

// RenameConversation sets the display name of a conversation.
func (e *Engine) RenameConversation(ctx context.Context, id, name string) (*Conversation, error) {
	if err := e.requireActive("engine.renameConversation"); err != nil {
		return nil, err
	}
	return e.conversations.Update(ctx, id, name)
}

// DeleteConversation deletes a conversation and its cached messages.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	if err := e.requireActive("engine.deleteConversation"); err != nil {
		return err
	}
	wasCurrent := e.conversations.Current() == id
	if err := e.conversations.Delete(ctx, id); err != nil {
		return err
	}
	if wasCurrent {
		_ = e.typing.StopTyping(ctx, id)
		if err := e.transport.Emit(ctx, EventLeave, RoomPayload{ConversationID: id}); err != nil {
			e.log.Debug("leave room", "conversation", id, "error", err)
		}
		e.saveSelection(ctx, "")
	}
	return nil
}

// ReloadConversations refetches the conversation list.
func (e *Engine) ReloadConversations(ctx context.Context) error {
	if err := e.requireActive("engine.reloadConversations"); err != nil {
		return err
	}
	return e.conversations.Load(ctx)
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleState(s RealtimeState) {
	if !e.isActive() {
		return
	}
	e.sync.HandleTransportState(s)
}

func (e *Engine) handleEvent(env Envelope) {
	if !e.isActive() {
		return
	}
	log := e.log.With("event", env.Type)

	switch env.Type {
	case EventMessageNew:
		var m Message
		if err := env.Decode(&m); err != nil {
			log.Warn("bad payload", "error", err)
			return
		}
		m.Status = StatusConfirmed
		e.messages.MergeIncoming(m)
		if !e.conversations.Touch(m.ConversationID, m.CreatedAt) && !e.conversations.Has(m.ConversationID) {
			// A conversation someone else opened with us.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), e.opts.ResyncTimeout)
				defer cancel()
				if err := e.conversations.Load(ctx); err != nil {
					e.log.Warn("conversation list after unknown message", "error", err)
				}
			}()
		}
		if e.typing.Clear(m.ConversationID, m.SenderID) {
			e.observers.emit(Change{Kind: ChangeTyping, ConversationID: m.ConversationID})
		}

	case EventPresenceUpdate:
		var p PresenceUpdatePayload
		if err := env.Decode(&p); err != nil {
			log.Warn("bad payload", "error", err)
			return
		}
		e.presence.Replace(p.OnlineUserIDs)
		e.observers.emit(Change{Kind: ChangePresence})

	case EventTypingUpdate:
		var p TypingUpdatePayload
		if err := env.Decode(&p); err != nil {
			log.Warn("bad payload", "error", err)
			return
		}
		if e.typing.Apply(p) {
			e.observers.emit(Change{Kind: ChangeTyping, ConversationID: p.ConversationID})
		}

	case EventMessageAck:
		var p MessageAckPayload
		if err := env.Decode(&p); err != nil {
			log.Warn("bad payload", "error", err)
			return
		}
		e.sends.HandleAck(p)

	case EventMessageReject:
		var p MessageRejectPayload
		if err := env.Decode(&p); err != nil {
			log.Warn("bad payload", "error", err)
			return
		}
		e.sends.HandleReject(p)

	case EventAuthenticated:
		log.Debug("channel authenticated")

	case EventError:
		var p ErrorPayload
		_ = env.Decode(&p)
		log.Warn("server error", "message", p.Message)

	default:
		log.Debug("ignoring unknown event")
	}
}
