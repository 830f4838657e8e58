package chatkit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAckTimeout bounds the wait for a message:ack.
const DefaultAckTimeout = 10 * time.Second

// SendState is the delivery state of one outgoing message.
type SendState string

const (
	SendComposing  SendState = "composing"
	SendOptimistic SendState = "optimistic"
	SendConfirmed  SendState = "confirmed"
	SendFailed     SendState = "failed"
)

// A late ack may still confirm a message that already timed out.
var sendTransitions = map[SendState][]SendState{
	SendComposing:  {SendOptimistic},
	SendOptimistic: {SendConfirmed, SendFailed},
	SendFailed:     {SendConfirmed},
}

func canTransition[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

type outgoing struct {
	tempID         string
	conversationID string
	content        string
	state          SendState
	timer          *time.Timer
}

func (o *outgoing) transition(to SendState) bool {
	if !canTransition(sendTransitions, o.state, to) {
		return false
	}
	o.state = to
	return true
}

// SendCoordinator turns send intents into optimistic messages and
// reconciles them with server acknowledgements.
type SendCoordinator struct {
	emitter       Emitter
	messages      *MessageStore
	conversations *ConversationStore
	typing        *TypingCoordinator
	self          string
	ackTimeout    time.Duration
	now           func() time.Time
	log           *slog.Logger

	mu      sync.Mutex
	pending map[string]*outgoing // by temp id
	queue   []string             // temp ids waiting for the channel
	frozen  bool
}

// NewSendCoordinator wires a coordinator for the local user self.
func NewSendCoordinator(emitter Emitter, messages *MessageStore, conversations *ConversationStore,
	typing *TypingCoordinator, self string, ackTimeout time.Duration, now func() time.Time, log *slog.Logger) *SendCoordinator {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &SendCoordinator{
		emitter:       emitter,
		messages:      messages,
		conversations: conversations,
		typing:        typing,
		self:          self,
		ackTimeout:    ackTimeout,
		now:           now,
		log:           log.With("component", "send"),
		pending:       make(map[string]*outgoing),
	}
}

// Send posts content to the selected conversation. The returned message
// is the optimistic entry. While the channel is down the send is queued.
// Content is sent as typed; only blank content is refused.
func (s *SendCoordinator) Send(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, newError(ErrValidation, "send", "message is empty")
	}
	convID := s.conversations.Current()
	if convID == "" {
		return Message{}, newError(ErrValidation, "send", "no conversation selected")
	}
	return s.dispatch(ctx, convID, content), nil
}

func (s *SendCoordinator) dispatch(ctx context.Context, convID, content string) Message {
	tempID := TempIDPrefix + uuid.NewString()
	msg := Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: convID,
		SenderID:       s.self,
		Content:        content,
		CreatedAt:      s.now(),
		IsRead:         true,
		Status:         StatusPending,
	}
	o := &outgoing{tempID: tempID, conversationID: convID, content: content, state: SendComposing}
	o.transition(SendOptimistic)
	s.messages.InsertOptimistic(msg)

	s.mu.Lock()
	s.pending[tempID] = o
	o.timer = time.AfterFunc(s.ackTimeout, func() { s.expire(tempID) })
	frozen := s.frozen
	if frozen {
		s.queue = append(s.queue, tempID)
	}
	s.mu.Unlock()

	if frozen {
		s.log.Debug("channel down, send queued", "conversation", convID, "temp_id", tempID)
		return msg
	}
	if err := s.emit(ctx, o); err != nil {
		s.mu.Lock()
		if o.state == SendOptimistic {
			s.queue = append(s.queue, tempID)
		}
		s.mu.Unlock()
		s.log.Debug("send emit failed, queued", "temp_id", tempID, "error", err)
		return msg
	}
	if s.typing != nil {
		_ = s.typing.StopTyping(ctx, convID)
	}
	return msg
}

func (s *SendCoordinator) emit(ctx context.Context, o *outgoing) error {
	return s.emitter.Emit(ctx, EventMessageSend, SendPayload{
		ConversationID: o.conversationID,
		Content:        o.content,
		TempID:         o.tempID,
	})
}

func (s *SendCoordinator) expire(tempID string) {
	s.mu.Lock()
	o := s.pending[tempID]
	if o == nil || !o.transition(SendFailed) {
		s.mu.Unlock()
		return
	}
	s.dequeueLocked(tempID)
	s.mu.Unlock()

	s.log.Warn("no acknowledgement, marking failed", "conversation", o.conversationID, "temp_id", tempID)
	s.messages.MarkFailed(o.conversationID, tempID, "timed out waiting for acknowledgement")
}

func (s *SendCoordinator) dequeueLocked(tempID string) {
	for i, id := range s.queue {
		if id == tempID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// HandleAck reconciles a message:ack.
func (s *SendCoordinator) HandleAck(p MessageAckPayload) {
	s.mu.Lock()
	o := s.pending[p.TempID]
	if o != nil {
		if o.transition(SendConfirmed) {
			o.timer.Stop()
			s.dequeueLocked(p.TempID)
		}
		delete(s.pending, p.TempID)
	}
	s.mu.Unlock()

	msg := p.Message
	if msg.ConversationID == "" && o != nil {
		msg.ConversationID = o.conversationID
	}
	s.messages.ReconcileOptimistic(p.TempID, msg)
	s.conversations.Touch(msg.ConversationID, msg.CreatedAt)
}

// HandleReject marks a refused send failed. It is never retried automatically.
func (s *SendCoordinator) HandleReject(p MessageRejectPayload) {
	s.mu.Lock()
	o := s.pending[p.TempID]
	if o == nil || !o.transition(SendFailed) {
		s.mu.Unlock()
		return
	}
	o.timer.Stop()
	s.dequeueLocked(p.TempID)
	s.mu.Unlock()

	err := newError(ErrServerRejected, "send", "%s", p.Reason)
	s.log.Warn("send rejected", "conversation", o.conversationID, "temp_id", p.TempID, "reason", p.Reason)
	s.messages.MarkFailed(o.conversationID, p.TempID, err.Error())
}

// Retry discards a failed message and sends its content again.
func (s *SendCoordinator) Retry(ctx context.Context, tempID string) (Message, error) {
	s.mu.Lock()
	o := s.pending[tempID]
	if o == nil || o.state != SendFailed {
		s.mu.Unlock()
		return Message{}, newError(ErrValidation, "send.retry", "%q is not a failed message", tempID)
	}
	delete(s.pending, tempID)
	s.mu.Unlock()

	s.messages.Discard(o.conversationID, tempID)
	return s.dispatch(ctx, o.conversationID, o.content), nil
}

// Freeze queues further sends until Resume.
func (s *SendCoordinator) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Resume replays queued sends in order. On an emit failure the rest stays
// queued and the coordinator freezes again.
func (s *SendCoordinator) Resume(ctx context.Context) error {
	s.mu.Lock()
	s.frozen = false
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	for i, tempID := range queue {
		s.mu.Lock()
		o := s.pending[tempID]
		live := o != nil && o.state == SendOptimistic
		s.mu.Unlock()
		if !live {
			continue
		}
		if err := s.emit(ctx, o); err != nil {
			s.mu.Lock()
			s.frozen = true
			s.queue = append(append([]string(nil), queue[i:]...), s.queue...)
			s.mu.Unlock()
			return err
		}
		s.log.Debug("replayed queued send", "temp_id", tempID)
	}
	return nil
}

// State returns the delivery state of tempID. Confirmed sends are
// forgotten and report false.
func (s *SendCoordinator) State(tempID string) (SendState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.pending[tempID]; o != nil {
		return o.state, true
	}
	return "", false
}

// Queued returns the number of sends waiting for the channel.
func (s *SendCoordinator) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop cancels every ack timer.
func (s *SendCoordinator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.pending {
		if o.timer != nil {
			o.timer.Stop()
		}
	}
}
