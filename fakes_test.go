package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(conv, id, sender string, sec int) Message {
	return Message{ID: id, ConversationID: conv, SenderID: sender, Content: "text " + id, CreatedAt: at(sec)}
}

// history builds n messages m000..m(n-1), one second apart, alternating senders.
func history(conv string, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		sender := "bob"
		if i%2 == 1 {
			sender = "alice"
		}
		out[i] = msg(conv, fmt.Sprintf("m%03d", i), sender, i)
	}
	return out
}

func conversation(id string, last *time.Time) Conversation {
	return Conversation{ID: id, Participants: []string{"alice", "bob"}, LastMessageDate: last}
}

func timePtr(t time.Time) *time.Time { return &t }

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertOrdered(t *testing.T, msgs []Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %s (%s) before %s (%s)",
				i, msgs[i-1].ID, msgs[i-1].CreatedAt, msgs[i].ID, msgs[i].CreatedAt)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// fakeAPI
// ============================================================================

type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	listErr       error
	history       map[string][]Message // ascending
	getErr        error
	getCalls      []HistoryOptions
	inflight      int
	gate          chan struct{} // when set, GetMessages waits on it
	readCalls     [][]string
	readErr       error
	deleteErr     error
	created       []CreateConversationOptions
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]Message)}
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	key := fmt.Sprint(opts.ParticipantIDs)
	for _, c := range f.conversations {
		if fmt.Sprint(c.Participants) == key {
			c := c
			return &c, nil
		}
	}
	c := Conversation{ID: fmt.Sprintf("c%d", len(f.conversations)+1), Participants: opts.ParticipantIDs, ProjectID: opts.ProjectID}
	f.conversations = append(f.conversations, c)
	return &c, nil
}

func (f *fakeAPI) UpdateConversation(ctx context.Context, id, name string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].ID == id {
			f.conversations[i].Name = name
			c := f.conversations[i]
			return &c, nil
		}
	}
	return nil, newError(ErrNotFound, "fake.update", "%s", id)
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i := range f.conversations {
		if f.conversations[i].ID == id {
			f.conversations = append(f.conversations[:i], f.conversations[i+1:]...)
			return nil
		}
	}
	return newError(ErrConflict, "fake.delete", "%s already deleted", id)
}

func (f *fakeAPI) GetMessages(ctx context.Context, conversationID string, opts HistoryOptions) (*HistoryPage, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, opts)
	f.inflight++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.getErr != nil {
		return nil, f.getErr
	}
	all := f.history[conversationID]
	end := len(all)
	if opts.Before != "" {
		end = -1
		for i, m := range all {
			if m.ID == opts.Before {
				end = i
			}
		}
		if end < 0 {
			return nil, newError(ErrStaleCursor, "fake.get", "%s", opts.Before)
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return &HistoryPage{Messages: append([]Message(nil), all[start:end]...), HasMore: start > 0}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	f.readCalls = append(f.readCalls, append([]string(nil), messageIDs...))
	return nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.getCalls)
}

func (f *fakeAPI) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeAPI) setHistory(conv string, msgs []Message) {
	f.mu.Lock()
	f.history[conv] = msgs
	f.mu.Unlock()
}

// ============================================================================
// fakeTransport
// ============================================================================

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu            sync.Mutex
	state         RealtimeState
	sent          []emitted
	eventHandlers []func(Envelope)
	stateHandlers []func(RealtimeState)
	connectErr    error
	// onEmit, when set, is called in a new goroutine for every emitted event.
	onEmit func(event string, payload any)
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: StateDisconnected}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.setState(StateConnecting)
	f.setState(StateConnected)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.setState(StateDisconnected)
	return nil
}

func (f *fakeTransport) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnEvent(h func(Envelope)) {
	f.mu.Lock()
	f.eventHandlers = append(f.eventHandlers, h)
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(h func(RealtimeState)) {
	f.mu.Lock()
	f.stateHandlers = append(f.stateHandlers, h)
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	if f.state != StateConnected {
		f.mu.Unlock()
		return newError(ErrNetworkUnavailable, "fake.emit", "%s: not connected", event)
	}
	f.sent = append(f.sent, emitted{event, payload})
	hook := f.onEmit
	f.mu.Unlock()
	if hook != nil {
		go hook(event, payload)
	}
	return nil
}

func (f *fakeTransport) setState(s RealtimeState) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	f.state = s
	handlers := append([]func(RealtimeState){}, f.stateHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// deliver simulates an inbound event.
func (f *fakeTransport) deliver(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	handlers := append([]func(Envelope){}, f.eventHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(Envelope{Type: event, Payload: raw})
	}
}

func (f *fakeTransport) events(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}
