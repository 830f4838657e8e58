package chatkit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type sendHarness struct {
	api      *fakeAPI
	tr       *fakeTransport
	messages *MessageStore
	convs    *ConversationStore
	typing   *TypingCoordinator
	sends    *SendCoordinator
}

func newSendHarness(t *testing.T, ackTimeout time.Duration) *sendHarness {
	t.Helper()
	ctx := context.Background()
	api := newFakeAPI()
	api.conversations = []Conversation{conversation("c1", nil)}
	tr := newFakeTransport()
	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	messages := NewMessageStore(api, "alice", 10, quiet)
	convs := NewConversationStore(api, messages, nil, quiet)
	if err := convs.Load(ctx); err != nil {
		t.Fatal(err)
	}
	convs.setCurrent("c1")
	typing := NewTypingCoordinator(tr, "alice", time.Second, nil)
	sends := NewSendCoordinator(tr, messages, convs, typing, "alice", ackTimeout,
		func() time.Time { return at(100) }, quiet)
	t.Cleanup(sends.Stop)
	return &sendHarness{api: api, tr: tr, messages: messages, convs: convs, typing: typing, sends: sends}
}

func (h *sendHarness) sentTempIDs() []string {
	var out []string
	for _, p := range h.tr.events(EventMessageSend) {
		out = append(out, p.(SendPayload).TempID)
	}
	return out
}

func confirmedFor(tempID, id, content string, sec int) MessageAckPayload {
	return MessageAckPayload{TempID: tempID, Message: Message{
		ID: id, ConversationID: "c1", SenderID: "alice", Content: content, CreatedAt: at(sec),
	}}
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("empty content", func(t *testing.T) {
		h := newSendHarness(t, time.Second)
		_, err := h.sends.Send(ctx, "   ")
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if len(h.tr.events(EventMessageSend)) != 0 {
			t.Error("nothing should be emitted")
		}
		if len(h.messages.Snapshot("c1")) != 0 {
			t.Error("nothing should be inserted")
		}
	})

	t.Run("no conversation selected", func(t *testing.T) {
		h := newSendHarness(t, time.Second)
		h.convs.setCurrent("")
		if _, err := h.sends.Send(ctx, "hello"); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("retry of a non-failed message", func(t *testing.T) {
		h := newSendHarness(t, time.Second)
		m, err := h.sends.Send(ctx, "hello")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.sends.Retry(ctx, m.TempID); !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestSendOptimisticThenAck(t *testing.T) {
	ctx := context.Background()
	h := newSendHarness(t, time.Second)

	m, err := h.sends.Send(ctx, "  hello ")
	if err != nil {
		t.Fatal(err)
	}
	if !IsTempID(m.ID) || m.TempID != m.ID {
		t.Fatalf("expected temp id, got %q/%q", m.ID, m.TempID)
	}
	if m.Content != "  hello " || m.Status != StatusPending || m.SenderID != "alice" {
		t.Errorf("unexpected optimistic message %+v", m)
	}
	if sent := h.tr.events(EventMessageSend); len(sent) != 1 || sent[0].(SendPayload).Content != "  hello " {
		t.Errorf("expected content sent as typed, got %v", sent)
	}
	snap := h.messages.Snapshot("c1")
	if len(snap) != 1 || snap[0].Status != StatusPending {
		t.Fatalf("expected one pending entry, got %+v", snap)
	}
	if got := h.sentTempIDs(); len(got) != 1 || got[0] != m.TempID {
		t.Fatalf("expected message:send for %s, got %v", m.TempID, got)
	}
	if st, _ := h.sends.State(m.TempID); st != SendOptimistic {
		t.Errorf("expected optimistic, got %s", st)
	}

	h.sends.HandleAck(confirmedFor(m.TempID, "srv-1", "hello", 101))

	snap = h.messages.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(snap))
	}
	if snap[0].ID != "srv-1" || snap[0].Status != StatusConfirmed {
		t.Errorf("expected confirmed srv-1, got %+v", snap[0])
	}
	if _, ok := h.sends.State(m.TempID); ok {
		t.Error("confirmed send should be forgotten")
	}
	conv, _ := h.convs.Get("c1")
	if conv.LastMessageDate == nil || !conv.LastMessageDate.Equal(at(101)) {
		t.Errorf("expected lastMessageDate %s, got %v", at(101), conv.LastMessageDate)
	}
}

func TestSendReject(t *testing.T) {
	ctx := context.Background()
	h := newSendHarness(t, time.Second)

	m, _ := h.sends.Send(ctx, "hello")
	h.sends.HandleReject(MessageRejectPayload{TempID: m.TempID, Reason: "blocked"})

	got, ok := h.messages.Get("c1", m.TempID)
	if !ok || got.Status != StatusFailed {
		t.Fatalf("expected failed entry, got %+v", got)
	}
	if !strings.Contains(got.FailReason, "blocked") {
		t.Errorf("expected reason in %q", got.FailReason)
	}
	if st, _ := h.sends.State(m.TempID); st != SendFailed {
		t.Errorf("expected failed, got %s", st)
	}

	retried, err := h.sends.Retry(ctx, m.TempID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.TempID == m.TempID {
		t.Error("retry should use a fresh temp id")
	}
	snap := h.messages.Snapshot("c1")
	if len(snap) != 1 || snap[0].ID != retried.TempID || snap[0].Status != StatusPending {
		t.Fatalf("expected only the retried entry, got %+v", snap)
	}
	if n := len(h.sentTempIDs()); n != 2 {
		t.Errorf("expected 2 sends, got %d", n)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ctx := context.Background()

	t.Run("times out into failed", func(t *testing.T) {
		h := newSendHarness(t, 30*time.Millisecond)
		h.tr.Disconnect()
		h.sends.Freeze()

		m, err := h.sends.Send(ctx, "hello")
		if err != nil {
			t.Fatal(err)
		}
		if h.sends.Queued() != 1 {
			t.Fatalf("expected 1 queued, got %d", h.sends.Queued())
		}
		waitFor(t, "send to fail", func() bool {
			st, _ := h.sends.State(m.TempID)
			return st == SendFailed
		})
		if h.sends.Queued() != 0 {
			t.Errorf("failed send should leave the queue, got %d", h.sends.Queued())
		}
		if got, _ := h.messages.Get("c1", m.TempID); got.Status != StatusFailed {
			t.Errorf("expected failed entry, got %s", got.Status)
		}

		// A late ack still confirms it.
		h.sends.HandleAck(confirmedFor(m.TempID, "srv-1", "hello", 101))
		snap := h.messages.Snapshot("c1")
		if len(snap) != 1 || snap[0].ID != "srv-1" || snap[0].Status != StatusConfirmed {
			t.Errorf("expected confirmed srv-1, got %+v", snap)
		}
	})

	t.Run("emit failure queues", func(t *testing.T) {
		h := newSendHarness(t, time.Second)
		h.tr.Disconnect()
		if _, err := h.sends.Send(ctx, "hello"); err != nil {
			t.Fatal(err)
		}
		if h.sends.Queued() != 1 {
			t.Errorf("expected 1 queued, got %d", h.sends.Queued())
		}
	})

	t.Run("resume replays in order", func(t *testing.T) {
		h := newSendHarness(t, time.Second)
		h.sends.Freeze()
		a, _ := h.sends.Send(ctx, "a")
		b, _ := h.sends.Send(ctx, "b")
		if len(h.tr.events(EventMessageSend)) != 0 {
			t.Fatal("nothing should be emitted while frozen")
		}

		if err := h.sends.Resume(ctx); err != nil {
			t.Fatal(err)
		}
		got := h.sentTempIDs()
		if len(got) != 2 || got[0] != a.TempID || got[1] != b.TempID {
			t.Errorf("expected [%s %s], got %v", a.TempID, b.TempID, got)
		}
		if h.sends.Queued() != 0 {
			t.Errorf("expected empty queue, got %d", h.sends.Queued())
		}
	})

	t.Run("resume failure keeps the queue", func(t *testing.T) {
		h := newSendHarness(t, time.Second)
		h.sends.Freeze()
		h.sends.Send(ctx, "a")
		h.sends.Send(ctx, "b")
		h.tr.Disconnect()

		if err := h.sends.Resume(ctx); !IsRetryable(err) {
			t.Fatalf("expected retryable error, got %v", err)
		}
		if h.sends.Queued() != 2 {
			t.Errorf("expected 2 queued, got %d", h.sends.Queued())
		}
	})
}

func TestSendStopsTyping(t *testing.T) {
	ctx := context.Background()
	h := newSendHarness(t, time.Second)
	if err := h.typing.StartTyping(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sends.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if h.typing.IsLocalTyping("c1") {
		t.Error("expected typing to stop after send")
	}
	if n := len(h.tr.events(EventTypingStop)); n != 1 {
		t.Errorf("expected 1 typing:stop, got %d", n)
	}
}

func TestSendTransitions(t *testing.T) {
	tests := []struct {
		from, to SendState
		want     bool
	}{
		{SendComposing, SendOptimistic, true},
		{SendComposing, SendConfirmed, false},
		{SendOptimistic, SendConfirmed, true},
		{SendOptimistic, SendFailed, true},
		{SendFailed, SendConfirmed, true},
		{SendFailed, SendOptimistic, false},
		{SendConfirmed, SendFailed, false},
		{SendConfirmed, SendOptimistic, false},
	}
	for _, tt := range tests {
		if got := canTransition(sendTransitions, tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
