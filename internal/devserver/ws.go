package devserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/gigboard/chatkit"
)

const sendBuffer = 64

type client struct {
	userID    string
	conn      *websocket.Conn
	send      chan chatkit.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusGoingAway, reason)
	})
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-c.send:
			if err := wsjson.Write(ctx, c.conn, env); err != nil {
				c.close("write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func envelope(event string, payload any) chatkit.Envelope {
	raw, _ := json.Marshal(payload)
	return chatkit.Envelope{Type: event, Payload: raw}
}

func (s *Server) serveWS(c *gin.Context) {
	token := c.Query("token")
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	ctx := c.Request.Context()

	if token == "" {
		_ = wsjson.Write(ctx, conn, envelope(chatkit.EventError, chatkit.ErrorPayload{Message: "missing token"}))
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	if err := wsjson.Write(ctx, conn, envelope(chatkit.EventAuthenticated, chatkit.AuthenticatedPayload{UserID: token})); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	cl := &client{
		userID: token,
		conn:   conn,
		send:   make(chan chatkit.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
	s.register(cl)
	go cl.writeLoop(ctx)

	for {
		var env chatkit.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			break
		}
		s.handleCommand(cl, env)
	}

	s.unregister(cl)
	cl.close("bye")
}

// deliver queues env for c; a full buffer drops the event.
func (s *Server) deliver(c *client, env chatkit.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		s.log.Warn("dropping event for slow client", "user", c.userID, "event", env.Type)
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.userID] == nil {
		s.clients[c.userID] = make(map[*client]bool)
	}
	s.clients[c.userID][c] = true
	s.log.Debug("client connected", "user", c.userID)
	s.broadcastPresenceLocked()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.clients, c.userID)
		}
	}
	for _, members := range s.rooms {
		delete(members, c)
	}
	s.log.Debug("client disconnected", "user", c.userID)
	s.broadcastPresenceLocked()
}

func (s *Server) broadcastPresenceLocked() {
	env := envelope(chatkit.EventPresenceUpdate, chatkit.PresenceUpdatePayload{OnlineUserIDs: s.onlineLocked()})
	for _, set := range s.clients {
		for c := range set {
			s.deliver(c, env)
		}
	}
}

// fanoutLocked sends to every connection of the conversation's
// participants except skip.
func (s *Server) fanoutLocked(conv *chatkit.Conversation, skip *client, build func(userID string) (chatkit.Envelope, bool)) {
	for _, p := range conv.Participants {
		env, ok := build(p)
		if !ok {
			continue
		}
		for c := range s.clients[p] {
			if c != skip {
				s.deliver(c, env)
			}
		}
	}
}

func (s *Server) handleCommand(c *client, env chatkit.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case chatkit.EventJoin, chatkit.EventLeave:
		var p chatkit.RoomPayload
		if err := env.Decode(&p); err != nil {
			s.deliver(c, envelope(chatkit.EventError, chatkit.ErrorPayload{Message: "bad payload"}))
			return
		}
		conv := s.conversations[p.ConversationID]
		if conv == nil || !conv.HasParticipant(c.userID) {
			s.deliver(c, envelope(chatkit.EventError, chatkit.ErrorPayload{Message: "cannot join " + p.ConversationID}))
			return
		}
		if env.Type == chatkit.EventLeave {
			delete(s.rooms[p.ConversationID], c)
			return
		}
		if s.rooms[p.ConversationID] == nil {
			s.rooms[p.ConversationID] = make(map[*client]bool)
		}
		s.rooms[p.ConversationID][c] = true

	case chatkit.EventMessageSend:
		var p chatkit.SendPayload
		if err := env.Decode(&p); err != nil {
			s.deliver(c, envelope(chatkit.EventError, chatkit.ErrorPayload{Message: "bad payload"}))
			return
		}
		conv := s.conversations[p.ConversationID]
		reason := ""
		switch {
		case s.blocked[c.userID] != "":
			reason = s.blocked[c.userID]
		case conv == nil:
			reason = "unknown conversation"
		case !conv.HasParticipant(c.userID):
			reason = "not a participant"
		case strings.TrimSpace(p.Content) == "":
			reason = "empty message"
		}
		if reason != "" {
			s.deliver(c, envelope(chatkit.EventMessageReject, chatkit.MessageRejectPayload{TempID: p.TempID, Reason: reason}))
			return
		}

		m := s.appendLocked(conv, c.userID, p.Content)
		ack := m.view(c.userID)
		ack.TempID = p.TempID
		s.deliver(c, envelope(chatkit.EventMessageAck, chatkit.MessageAckPayload{TempID: p.TempID, Message: ack}))
		s.fanoutLocked(conv, c, func(userID string) (chatkit.Envelope, bool) {
			return envelope(chatkit.EventMessageNew, m.view(userID)), true
		})

	case chatkit.EventTypingStart, chatkit.EventTypingStop:
		var p chatkit.RoomPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		conv := s.conversations[p.ConversationID]
		if conv == nil || !conv.HasParticipant(c.userID) {
			return
		}
		update := envelope(chatkit.EventTypingUpdate, chatkit.TypingUpdatePayload{
			ConversationID: p.ConversationID,
			UserID:         c.userID,
			IsTyping:       env.Type == chatkit.EventTypingStart,
		})
		s.fanoutLocked(conv, nil, func(userID string) (chatkit.Envelope, bool) {
			return update, userID != c.userID
		})

	case chatkit.EventReadAck:
		var p chatkit.ReadAckPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.markReadLocked(c.userID, p.MessageIDs)

	case chatkit.EventPresenceRequest:
		s.deliver(c, envelope(chatkit.EventPresenceUpdate, chatkit.PresenceUpdatePayload{OnlineUserIDs: s.onlineLocked()}))

	default:
		s.deliver(c, envelope(chatkit.EventError, chatkit.ErrorPayload{Message: "unknown command " + env.Type}))
	}
}
