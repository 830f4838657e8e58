// Package devserver is an in-memory chat server speaking the same HTTP and
// channel protocol as production. It backs local development and tests.
package devserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gigboard/chatkit"
)

type storedMessage struct {
	chatkit.Message
	readBy map[string]bool
}

// Server holds all chat state in memory. The bearer token is the user id.
type Server struct {
	log *slog.Logger
	now func() time.Time

	mu            sync.Mutex
	conversations map[string]*chatkit.Conversation
	bySet         map[string]string           // sorted participant set -> conversation id
	messages      map[string][]*storedMessage // conversation id -> ascending
	msgIndex      map[string]*storedMessage
	clients       map[string]map[*client]bool // user id -> connections
	rooms         map[string]map[*client]bool // conversation id -> members
	blocked       map[string]string           // user id -> reject reason
	seq           int
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(opts ...Option) *Server {
	s := &Server{
		log:           slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*chatkit.Conversation),
		bySet:         make(map[string]string),
		messages:      make(map[string][]*storedMessage),
		msgIndex:      make(map[string]*storedMessage),
		clients:       make(map[string]map[*client]bool),
		rooms:         make(map[string]map[*client]bool),
		blocked:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "devserver")
	return s
}

// Handler returns the gin router serving the REST endpoints and /ws.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/ws", s.serveWS)

	api := r.Group("/", s.auth())
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.PATCH("/conversations/:id", s.updateConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/messages/read", s.markRead)
	return r
}

// Block makes the server refuse every message:send from userID.
func (s *Server) Block(userID, reason string) {
	s.mu.Lock()
	s.blocked[userID] = reason
	s.mu.Unlock()
}

// Seed stores a message as if userID had sent it, without broadcasting.
func (s *Server) Seed(conversationID, senderID, content string) (chatkit.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[conversationID]
	if conv == nil {
		return chatkit.Message{}, fmt.Errorf("unknown conversation %q", conversationID)
	}
	return s.appendLocked(conv, senderID, content).Message, nil
}

// DropConnections closes every channel connection of userID.
func (s *Server) DropConnections(userID string) {
	s.mu.Lock()
	var conns []*client
	for c := range s.clients[userID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close("dropped by server")
	}
}

// Online returns the sorted ids of connected users.
func (s *Server) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked()
}

func (s *Server) onlineLocked() []string {
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Store helpers (callers hold s.mu)
// ============================================================================

func participantKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

func (s *Server) appendLocked(conv *chatkit.Conversation, senderID, content string) *storedMessage {
	s.seq++
	at := s.now()
	if list := s.messages[conv.ID]; len(list) > 0 && at.Before(list[len(list)-1].CreatedAt) {
		at = list[len(list)-1].CreatedAt
	}
	m := &storedMessage{
		Message: chatkit.Message{
			ID:             fmt.Sprintf("msg-%06d", s.seq),
			ConversationID: conv.ID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      at,
		},
		readBy: make(map[string]bool),
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], m)
	s.msgIndex[m.ID] = m
	t := at
	conv.LastMessageDate = &t
	return m
}

// view returns m as seen by userID: isRead is per reader, and always true
// for the sender.
func (m *storedMessage) view(userID string) chatkit.Message {
	out := m.Message
	out.IsRead = m.SenderID == userID || m.readBy[userID]
	return out
}

func (s *Server) markReadLocked(userID string, ids []string) {
	for _, id := range ids {
		m := s.msgIndex[id]
		if m == nil || m.SenderID == userID {
			continue
		}
		conv := s.conversations[m.ConversationID]
		if conv == nil || !conv.HasParticipant(userID) {
			continue
		}
		m.readBy[userID] = true
	}
}

func (s *Server) deleteLocked(id string) {
	conv := s.conversations[id]
	if conv == nil {
		return
	}
	delete(s.bySet, participantKey(conv.Participants))
	for _, m := range s.messages[id] {
		delete(s.msgIndex, m.ID)
	}
	delete(s.messages, id)
	delete(s.conversations, id)
	delete(s.rooms, id)
}

func newConversationID() string {
	return "conv-" + uuid.NewString()
}
