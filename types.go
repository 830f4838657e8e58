package chatkit

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// Conversation is a persistent thread between a fixed set of participants.
type Conversation struct {
	ID              string     `json:"id"`
	Participants    []string   `json:"participants"`
	Name            string     `json:"name,omitempty"`
	ProjectID       string     `json:"projectId,omitempty"`
	LastMessageDate *time.Time `json:"lastMessageDate"`
}

// HasMessages reports whether the server has any message for c.
func (c *Conversation) HasMessages() bool {
	return c.LastMessageDate != nil
}

// HasParticipant reports whether userID takes part in c.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessageDate != nil {
		t := *c.LastMessageDate
		out.LastMessageDate = &t
	}
	return out
}

// MessageStatus is the local delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// TempIDPrefix marks ids generated locally for optimistic messages.
// Server ids never start with it.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id is a locally generated optimistic id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message is a single chat message. Status, TempID and FailReason are
// local bookkeeping and are not part of the server payload.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`

	TempID     string        `json:"tempId,omitempty"`
	Status     MessageStatus `json:"-"`
	FailReason string        `json:"-"`
}

// IsPending reports whether m is an unacknowledged optimistic message.
func (m *Message) IsPending() bool {
	return IsTempID(m.ID) && m.Status != StatusFailed
}

// ============================================================================
// API Types
// ============================================================================

// HistoryOptions selects a page of message history.
type HistoryOptions struct {
	Before string // id of the oldest message already held; "" for the latest page
	Limit  int
}

// HistoryPage is a page of messages, oldest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// CreateConversationOptions is the body of POST /conversations.
type CreateConversationOptions struct {
	ParticipantIDs []string `json:"participantIds" validate:"min=2,unique,dive,required"`
	ProjectID      string   `json:"projectId,omitempty"`
}

type updateConversationRequest struct {
	Name string `json:"name"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type errorBody struct {
	Error *APIError `json:"error"`
}

// ============================================================================
// Channel Events
// ============================================================================

// Outbound channel events.
const (
	EventJoin            = "join"
	EventLeave           = "leave"
	EventMessageSend     = "message:send"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventReadAck         = "read:ack"
	EventPresenceRequest = "presence:request"
)

// Inbound channel events.
const (
	EventMessageNew     = "message:new"
	EventPresenceUpdate = "presence:update"
	EventTypingUpdate   = "typing:update"
	EventMessageAck     = "message:ack"
	EventMessageReject  = "message:reject"
	EventAuthenticated  = "authenticated"
	EventError          = "error"
)

// Envelope is the wire format for every channel event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// RoomPayload is sent with join, leave, typing:start and typing:stop.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload is sent with message:send.
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	TempID         string `json:"tempId"`
}

// ReadAckPayload is sent with read:ack.
type ReadAckPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// MessageAckPayload confirms a message:send.
type MessageAckPayload struct {
	TempID  string  `json:"tempId"`
	Message Message `json:"message"`
}

// MessageRejectPayload refuses a message:send.
type MessageRejectPayload struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
}

// PresenceUpdatePayload carries the full set of online users.
type PresenceUpdatePayload struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

// TypingUpdatePayload is relayed when a participant starts or stops typing.
type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// AuthenticatedPayload is the first frame of every channel connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is sent when the server fails to handle a command.
type ErrorPayload struct {
	Message string `json:"message"`
}
