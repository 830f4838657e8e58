package chatkit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConversationStore is the local list of conversations for the signed-in
// user plus the current selection. Mutations wait for the server.
type ConversationStore struct {
	api      API
	messages *MessageStore
	validate *validator.Validate
	log      *slog.Logger

	// onChange is called, outside the lock, after the list or selection changed.
	onChange func()

	mu      sync.RWMutex
	byID    map[string]*Conversation
	current string
	loaded  bool
	err     error
}

// NewConversationStore creates a store. messages receives cache evictions.
func NewConversationStore(api API, messages *MessageStore, validate *validator.Validate, log *slog.Logger) *ConversationStore {
	if validate == nil {
		validate = validator.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &ConversationStore{
		api:      api,
		messages: messages,
		validate: validate,
		log:      log.With("component", "conversations"),
		byID:     make(map[string]*Conversation),
	}
}

func (s *ConversationStore) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Load fetches the full list and replaces the local one. Conversations
// that disappeared lose their message cache. On failure the previous list
// is kept and the error is recorded.
func (s *ConversationStore) Load(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.log.Warn("conversation list fetch failed, keeping previous snapshot", "error", err)
		s.notify()
		return err
	}

	next := make(map[string]*Conversation, len(list))
	for i := range list {
		c := list[i].clone()
		next[c.ID] = &c
	}

	s.mu.Lock()
	var gone []string
	for id := range s.byID {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	s.byID = next
	s.loaded = true
	s.err = nil
	if _, ok := next[s.current]; !ok {
		s.current = ""
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.messages.Evict(id)
	}
	s.notify()
	return nil
}

// Create asks the server for a conversation between participantIDs. The
// server returns the existing one for a known participant set; the store
// upserts by the returned id.
func (s *ConversationStore) Create(ctx context.Context, participantIDs []string, projectID string) (*Conversation, error) {
	opts := CreateConversationOptions{ParticipantIDs: participantIDs, ProjectID: projectID}
	if err := s.validate.Struct(opts); err != nil {
		return nil, wrapError(ErrValidation, "conversations.create", err)
	}

	conv, err := s.api.CreateConversation(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := s.upsert(*conv)
	return &out, nil
}

// Update renames a conversation once the server accepted it.
func (s *ConversationStore) Update(ctx context.Context, id, name string) (*Conversation, error) {
	if !s.Has(id) {
		return nil, newError(ErrNotFound, "conversations.update", "unknown conversation %q", id)
	}
	conv, err := s.api.UpdateConversation(ctx, id, name)
	if err != nil {
		return nil, err
	}
	out := s.upsert(*conv)
	return &out, nil
}

// Delete removes a conversation on the server, then locally. A conversation
// the server already deleted counts as deleted.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	if err := s.api.DeleteConversation(ctx, id); err != nil {
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.log.Debug("conversation already deleted", "conversation", id)
	}

	s.mu.Lock()
	delete(s.byID, id)
	if s.current == id {
		s.current = ""
	}
	s.mu.Unlock()

	s.messages.Evict(id)
	s.notify()
	return nil
}

func (s *ConversationStore) upsert(conv Conversation) Conversation {
	c := conv.clone()
	s.mu.Lock()
	if prev := s.byID[c.ID]; prev != nil && prev.LastMessageDate != nil {
		if c.LastMessageDate == nil || c.LastMessageDate.Before(*prev.LastMessageDate) {
			t := *prev.LastMessageDate
			c.LastMessageDate = &t
		}
	}
	s.byID[c.ID] = &c
	out := c.clone()
	s.mu.Unlock()
	s.notify()
	return out
}

// Touch advances lastMessageDate of id to at. It never moves backwards.
func (s *ConversationStore) Touch(id string, at time.Time) bool {
	s.mu.Lock()
	c := s.byID[id]
	if c == nil || (c.LastMessageDate != nil && !at.After(*c.LastMessageDate)) {
		s.mu.Unlock()
		return false
	}
	c.LastMessageDate = &at
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *ConversationStore) setCurrent(id string) (prev string) {
	s.mu.Lock()
	prev = s.current
	s.current = id
	s.mu.Unlock()
	if prev != id {
		s.notify()
	}
	return prev
}

// Current returns the selected conversation id, "" when none.
func (s *ConversationStore) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Get returns a copy of conversation id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Has reports whether id is in the list.
func (s *ConversationStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// List returns all conversations, most recently active first. Conversations
// without messages sort last.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageDate, out[j].LastMessageDate
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		}
		return a.After(*b)
	})
	return out
}

// Loaded reports whether the list was fetched at least once.
func (s *ConversationStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Err returns the error of the last failed Load, nil after a success.
func (s *ConversationStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
