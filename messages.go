package chatkit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LoadState tracks whether a conversation's history has been fetched.
type LoadState int

const (
	LoadUnloaded LoadState = iota
	LoadLoading
	LoadLoaded
)

func (s LoadState) String() string {
	switch s {
	case LoadUnloaded:
		return "unloaded"
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	}
	return "unknown"
}

// Cursor is the pagination position of a conversation.
type Cursor struct {
	Before  string // id of the oldest confirmed message held
	HasMore bool
}

type thread struct {
	state         LoadState
	messages      []*Message // ascending createdAt, ties in insertion order
	byID          map[string]*Message
	hasMore       bool
	olderInFlight bool
	stale         bool
	// gen is bumped by every reset; fetches started under an older
	// generation are discarded when they complete.
	gen uint64
}

func newThread() *thread {
	return &thread{byID: make(map[string]*Message)}
}

// insert places m after the last message with createdAt <= m.createdAt.
func (th *thread) insert(m *Message) {
	i := len(th.messages)
	for i > 0 && th.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	th.messages = append(th.messages, nil)
	copy(th.messages[i+1:], th.messages[i:])
	th.messages[i] = m
	th.byID[m.ID] = m
}

func (th *thread) indexOf(m *Message) int {
	for i, x := range th.messages {
		if x == m {
			return i
		}
	}
	return -1
}

func (th *thread) remove(m *Message) {
	if i := th.indexOf(m); i >= 0 {
		th.messages = append(th.messages[:i], th.messages[i+1:]...)
	}
	if th.byID[m.ID] == m {
		delete(th.byID, m.ID)
	}
}

func (th *thread) oldestConfirmed() string {
	for _, m := range th.messages {
		if !IsTempID(m.ID) {
			return m.ID
		}
	}
	return ""
}

// MessageStore holds, per conversation, an ordered duplicate-free message
// cache and its pagination cursor.
type MessageStore struct {
	api      API
	self     string
	pageSize int
	log      *slog.Logger

	// onChange is called, outside the lock, after a conversation's cache changed.
	onChange func(conversationID string)
	// reload is called when cached data contradicts the server.
	reload func(conversationID string)

	mu           sync.Mutex
	threads      map[string]*thread
	pendingReads map[string]struct{}
}

// NewMessageStore creates a store for the local user self.
func NewMessageStore(api API, self string, pageSize int, log *slog.Logger) *MessageStore {
	if log == nil {
		log = slog.Default()
	}
	s := &MessageStore{
		api:          api,
		self:         self,
		pageSize:     pageSize,
		log:          log.With("component", "messages"),
		threads:      make(map[string]*thread),
		pendingReads: make(map[string]struct{}),
	}
	s.reload = func(id string) {
		s.mu.Lock()
		if th := s.threads[id]; th != nil {
			th.stale = true
		}
		s.mu.Unlock()
	}
	return s
}

func (s *MessageStore) notify(conversationID string) {
	if s.onChange != nil {
		s.onChange(conversationID)
	}
}

func (s *MessageStore) threadLocked(id string) *thread {
	th := s.threads[id]
	if th == nil {
		th = newThread()
		s.threads[id] = th
	}
	return th
}

// ============================================================================
// Loading
// ============================================================================

// LoadInitial fetches the latest page of conv once per session. A
// conversation without messages is marked loaded without a fetch; a stale
// one is refreshed. The state check and the move to loading happen under
// one lock, so concurrent callers trigger a single fetch.
func (s *MessageStore) LoadInitial(ctx context.Context, conv Conversation) error {
	s.mu.Lock()
	th := s.threadLocked(conv.ID)
	switch {
	case th.state == LoadLoading:
		s.mu.Unlock()
		return nil
	case th.state == LoadLoaded && !th.stale:
		s.mu.Unlock()
		return nil
	case th.state == LoadUnloaded && !conv.HasMessages():
		th.state = LoadLoaded
		th.hasMore = false
		s.mu.Unlock()
		s.notify(conv.ID)
		return nil
	}
	f := s.beginFetchLocked(th)
	s.mu.Unlock()
	return s.fetchLatest(ctx, conv.ID, "messages.loadInitial", th, f)
}

// Refresh discards the cursor of conversationID and refetches the latest page.
func (s *MessageStore) Refresh(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	th := s.threadLocked(conversationID)
	f := s.beginFetchLocked(th)
	s.mu.Unlock()
	return s.fetchLatest(ctx, conversationID, "messages.refresh", th, f)
}

type latestFetch struct {
	gen  uint64
	prev LoadState
}

// beginFetchLocked starts a new generation and moves th to loading.
func (s *MessageStore) beginFetchLocked(th *thread) latestFetch {
	th.gen++
	prev := th.state
	if prev == LoadLoading {
		prev = LoadUnloaded
	}
	th.state = LoadLoading
	th.olderInFlight = false
	return latestFetch{gen: th.gen, prev: prev}
}

func (s *MessageStore) fetchLatest(ctx context.Context, id, op string, th *thread, f latestFetch) error {
	page, err := s.api.GetMessages(ctx, id, HistoryOptions{Limit: s.pageSize})

	s.mu.Lock()
	if s.threads[id] != th || th.gen != f.gen {
		s.mu.Unlock()
		s.log.Debug("discarding superseded page", "conversation", id, "op", op)
		return nil
	}
	if err != nil {
		th.state = f.prev
		s.mu.Unlock()
		return err
	}
	s.replaceLocked(th, page)
	th.state = LoadLoaded
	th.stale = false
	s.mu.Unlock()

	s.notify(id)
	return nil
}

// replaceLocked installs page as the newest window. Local optimistic
// entries survive, as do live messages at or after the page's oldest
// timestamp that the page does not contain yet.
func (s *MessageStore) replaceLocked(th *thread, page *HistoryPage) {
	old := th.messages
	oldByID := th.byID

	th.messages = nil
	th.byID = make(map[string]*Message, len(page.Messages))
	for _, m := range sortedPage(page.Messages) {
		if _, dup := th.byID[m.ID]; dup {
			continue
		}
		m := m
		m.Status = StatusConfirmed
		if prev := oldByID[m.ID]; prev != nil {
			m.IsRead = m.IsRead || prev.IsRead
			m.TempID = prev.TempID
		}
		if _, pending := s.pendingReads[m.ID]; pending {
			m.IsRead = true
		}
		th.messages = append(th.messages, &m)
		th.byID[m.ID] = &m
	}

	var floor time.Time
	if len(th.messages) > 0 {
		floor = th.messages[0].CreatedAt
	}
	for _, m := range old {
		if _, ok := th.byID[m.ID]; ok {
			continue
		}
		if IsTempID(m.ID) || !m.CreatedAt.Before(floor) {
			th.insert(m)
		}
	}
	th.hasMore = page.HasMore
}

// LoadOlder fetches the page before the cursor and merges it in front.
// It is a no-op unless the conversation is loaded, has more history and
// has no older load in flight.
func (s *MessageStore) LoadOlder(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	th := s.threads[conversationID]
	if th == nil || th.state != LoadLoaded || !th.hasMore || th.olderInFlight {
		s.mu.Unlock()
		return nil
	}
	before := th.oldestConfirmed()
	if before == "" {
		s.mu.Unlock()
		return s.Refresh(ctx, conversationID)
	}
	th.olderInFlight = true
	gen := th.gen
	s.mu.Unlock()

	page, err := s.api.GetMessages(ctx, conversationID, HistoryOptions{Before: before, Limit: s.pageSize})

	s.mu.Lock()
	if s.threads[conversationID] != th || th.gen != gen {
		s.mu.Unlock()
		return nil
	}
	th.olderInFlight = false
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrStaleCursor) {
			s.log.Warn("cursor rejected, reloading", "conversation", conversationID, "before", before)
			return s.Refresh(ctx, conversationID)
		}
		return err
	}

	added := s.prependLocked(th, page.Messages)
	th.hasMore = page.HasMore && len(page.Messages) > 0
	if th.hasMore && added == 0 {
		s.log.Warn("cursor did not advance, stopping pagination", "conversation", conversationID, "before", before)
		th.hasMore = false
	}
	s.mu.Unlock()

	s.notify(conversationID)
	return nil
}

// prependLocked merges an older page in front of the cache. On equal
// timestamps the page's messages come first.
func (s *MessageStore) prependLocked(th *thread, msgs []Message) int {
	var fresh []*Message
	for _, m := range sortedPage(msgs) {
		if _, ok := th.byID[m.ID]; ok {
			continue
		}
		m := m
		m.Status = StatusConfirmed
		if _, pending := s.pendingReads[m.ID]; pending {
			m.IsRead = true
		}
		fresh = append(fresh, &m)
		th.byID[m.ID] = &m
	}
	if len(fresh) == 0 {
		return 0
	}
	merged := make([]*Message, 0, len(fresh)+len(th.messages))
	i, j := 0, 0
	for i < len(fresh) && j < len(th.messages) {
		if !fresh[i].CreatedAt.After(th.messages[j].CreatedAt) {
			merged = append(merged, fresh[i])
			i++
		} else {
			merged = append(merged, th.messages[j])
			j++
		}
	}
	merged = append(merged, fresh[i:]...)
	merged = append(merged, th.messages[j:]...)
	th.messages = merged
	return len(fresh)
}

func sortedPage(msgs []Message) []Message {
	out := append([]Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ============================================================================
// Live updates
// ============================================================================

// MergeIncoming inserts a live message. Messages already cached are
// ignored; a message carrying the temp id of a local entry replaces it.
func (s *MessageStore) MergeIncoming(m Message) bool {
	s.mu.Lock()
	changed, conflict := s.mergeLocked(m)
	s.mu.Unlock()

	if conflict {
		s.log.Warn("message timestamp mismatch, reloading conversation",
			"conversation", m.ConversationID, "message", m.ID)
		s.reload(m.ConversationID)
		return false
	}
	if changed {
		s.notify(m.ConversationID)
	}
	return changed
}

func (s *MessageStore) mergeLocked(m Message) (changed, conflict bool) {
	th := s.threadLocked(m.ConversationID)
	if m.TempID != "" && !IsTempID(m.ID) {
		if tmp := th.byID[m.TempID]; tmp != nil {
			s.reconcileLocked(th, tmp, m)
			return true, false
		}
	}
	if existing := th.byID[m.ID]; existing != nil {
		if !existing.CreatedAt.Equal(m.CreatedAt) && !IsTempID(m.ID) {
			return false, true
		}
		if m.IsRead && !existing.IsRead {
			existing.IsRead = true
			return true, false
		}
		return false, false
	}
	if m.Status == "" {
		m.Status = StatusConfirmed
	}
	th.insert(&m)
	return true, false
}

// InsertOptimistic adds a local pending message.
func (s *MessageStore) InsertOptimistic(m Message) {
	s.mu.Lock()
	th := s.threadLocked(m.ConversationID)
	m.Status = StatusPending
	th.insert(&m)
	s.mu.Unlock()
	s.notify(m.ConversationID)
}

// ReconcileOptimistic replaces the entry tempID with the confirmed message,
// keeping its position unless the server timestamp breaks the ordering.
// Without a temp entry the confirmed message is merged as a live one.
func (s *MessageStore) ReconcileOptimistic(tempID string, confirmed Message) bool {
	confirmed.TempID = tempID
	s.mu.Lock()
	th := s.threadLocked(confirmed.ConversationID)
	tmp := th.byID[tempID]
	if tmp == nil {
		s.mu.Unlock()
		return s.MergeIncoming(confirmed)
	}
	s.reconcileLocked(th, tmp, confirmed)
	s.mu.Unlock()
	s.notify(confirmed.ConversationID)
	return true
}

func (s *MessageStore) reconcileLocked(th *thread, tmp *Message, confirmed Message) {
	confirmed.Status = StatusConfirmed
	confirmed.FailReason = ""
	confirmed.IsRead = confirmed.IsRead || tmp.IsRead
	if confirmed.TempID == "" {
		confirmed.TempID = tmp.ID
	}

	if dup := th.byID[confirmed.ID]; dup != nil {
		th.remove(tmp)
		dup.TempID = confirmed.TempID
		dup.Status = StatusConfirmed
		return
	}

	i := th.indexOf(tmp)
	delete(th.byID, tmp.ID)
	*tmp = confirmed
	th.byID[tmp.ID] = tmp

	inOrder := (i == 0 || !th.messages[i-1].CreatedAt.After(tmp.CreatedAt)) &&
		(i == len(th.messages)-1 || !th.messages[i+1].CreatedAt.Before(tmp.CreatedAt))
	if !inOrder {
		th.remove(tmp)
		th.insert(tmp)
	}
}

// MarkFailed flags a pending entry as failed.
func (s *MessageStore) MarkFailed(conversationID, tempID, reason string) bool {
	s.mu.Lock()
	th := s.threads[conversationID]
	var m *Message
	if th != nil {
		m = th.byID[tempID]
	}
	if m == nil || !IsTempID(m.ID) || m.Status == StatusFailed {
		s.mu.Unlock()
		return false
	}
	m.Status = StatusFailed
	m.FailReason = reason
	s.mu.Unlock()
	s.notify(conversationID)
	return true
}

// Discard removes a local entry and returns it.
func (s *MessageStore) Discard(conversationID, tempID string) (Message, bool) {
	s.mu.Lock()
	th := s.threads[conversationID]
	var m *Message
	if th != nil {
		m = th.byID[tempID]
	}
	if m == nil || !IsTempID(m.ID) {
		s.mu.Unlock()
		return Message{}, false
	}
	th.remove(m)
	out := *m
	s.mu.Unlock()
	s.notify(conversationID)
	return out, true
}

// ============================================================================
// Read state
// ============================================================================

// MarkRead marks messages from other senders as read and reports them to
// the server. Own, temporary and already-read ids are skipped. It returns
// the ids that flipped. When the server call fails the ids stay read
// locally and are retried by FlushReads.
func (s *MessageStore) MarkRead(ctx context.Context, conversationID string, ids ...string) ([]string, error) {
	s.mu.Lock()
	th := s.threads[conversationID]
	var flipped []string
	if th != nil {
		for _, id := range ids {
			m := th.byID[id]
			if m == nil || IsTempID(id) || m.SenderID == s.self || m.IsRead {
				continue
			}
			m.IsRead = true
			flipped = append(flipped, id)
		}
	}
	s.mu.Unlock()

	if len(flipped) == 0 {
		return nil, nil
	}
	s.notify(conversationID)

	if err := s.api.MarkRead(ctx, flipped); err != nil {
		s.mu.Lock()
		for _, id := range flipped {
			s.pendingReads[id] = struct{}{}
		}
		s.mu.Unlock()
		return flipped, err
	}
	return flipped, nil
}

// FlushReads resends read receipts that previously failed.
func (s *MessageStore) FlushReads(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pendingReads) == 0 {
		s.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(s.pendingReads))
	for id := range s.pendingReads {
		ids = append(ids, id)
	}
	s.pendingReads = make(map[string]struct{})
	s.mu.Unlock()
	sort.Strings(ids)

	if err := s.api.MarkRead(ctx, ids); err != nil {
		s.mu.Lock()
		for _, id := range ids {
			s.pendingReads[id] = struct{}{}
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// PendingReads returns the number of read receipts waiting to be sent.
func (s *MessageStore) PendingReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingReads)
}

// ============================================================================
// Cache management and queries
// ============================================================================

// Evict drops the cache of conversationID. In-flight fetches for it are discarded.
func (s *MessageStore) Evict(conversationID string) {
	s.mu.Lock()
	_, ok := s.threads[conversationID]
	delete(s.threads, conversationID)
	s.mu.Unlock()
	if ok {
		s.notify(conversationID)
	}
}

// MarkStale flags every loaded conversation except one for refresh on next load.
func (s *MessageStore) MarkStale(except string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, th := range s.threads {
		if id != except && th.state == LoadLoaded {
			th.stale = true
		}
	}
}

// IsStale reports whether conversationID needs a refresh.
func (s *MessageStore) IsStale(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[conversationID]
	return th != nil && th.stale
}

// State returns the load state of conversationID.
func (s *MessageStore) State(conversationID string) LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th := s.threads[conversationID]; th != nil {
		return th.state
	}
	return LoadUnloaded
}

// Cursor returns the pagination position of conversationID.
func (s *MessageStore) Cursor(conversationID string) Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[conversationID]
	if th == nil {
		return Cursor{}
	}
	return Cursor{Before: th.oldestConfirmed(), HasMore: th.hasMore}
}

// Snapshot returns a copy of the cached messages, oldest first.
func (s *MessageStore) Snapshot(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[conversationID]
	if th == nil {
		return nil
	}
	out := make([]Message, len(th.messages))
	for i, m := range th.messages {
		out[i] = *m
	}
	return out
}

// Get returns one cached message.
func (s *MessageStore) Get(conversationID, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th := s.threads[conversationID]; th != nil {
		if m := th.byID[id]; m != nil {
			return *m, true
		}
	}
	return Message{}, false
}

// UnreadCount counts unread messages from other senders.
func (s *MessageStore) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[conversationID]
	if th == nil {
		return 0
	}
	n := 0
	for _, m := range th.messages {
		if !m.IsRead && m.SenderID != s.self {
			n++
		}
	}
	return n
}

// Cached returns the ids of conversations with a cache entry.
func (s *MessageStore) Cached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
