package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigboard/chatkit"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Test Helpers
// ============================================================================

func newTestServer() (*Server, http.Handler) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	clock := func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	s := New(WithLogger(quiet), WithClock(clock))
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error chatkit.APIError `json:"error"`
	}](t, w)
	return body.Error.Code
}

func createConv(t *testing.T, h http.Handler, user string, others ...string) chatkit.Conversation {
	t.Helper()
	w := do(t, h, user, http.MethodPost, "/conversations", map[string]any{"participantIds": append([]string{user}, others...)})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return decode[chatkit.Conversation](t, w)
}

// ============================================================================
// REST endpoints
// ============================================================================

func TestAuth(t *testing.T) {
	_, h := newTestServer()
	w := do(t, h, "", http.MethodGet, "/conversations", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %s", code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	_, h := newTestServer()

	t.Run("create is idempotent per participant set", func(t *testing.T) {
		w := do(t, h, "alice", http.MethodPost, "/conversations", map[string]any{"participantIds": []string{"alice", "bob"}, "projectId": "p1"})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", w.Code)
		}
		first := decode[chatkit.Conversation](t, w)
		if first.ProjectID != "p1" || first.HasMessages() {
			t.Errorf("unexpected conversation %+v", first)
		}

		w = do(t, h, "bob", http.MethodPost, "/conversations", map[string]any{"participantIds": []string{"bob", "alice"}})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 for an existing set, got %d", w.Code)
		}
		if again := decode[chatkit.Conversation](t, w); again.ID != first.ID {
			t.Errorf("expected %s, got %s", first.ID, again.ID)
		}
	})

	t.Run("create validates participants", func(t *testing.T) {
		tests := []struct {
			name string
			body map[string]any
		}{
			{"too few", map[string]any{"participantIds": []string{"alice"}}},
			{"duplicates", map[string]any{"participantIds": []string{"bob", "bob"}}},
			{"missing", map[string]any{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := do(t, h, "alice", http.MethodPost, "/conversations", tt.body)
				if w.Code != http.StatusUnprocessableEntity {
					t.Fatalf("expected 422, got %d %s", w.Code, w.Body.String())
				}
				if code := errorCode(t, w); code != "VALIDATION" {
					t.Errorf("expected VALIDATION, got %s", code)
				}
			})
		}
	})

	t.Run("list shows only own conversations", func(t *testing.T) {
		createConv(t, h, "carol", "dave")
		list := decode[[]chatkit.Conversation](t, do(t, h, "alice", http.MethodGet, "/conversations", nil))
		if len(list) != 1 {
			t.Fatalf("expected 1 conversation for alice, got %d", len(list))
		}
		list = decode[[]chatkit.Conversation](t, do(t, h, "erin", http.MethodGet, "/conversations", nil))
		if len(list) != 0 {
			t.Errorf("expected an empty list, got %d", len(list))
		}
	})

	t.Run("rename and delete", func(t *testing.T) {
		conv := createConv(t, h, "alice", "frank")
		path := "/conversations/" + conv.ID

		w := do(t, h, "carol", http.MethodPatch, path, map[string]any{"name": "x"})
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403 for a non-participant, got %d", w.Code)
		}
		w = do(t, h, "alice", http.MethodPatch, path, map[string]any{"name": "Logo"})
		if w.Code != http.StatusOK || decode[chatkit.Conversation](t, w).Name != "Logo" {
			t.Errorf("rename failed: %d %s", w.Code, w.Body.String())
		}

		if w := do(t, h, "alice", http.MethodDelete, path, nil); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
		w = do(t, h, "alice", http.MethodDelete, path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404 on second delete, got %d", w.Code)
		}
		// The participant set is free again.
		if again := createConv(t, h, "alice", "frank"); again.ID == conv.ID {
			t.Error("expected a new conversation after delete")
		}
	})
}

func TestMessageEndpoints(t *testing.T) {
	s, h := newTestServer()
	conv := createConv(t, h, "alice", "bob")
	for i := 0; i < 45; i++ {
		sender := "bob"
		if i%3 == 0 {
			sender = "alice"
		}
		if _, err := s.Seed(conv.ID, sender, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	path := "/conversations/" + conv.ID + "/messages"

	t.Run("pages walk backwards without gaps", func(t *testing.T) {
		seen := map[string]bool{}
		var last time.Time
		before := ""
		for pages := 0; ; pages++ {
			if pages > 5 {
				t.Fatal("pagination did not terminate")
			}
			q := path + "?limit=20"
			if before != "" {
				q += "&before=" + before
			}
			w := do(t, h, "alice", http.MethodGet, q, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			page := decode[chatkit.HistoryPage](t, w)
			for i, m := range page.Messages {
				if seen[m.ID] {
					t.Fatalf("duplicate %s", m.ID)
				}
				seen[m.ID] = true
				if i > 0 && m.CreatedAt.Before(page.Messages[i-1].CreatedAt) {
					t.Fatal("page not ascending")
				}
			}
			if !last.IsZero() && len(page.Messages) > 0 && page.Messages[len(page.Messages)-1].CreatedAt.After(last) {
				t.Fatal("older page overlaps newer one")
			}
			if len(page.Messages) > 0 {
				last = page.Messages[0].CreatedAt
				before = page.Messages[0].ID
			}
			if !page.HasMore {
				break
			}
		}
		if len(seen) != 45 {
			t.Errorf("expected 45 messages, got %d", len(seen))
		}
	})

	t.Run("unknown cursor is stale", func(t *testing.T) {
		w := do(t, h, "alice", http.MethodGet, path+"?before=msg-999999", nil)
		if w.Code != http.StatusGone {
			t.Fatalf("expected 410, got %d", w.Code)
		}
		if code := errorCode(t, w); code != "STALE_CURSOR" {
			t.Errorf("expected STALE_CURSOR, got %s", code)
		}
	})

	t.Run("non-participant is forbidden", func(t *testing.T) {
		if w := do(t, h, "mallory", http.MethodGet, path, nil); w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
		if w := do(t, h, "alice", http.MethodGet, "/conversations/nope/messages", nil); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("read state is per reader", func(t *testing.T) {
		page := decode[chatkit.HistoryPage](t, do(t, h, "alice", http.MethodGet, path+"?limit=3", nil))
		var unread []string
		for _, m := range page.Messages {
			if m.SenderID == "alice" && !m.IsRead {
				t.Errorf("own message %s should be read", m.ID)
			}
			if m.SenderID != "alice" && !m.IsRead {
				unread = append(unread, m.ID)
			}
		}
		if len(unread) == 0 {
			t.Fatal("expected unread messages from bob")
		}

		if w := do(t, h, "alice", http.MethodPost, "/messages/read", map[string]any{"messageIds": unread}); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
		page = decode[chatkit.HistoryPage](t, do(t, h, "alice", http.MethodGet, path+"?limit=3", nil))
		for _, m := range page.Messages {
			if !m.IsRead {
				t.Errorf("expected %s read for alice", m.ID)
			}
		}
		bobView := decode[chatkit.HistoryPage](t, do(t, h, "bob", http.MethodGet, path+"?limit=3", nil))
		for _, m := range bobView.Messages {
			if m.SenderID == "alice" && m.IsRead {
				t.Errorf("alice reading must not mark %s read for bob", m.ID)
			}
		}

		if w := do(t, h, "alice", http.MethodPost, "/messages/read", map[string]any{"messageIds": []string{}}); w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422 for an empty id list, got %d", w.Code)
		}
	})
}

// ============================================================================
// HTTP client against the dev server
// ============================================================================

func TestClientErrorsAgainstServer(t *testing.T) {
	_, h := newTestServer()
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	alice := chatkit.NewClient("alice", chatkit.WithBaseURL(srv.URL))
	conv, err := alice.CreateConversation(ctx, chatkit.CreateConversationOptions{ParticipantIDs: []string{"alice", "bob"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := alice.GetMessages(ctx, conv.ID, chatkit.HistoryOptions{Before: "msg-000042"}); !errors.Is(err, chatkit.ErrStaleCursor) {
		t.Errorf("expected ErrStaleCursor, got %v", err)
	}
	if _, err := chatkit.NewClient("mallory", chatkit.WithBaseURL(srv.URL)).GetMessages(ctx, conv.ID, chatkit.HistoryOptions{}); !errors.Is(err, chatkit.ErrServerRejected) {
		t.Errorf("expected ErrServerRejected for a non-participant, got %v", err)
	}
	if err := alice.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if err := alice.DeleteConversation(ctx, conv.ID); !errors.Is(err, chatkit.ErrConflict) {
		t.Errorf("expected ErrConflict on second delete, got %v", err)
	}
}
