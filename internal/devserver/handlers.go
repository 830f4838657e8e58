package devserver

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/gigboard/chatkit"
)

const (
	defaultPageSize = 30
	maxPageSize     = 200
)

type createReq struct {
	ParticipantIDs []string `json:"participantIds" binding:"required,min=2,unique,dive,required"`
	ProjectID      string   `json:"projectId"`
}

type renameReq struct {
	Name string `json:"name" binding:"max=120"`
}

type readReq struct {
	MessageIDs []string `json:"messageIds" binding:"required,min=1,dive,required"`
}

type pageReq struct {
	Before string `form:"before"`
	Limit  int    `form:"limit" binding:"gte=0"`
}

func apiErr(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": chatkit.APIError{Code: code, Message: msg}})
}

func bindErr(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" failed "+fe.Tag())
		}
		apiErr(c, http.StatusUnprocessableEntity, "VALIDATION", strings.Join(fields, "; "))
		return
	}
	apiErr(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			apiErr(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		c.Set("userID", token)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func mustUserID(c *gin.Context) string {
	return c.GetString("userID")
}

// conversationFor loads conversation :id and checks membership. It writes
// the error response itself.
func (s *Server) conversationFor(c *gin.Context, userID string) *chatkit.Conversation {
	conv := s.conversations[c.Param("id")]
	if conv == nil {
		apiErr(c, http.StatusNotFound, "NOT_FOUND", "conversation not found")
		return nil
	}
	if !conv.HasParticipant(userID) {
		apiErr(c, http.StatusForbidden, "FORBIDDEN", "not a participant")
		return nil
	}
	return conv
}

func (s *Server) listConversations(c *gin.Context) {
	uid := mustUserID(c)
	s.mu.Lock()
	list := make([]chatkit.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(uid) {
			list = append(list, *conv)
		}
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	c.JSON(http.StatusOK, list)
}

func (s *Server) createConversation(c *gin.Context) {
	uid := mustUserID(c)
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}

	participants := append([]string(nil), req.ParticipantIDs...)
	found := false
	for _, p := range participants {
		if p == uid {
			found = true
		}
	}
	if !found {
		participants = append(participants, uid)
	}
	sort.Strings(participants)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey(participants)
	if id, ok := s.bySet[key]; ok {
		c.JSON(http.StatusOK, s.conversations[id])
		return
	}
	conv := &chatkit.Conversation{
		ID:           newConversationID(),
		Participants: participants,
		ProjectID:    req.ProjectID,
	}
	s.conversations[conv.ID] = conv
	s.bySet[key] = conv.ID
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) updateConversation(c *gin.Context) {
	uid := mustUserID(c)
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationFor(c, uid)
	if conv == nil {
		return
	}
	conv.Name = req.Name
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	uid := mustUserID(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationFor(c, uid)
	if conv == nil {
		return
	}
	s.deleteLocked(conv.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	uid := mustUserID(c)
	var q pageReq
	if err := c.ShouldBindQuery(&q); err != nil {
		bindErr(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationFor(c, uid)
	if conv == nil {
		return
	}
	all := s.messages[conv.ID]
	end := len(all)
	if q.Before != "" {
		end = -1
		for i, m := range all {
			if m.ID == q.Before {
				end = i
				break
			}
		}
		if end < 0 {
			apiErr(c, http.StatusGone, "STALE_CURSOR", "cursor "+strconv.Quote(q.Before)+" is not in this conversation")
			return
		}
	}
	start := end - q.Limit
	if start < 0 {
		start = 0
	}
	page := chatkit.HistoryPage{Messages: make([]chatkit.Message, 0, end-start), HasMore: start > 0}
	for _, m := range all[start:end] {
		page.Messages = append(page.Messages, m.view(uid))
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) markRead(c *gin.Context) {
	uid := mustUserID(c)
	var req readReq
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	s.mu.Lock()
	s.markReadLocked(uid, req.MessageIDs)
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}
