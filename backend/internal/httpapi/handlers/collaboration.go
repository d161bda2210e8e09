package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"survey-realtime-service/backend/internal/collab"
	"survey-realtime-service/backend/internal/httpapi/middleware"
	"survey-realtime-service/backend/internal/ws"
)

const auditEnqueueTimeout = 200 * time.Millisecond

// RoomBroadcaster 由 ws.Fanout 实现
type RoomBroadcaster interface {
	BroadcastRoom(room string, msg interface{}) (int, error)
}

// AuditSink 由 collab.KafkaDispatcher 实现
type AuditSink interface {
	Enqueue(ctx context.Context, evt collab.AuditEvent) error
}

// Collaboration 协作会话的 HTTP 入口：先写 Store，再推送到会话房间，最后异步审计。
// Store 本身不推送
type Collaboration struct {
	store  collab.Store
	rooms  RoomBroadcaster
	audit  AuditSink
	logger *slog.Logger
}

func NewCollaboration(store collab.Store, rooms RoomBroadcaster, audit AuditSink) *Collaboration {
	return &Collaboration{
		store:  store,
		rooms:  rooms,
		audit:  audit,
		logger: slog.Default().With("component", "collab-http"),
	}
}

func (h *Collaboration) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.CreateSession)
	rg.GET("/sessions", h.ListSessions)
	rg.GET("/sessions/:sessionID", h.GetSession)
	rg.POST("/sessions/:sessionID/close", h.CloseSession)

	rg.POST("/sessions/:sessionID/join", h.JoinSession)
	rg.POST("/sessions/:sessionID/leave", h.LeaveSession)
	rg.PUT("/sessions/:sessionID/cursor", h.UpdateCursor)
	rg.PUT("/sessions/:sessionID/status", h.UpdateStatus)
	rg.GET("/sessions/:sessionID/participants", h.ListParticipants)

	rg.POST("/sessions/:sessionID/changes", h.RecordChange)
	rg.GET("/sessions/:sessionID/changes", h.ListChanges)
	rg.GET("/sessions/:sessionID/current", h.CurrentValue)

	rg.POST("/sessions/:sessionID/comments", h.PostComment)
	rg.GET("/sessions/:sessionID/comments", h.ListComments)
	rg.PATCH("/comments/:commentID", h.ResolveComment)
}

func (h *Collaboration) CreateSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req collab.NewSession
	if err := c.ShouldBindJSON(&req); err != nil || req.EntityType == "" || req.EntityID == "" {
		badRequest(c, "entityType and entityId are required")
		return
	}
	req.CreatedBy = userID
	sess, err := h.store.CreateSession(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Collaboration) ListSessions(c *gin.Context) {
	list, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Collaboration) GetSession(c *gin.Context) {
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	sess, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sess == nil {
		notFound(c, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Collaboration) CloseSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	sess, err := h.store.CloseSession(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sess == nil {
		notFound(c, "session not found")
		return
	}
	h.publish(c.Request.Context(), id, userID, ws.EventSessionClosed, collab.AuditSessionClosed, sess)
	c.JSON(http.StatusOK, sess)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Collaboration) JoinSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	var req statusRequest
	// body 可以为空，默认 online；非空但不是合法 JSON 直接拒绝
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid join request")
		return
	}

	p, err := h.store.JoinSession(c.Request.Context(), id, userID, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	if p == nil {
		notFound(c, "session not found")
		return
	}
	h.publish(c.Request.Context(), id, userID, ws.EventParticipantJoined, "", p)
	c.JSON(http.StatusOK, p)
}

func (h *Collaboration) LeaveSession(c *gin.Context) {
	h.setStatus(c, collab.StatusOffline, ws.EventParticipantLeft)
}

func (h *Collaboration) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		badRequest(c, "status is required")
		return
	}
	h.setStatus(c, req.Status, ws.EventParticipantStatus)
}

func (h *Collaboration) setStatus(c *gin.Context, status, event string) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	p, err := h.store.UpdateParticipantStatus(c.Request.Context(), id, userID, status)
	if err != nil {
		h.fail(c, err)
		return
	}
	if p == nil {
		notFound(c, "not joined")
		return
	}
	h.publish(c.Request.Context(), id, userID, event, "", p)
	c.JSON(http.StatusOK, p)
}

type cursorRequest struct {
	Position json.RawMessage `json:"position"`
}

func (h *Collaboration) UpdateCursor(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	var req cursorRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Position) == 0 {
		badRequest(c, "position is required")
		return
	}
	p, err := h.store.UpdateParticipantCursor(c.Request.Context(), id, userID, req.Position)
	if err != nil {
		h.fail(c, err)
		return
	}
	if p == nil {
		notFound(c, "not joined")
		return
	}
	// 光标移动太频繁，不写审计
	h.publish(c.Request.Context(), id, userID, ws.EventCursorMoved, "", p)
	c.JSON(http.StatusOK, p)
}

func (h *Collaboration) ListParticipants(c *gin.Context) {
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	ps, err := h.store.ListParticipants(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ps == nil {
		notFound(c, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": ps})
}

func (h *Collaboration) RecordChange(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	var req collab.NewChange
	if err := c.ShouldBindJSON(&req); err != nil || req.EntityType == "" || req.EntityID == "" || req.ChangeType == "" {
		badRequest(c, "entityType, entityId and changeType are required")
		return
	}
	ch, err := h.store.RecordChange(c.Request.Context(), id, userID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ch == nil {
		notFound(c, "session not found")
		return
	}
	h.publish(c.Request.Context(), id, userID, ws.EventChangeRecorded, collab.AuditChangeRecorded, ch)
	c.JSON(http.StatusCreated, ch)
}

// ListChanges 可选 ?entityType=&entityId= 过滤
func (h *Collaboration) ListChanges(c *gin.Context) {
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	var (
		changes []*collab.Change
		err     error
	)
	entityType, entityID := c.Query("entityType"), c.Query("entityId")
	if entityType != "" || entityID != "" {
		changes, err = h.store.ListChangesForEntity(c.Request.Context(), id, entityType, entityID)
	} else {
		changes, err = h.store.ListChanges(c.Request.Context(), id)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if changes == nil {
		notFound(c, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (h *Collaboration) CurrentValue(c *gin.Context) {
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	entityType, entityID := c.Query("entityType"), c.Query("entityId")
	if entityType == "" || entityID == "" {
		badRequest(c, "entityType and entityId are required")
		return
	}
	ch, err := h.store.CurrentValue(c.Request.Context(), id, entityType, entityID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ch == nil {
		notFound(c, "no change recorded")
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *Collaboration) PostComment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	var req collab.NewComment
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		badRequest(c, "content is required")
		return
	}
	cm, err := h.store.PostComment(c.Request.Context(), id, userID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cm == nil {
		notFound(c, "session not found")
		return
	}
	h.publish(c.Request.Context(), id, userID, ws.EventCommentPosted, collab.AuditCommentPosted, cm)
	c.JSON(http.StatusCreated, cm)
}

func (h *Collaboration) ListComments(c *gin.Context) {
	id, ok := uintParam(c, "sessionID")
	if !ok {
		return
	}
	cms, err := h.store.ListComments(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cms == nil {
		notFound(c, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": cms})
}

func (h *Collaboration) ResolveComment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "commentID")
	if !ok {
		return
	}
	var patch collab.CommentPatch
	if err := c.ShouldBindJSON(&patch); err != nil || patch.IsResolved == nil {
		badRequest(c, "isResolved is required")
		return
	}
	cm, err := h.store.ResolveComment(c.Request.Context(), id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cm == nil {
		notFound(c, "comment not found")
		return
	}
	h.publish(c.Request.Context(), cm.SessionID, userID, ws.EventCommentResolved, collab.AuditCommentResolved, cm)
	c.JSON(http.StatusOK, cm)
}

// publish 推送到会话房间；auditType 非空时再投递审计事件。两者失败都只记日志
func (h *Collaboration) publish(ctx context.Context, sessionID, userID uint64, event, auditType string, payload interface{}) {
	if h.rooms != nil {
		if _, err := h.rooms.BroadcastRoom(ws.SessionRoom(sessionID), ws.NewSessionEvent(event, sessionID, payload)); err != nil {
			h.logger.WarnContext(ctx, "broadcast session event failed", "session", sessionID, "event", event, "error", err)
		}
	}
	if h.audit == nil || auditType == "" {
		return
	}
	evt, err := collab.NewAuditEvent(auditType, sessionID, userID, payload)
	if err != nil {
		h.logger.WarnContext(ctx, "build audit event failed", "session", sessionID, "type", auditType, "error", err)
		return
	}
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditEnqueueTimeout)
	defer cancel()
	if err := h.audit.Enqueue(enqCtx, evt); err != nil {
		h.logger.WarnContext(ctx, "enqueue audit event failed", "session", sessionID, "type", auditType, "error", err)
	}
}

func (h *Collaboration) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"code": "SESSION_CLOSED", "message": err.Error()})
	case errors.Is(err, collab.ErrParentNotFound), errors.Is(err, collab.ErrParentMismatch):
		badRequest(c, err.Error())
	default:
		h.logger.ErrorContext(c.Request.Context(), "collaboration request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
	}
}

// currentUser 取鉴权中间件写入的 Identity
func currentUser(c *gin.Context) (uint64, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return 0, false
	}
	return id.UserID, true
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": msg})
}
