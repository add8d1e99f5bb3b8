package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-core/internal/pipeline"
	"signal-core/pkg/db"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type whitelistRequest struct {
	Traders []string `json:"traders"`
}

type chatMessageRequest struct {
	MessageID   string     `json:"message_id"`
	ChannelID   string     `json:"channel_id"`
	Author      string     `json:"author"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments"`
	Time        *time.Time `json:"time"`
}

type chatEditRequest struct {
	MessageID   string     `json:"message_id" binding:"required"`
	ChannelID   string     `json:"channel_id"`
	Author      string     `json:"author"`
	Content     string     `json:"content"`
	OldContent  string     `json:"old_content"`
	Attachments []string   `json:"attachments"`
	Time        *time.Time `json:"time"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"dry_run": s.Meta.DryRun,
		"venue":   s.Meta.Venue,
		"version": s.Meta.Version,
	}
	if s.Pipeline != nil {
		resp["running"] = s.Pipeline.Running()
		resp["instruments"] = s.Pipeline.InstrumentCount()
		resp["active_signals"] = len(s.Pipeline.ActiveSignals())
	}
	if s.Fills != nil {
		resp["pending_fills"] = len(s.Fills.Snapshot())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPreferences(c *gin.Context) {
	prefs, err := s.Store.GetPreferences(c.Request.Context())
	if err != nil {
		s.Log.Error("load preferences", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load preferences")
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) putPreferences(c *gin.Context) {
	var prefs db.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := prefs.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PREFERENCES", err.Error())
		return
	}
	if err := s.Store.SavePreferences(c.Request.Context(), prefs); err != nil {
		s.Log.Error("save preferences", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save preferences")
		return
	}
	s.Log.Info("preferences updated", zap.String("user_id", CurrentUserID(c)))
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) getWhitelist(c *gin.Context) {
	names, err := s.Store.ListWhitelist(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load whitelist")
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"traders": names})
}

func (s *Server) putWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := s.Store.ReplaceWhitelist(ctx, req.Traders); err != nil {
		s.Log.Error("replace whitelist", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save whitelist")
		return
	}
	s.getWhitelist(c)
}

func (s *Server) getActiveSignals(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pipeline.ActiveSignals())
}

func (s *Server) getParkedSignals(c *gin.Context) {
	list, err := s.Pipeline.Parked(c.Request.Context())
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ParsedAt.Before(list[j].ParsedAt) })
	c.JSON(http.StatusOK, list)
}

func (s *Server) getSignalHistory(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	list, err := s.Store.ListSignals(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load signals")
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, list)
}

func (s *Server) getSignalEdits(c *gin.Context) {
	list, err := s.Store.ListEdits(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load edits")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) confirmSignal(c *gin.Context) {
	id := c.Param("id")
	if err := s.Pipeline.Confirm(c.Request.Context(), id); err != nil {
		respondPipelineError(c, err)
		return
	}
	s.Log.Info("signal confirmed via api", zap.String("message_id", id), zap.String("user_id", CurrentUserID(c)))
	c.JSON(http.StatusAccepted, gin.H{"message_id": id, "status": "submitted"})
}

func (s *Server) cancelSignal(c *gin.Context) {
	id := c.Param("id")
	if err := s.Pipeline.Cancel(c.Request.Context(), id); err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": id, "status": "canceled"})
}

func (s *Server) getPendingFills(c *gin.Context) {
	if s.Fills == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, s.Fills.Snapshot())
}

func (s *Server) getOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	orders, err := s.Store.ListOrders(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load orders")
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

func (s *Server) closePositions(c *gin.Context) {
	instrument := strings.ToUpper(strings.TrimSpace(c.Param("instrument")))
	if err := s.Pipeline.EmergencyClose(c.Request.Context(), instrument); err != nil {
		s.Log.Error("emergency close via api failed", zap.String("instrument", instrument), zap.Error(err))
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	}
	s.Log.Warn("emergency close via api", zap.String("instrument", instrument), zap.String("user_id", CurrentUserID(c)))
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "status": "closed"})
}

// ingestMessage accepts a new chat message for the pipeline.
func (s *Server) ingestMessage(c *gin.Context) {
	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		respondError(c, http.StatusBadRequest, "EMPTY_MESSAGE", "content or attachments required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	ev := pipeline.Event{
		Kind:        pipeline.KindMessage,
		MessageID:   req.MessageID,
		ChannelID:   req.ChannelID,
		Author:      req.Author,
		Content:     req.Content,
		Attachments: req.Attachments,
		Time:        eventTime(req.Time),
	}
	if err := s.Pipeline.Submit(c.Request.Context(), ev); err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": ev.MessageID})
}

// ingestEdit accepts an edit of a previously sent chat message.
func (s *Server) ingestEdit(c *gin.Context) {
	var req chatEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	ev := pipeline.Event{
		Kind:        pipeline.KindEdit,
		MessageID:   req.MessageID,
		ChannelID:   req.ChannelID,
		Author:      req.Author,
		Content:     req.Content,
		OldContent:  req.OldContent,
		Attachments: req.Attachments,
		Time:        eventTime(req.Time),
	}
	if err := s.Pipeline.Submit(c.Request.Context(), ev); err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": ev.MessageID})
}

func respondPipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotParked):
		respondError(c, http.StatusNotFound, "NOT_PARKED", err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		respondError(c, http.StatusServiceUnavailable, "PIPELINE_STOPPED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func eventTime(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return time.Now()
	}
	return *t
}
