package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"btbot/internal/auth"
	"btbot/internal/bot"
	"btbot/internal/memory"
	"btbot/internal/models"
	"btbot/internal/session"
	"btbot/internal/worker"
)

const defaultEndNotice = "An operator ended this conversation. Say the start phrase to begin a new one."

// MessageIngress queues inbound messages for the bot.
type MessageIngress interface {
	Accept(msg models.InboundMessage) (models.InboundMessage, error)
}

// WorkerStats exposes queue figures for the health endpoint.
type WorkerStats interface {
	Stats() worker.Stats
}

type Deps struct {
	Auth      *auth.Service
	Ingress   MessageIngress
	Registry  *session.Registry
	Mirror    session.Mirror
	Store     memory.Store
	Notifier  bot.Sender
	Workers   WorkerStats
	EndNotice string
}

// Handler wires HTTP routes to the session registry, memory store and ingress.
type Handler struct {
	auth      *auth.Service
	ingress   MessageIngress
	registry  *session.Registry
	mirror    session.Mirror
	store     memory.Store
	notifier  bot.Sender
	workers   WorkerStats
	endNotice string
	logger    *log.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.EndNotice == "" {
		deps.EndNotice = defaultEndNotice
	}
	return &Handler{
		auth:      deps.Auth,
		ingress:   deps.Ingress,
		registry:  deps.Registry,
		mirror:    deps.Mirror,
		store:     deps.Store,
		notifier:  deps.Notifier,
		workers:   deps.Workers,
		endNotice: deps.EndNotice,
		logger:    log.Default().With("component", "api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.POST("/events/message", h.postMessage)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:channel_id", h.getSession)
	api.DELETE("/sessions/:channel_id", h.endSession)
	api.GET("/users/:user_id/history", h.getHistory)
	api.GET("/users/:user_id/timeout", h.getTimeout)
	api.PUT("/users/:user_id/timeout", h.setTimeout)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{
		"status":   "ok",
		"sessions": len(h.registry.ChannelIDs()),
	}
	if h.workers != nil {
		body["workers"] = h.workers.Stats()
	}
	c.JSON(http.StatusOK, body)
}

type messageRequest struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id" binding:"required"`
	AuthorName string `json:"author_name"`
	ChannelID  string `json:"channel_id" binding:"required"`
	Text       string `json:"text"`
	IsBot      bool   `json:"is_bot"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.ingress.Accept(models.InboundMessage{
		ID:         req.ID,
		AuthorID:   req.AuthorID,
		AuthorName: req.AuthorName,
		ChannelID:  req.ChannelID,
		Text:       req.Text,
		IsBot:      req.IsBot,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"id": msg.ID})
	case errors.Is(err, bot.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, worker.ErrDispatcherClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		h.logger.Error("accept message", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.registry.List()})
}

func (h *Handler) getSession(c *gin.Context) {
	s, ok := h.registry.Get(c.Param("channel_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":    s,
		"expires_at": s.ExpiresAt(),
	})
}

func (h *Handler) endSession(c *gin.Context) {
	channelID := c.Param("channel_id")
	if !h.registry.End(channelID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	// the request context ends with the response; notifications should not
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Second)
	defer cancel()
	if h.mirror != nil {
		if err := h.mirror.ClearActive(ctx, channelID); err != nil {
			h.logger.Warn("clear session marker", "channel", channelID, "err", err)
		}
	}
	if h.notifier != nil {
		if err := h.notifier.Send(ctx, channelID, h.endNotice); err != nil {
			h.logger.Warn("notify ended session", "channel", channelID, "err", err)
		}
	}
	h.logger.Info("session ended by operator", "channel", channelID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getHistory(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	turns, err := h.store.GetHistory(c.Request.Context(), userID)
	if err != nil {
		h.storageFailure(c, "get history", err)
		return
	}
	if limit > 0 {
		turns = memory.Recent(turns, limit)
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "turns": turns})
}

func (h *Handler) getTimeout(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	minutes, err := h.store.GetTimeout(c.Request.Context(), userID)
	if err != nil {
		h.storageFailure(c, "get timeout", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "minutes": minutes})
}

type timeoutRequest struct {
	Minutes *int `json:"minutes" binding:"required"`
}

func (h *Handler) setTimeout(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	var req timeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.SetTimeout(c.Request.Context(), userID, *req.Minutes); err != nil {
		if errors.Is(err, memory.ErrInvalidTimeout) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.storageFailure(c, "set timeout", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "minutes": *req.Minutes})
}

func (h *Handler) storageFailure(c *gin.Context, op string, err error) {
	h.logger.Error(op, "err", err)
	if memory.IsStorageError(err) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
