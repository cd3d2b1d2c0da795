package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MessageLister serves channel history; nil disables the history endpoint.
type MessageLister interface {
	ListMessages(ctx context.Context, ch domain.ChannelID, limit int) ([]domain.Message, error)
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, history MessageLister) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	var limiter *signal.RateLimiter
	if cfg.MessageRateLimit > 0 {
		limiter = signal.NewRateLimiter(cfg.MessageRateLimit, cfg.MessageRateInterval)
	}
	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
		Limiter:    limiter,
	})
	h := &handlers{orch: o, history: history}

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	api.GET("/healthz", h.health)
	api.GET("/channels/:id/members", h.channelMembers)
	api.GET("/channels/:id/messages", h.channelMessages)
	api.GET("/voice", h.voiceSnapshot)
	api.GET("/voice/:id/participants", h.voiceParticipants)

	return r
}

type handlers struct {
	orch    *orch.Orchestrator
	history MessageLister
}

func channelParam(c *gin.Context) (domain.ChannelID, bool) {
	ch := domain.ChannelID(c.Param("id"))
	if err := ch.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return ch, true
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.orch.Registry.Len(),
	})
}

func (h *handlers) channelMembers(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	sids := h.orch.Registry.Members(ch)
	members := make([]domain.Identity, 0, len(sids))
	for _, sid := range sids {
		if id, ok := h.orch.Registry.Identity(sid); ok {
			members = append(members, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"channelId": ch,
		"count":     len(sids),
		"members":   members,
	})
}

func (h *handlers) channelMessages(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	msgs, err := h.history.ListMessages(c.Request.Context(), ch, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("channel", string(ch)).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channelId": ch, "messages": msgs})
}

func (h *handlers) voiceSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"voiceChannels": h.orch.Voice.Snapshot()})
}

func (h *handlers) voiceParticipants(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"channelId": ch, "participants": h.orch.Voice.Participants(ch)})
}
