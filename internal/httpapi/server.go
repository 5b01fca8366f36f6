package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/auth"
	"github.com/nexus-im/miniblog/internal/chat"
	"github.com/nexus-im/miniblog/internal/realtime"
	"github.com/nexus-im/miniblog/store/user"
)

// Deps wires the HTTP surface to the application services.
type Deps struct {
	Chat     *chat.Service
	Users    user.Store
	Tokens   *auth.Authenticator
	Channels *realtime.ChannelAuth
	// Socket serves websocket upgrades at /ws when set.
	Socket http.Handler
	Logger *zap.Logger
	// Registry exposes /metrics and request counters when set.
	Registry *prometheus.Registry
}

type server struct {
	chat     *chat.Service
	users    user.Store
	tokens   *auth.Authenticator
	channels *realtime.ChannelAuth
	logger   *zap.Logger
}

func NewRouter(d Deps) *gin.Engine {
	s := &server{
		chat:     d.Chat,
		users:    d.Users,
		tokens:   d.Tokens,
		channels: d.Channels,
		logger:   d.Logger.Named("http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(s.logger))
	if d.Registry != nil {
		r.Use(countRequests(newMetrics(d.Registry)))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if d.Socket != nil {
		r.GET("/ws", gin.WrapH(d.Socket))
	}

	api := r.Group("/api")
	api.POST("/register", s.register)
	api.POST("/login", s.login)

	authed := api.Group("", s.requireUser)
	authed.GET("/user", s.currentUser)
	authed.GET("/users/:id", s.showUser)

	authed.GET("/conversations", s.listConversations)
	authed.POST("/conversations", s.createConversation)
	authed.GET("/conversations/:id", s.showConversation)
	authed.DELETE("/conversations/:id", s.clearConversation)
	authed.POST("/conversations/:id/messages", s.sendMessage)
	authed.DELETE("/conversations/:id/messages/:messageId", s.hideMessage)
	authed.PATCH("/conversations/:id/read", s.markRead)
	authed.POST("/conversations/:id/read", s.markRead)

	r.POST("/broadcasting/auth", s.requireUser, s.authorizeChannel)

	return r
}
