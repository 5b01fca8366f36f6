package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/auth"
)

const (
	userIDKey   = "user_id"
	userNameKey = "user_name"

	// SocketIDHeader names the caller's own websocket so broadcasts skip it.
	SocketIDHeader = "X-Socket-ID"
)

var errMissingToken = errors.New("missing bearer token")

// BearerUser authenticates r by its bearer token. Websocket clients that
// cannot set headers may pass the token as the "token" query parameter.
func BearerUser(tokens *auth.Authenticator, r *http.Request) (int64, string, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		raw = q
	}
	if raw == "" {
		return 0, "", errMissingToken
	}

	claims, err := tokens.ValidateToken(raw)
	if err != nil {
		return 0, "", err
	}
	id, err := claims.UserID()
	if err != nil {
		return 0, "", err
	}
	return id, claims.Name, nil
}

func (s *server) requireUser(c *gin.Context) {
	id, name, err := BearerUser(s.tokens, c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}
	c.Set(userIDKey, id)
	c.Set(userNameKey, name)
	c.Next()
}

func actor(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := c.GetInt64(userIDKey); id != 0 {
			fields = append(fields, zap.Int64("user_id", id))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request", append(fields, zap.Strings("errors", c.Errors.Errors()))...)
			return
		}
		logger.Debug("request", fields...)
	}
}

type metrics struct {
	requests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "miniblog_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}
}

func countRequests(m *metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
