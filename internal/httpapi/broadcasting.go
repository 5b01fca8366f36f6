package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-im/miniblog/internal/realtime"
)

type channelAuthRequest struct {
	SocketID    string `json:"socket_id" form:"socket_id" binding:"required"`
	ChannelName string `json:"channel_name" form:"channel_name" binding:"required"`
}

// authorizeChannel answers the subscription handshake with a grant bound
// to the caller's socket and the requested channel.
func (s *server) authorizeChannel(c *gin.Context) {
	var req channelAuthRequest
	if err := c.ShouldBind(&req); err != nil {
		bindFailed(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	grant, err := s.channels.Grant(ctx, actor(c), req.SocketID, req.ChannelName)
	if errors.Is(err, realtime.ErrChannelForbidden) {
		c.JSON(http.StatusForbidden, gin.H{"message": "This action is unauthorized."})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth": grant})
}
