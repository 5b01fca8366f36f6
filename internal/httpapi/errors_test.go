package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSnake(t *testing.T) {
	for in, want := range map[string]string{
		"Content":     "content",
		"ChannelName": "channel_name",
		"SocketID":    "socket_id",
		"Email":       "email",
	} {
		assert.Equal(t, want, toSnake(in), in)
	}
}
