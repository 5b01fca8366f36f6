package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/auth"
	"github.com/nexus-im/miniblog/internal/chat"
)

// staticAuthorizer admits users to conversation channels listed in members.
type staticAuthorizer struct {
	members map[string][]int64
}

func (a staticAuthorizer) CanSubscribe(_ context.Context, userID int64, channel string) (bool, error) {
	kind, id, err := chat.ParseChannel(channel)
	if err != nil {
		return false, nil
	}
	if kind == chat.ChannelUser {
		return id == userID, nil
	}
	for _, m := range a.members[channel] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

type socketEnv struct {
	server  *httptest.Server
	hub     *Hub
	gateway *Gateway
	auth    *ChannelAuth
	signer  *auth.Authenticator
}

func newSocketEnv(t *testing.T, members map[string][]int64) *socketEnv {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(nil)
	signer := auth.NewAuthenticator("secret", "miniblog", time.Hour)
	channels := NewChannelAuth(staticAuthorizer{members: members}, signer, logger, nil)

	cfg := DefaultConnectionConfig()
	cfg.PingInterval = time.Minute
	handler := NewHandler(hub, channels, func(r *http.Request) (int64, error) {
		id, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			return 0, errors.New("no user")
		}
		return id, nil
	}, cfg, logger)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &socketEnv{
		server:  server,
		hub:     hub,
		gateway: NewGateway(hub, nil, logger, nil),
		auth:    channels,
		signer:  signer,
	}
}

func (e *socketEnv) dial(t *testing.T, userID int64) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?user=" + strconv.FormatInt(userID, 10)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	f := readFrame(t, ws)
	require.Equal(t, FrameConnectionEstablished, f.Event)
	var est ConnectionEstablished
	require.NoError(t, json.Unmarshal(f.Data, &est))
	require.NotEmpty(t, est.SocketID)
	return ws, est.SocketID
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func sendSubscribe(t *testing.T, ws *websocket.Conn, channel, grant string) {
	t.Helper()
	data, _ := json.Marshal(SubscribeRequest{Channel: channel, Auth: grant})
	require.NoError(t, ws.WriteJSON(Frame{Event: FrameSubscribe, Data: data}))
}

func TestSocketSubscribeAndReceive(t *testing.T) {
	channel := chat.ConversationChannel(5)
	env := newSocketEnv(t, map[string][]int64{channel: {1, 2}})
	ctx := context.Background()

	ws, socketID := env.dial(t, 1)
	grant, err := env.auth.Grant(ctx, 1, socketID, channel)
	require.NoError(t, err)

	sendSubscribe(t, ws, channel, grant)
	f := readFrame(t, ws)
	assert.Equal(t, FrameSubscriptionSucceeded, f.Event)
	assert.Equal(t, channel, f.Channel)

	env.gateway.Publish(ctx, chat.Event{Channel: channel, Name: chat.EventMessageSent, Data: map[string]string{"content": "hi"}})
	f = readFrame(t, ws)
	assert.Equal(t, chat.EventMessageSent, f.Event)
	assert.JSONEq(t, `{"content":"hi"}`, string(f.Data))
}

func TestSocketSubscribeRechecksMembership(t *testing.T) {
	channel := chat.ConversationChannel(5)
	env := newSocketEnv(t, map[string][]int64{channel: {1}})
	ctx := context.Background()

	_, err := env.auth.Grant(ctx, 3, "whatever", channel)
	assert.ErrorIs(t, err, ErrChannelForbidden)

	ws, socketID := env.dial(t, 3)
	grant, err := env.signer.SignChannel(3, socketID, channel)
	require.NoError(t, err)

	sendSubscribe(t, ws, channel, grant)
	f := readFrame(t, ws)
	assert.Equal(t, FrameSubscriptionError, f.Event)
	var data ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, http.StatusForbidden, data.Status)
	assert.False(t, env.hub.Subscribed(channel, socketID))
}

func TestSocketRejectsGrantForAnotherSocket(t *testing.T) {
	channel := chat.UserChannel(1)
	env := newSocketEnv(t, nil)
	ctx := context.Background()

	ws, _ := env.dial(t, 1)
	grant, err := env.auth.Grant(ctx, 1, "some-other-socket", channel)
	require.NoError(t, err)

	sendSubscribe(t, ws, channel, grant)
	f := readFrame(t, ws)
	assert.Equal(t, FrameSubscriptionError, f.Event)
}

func TestSocketPing(t *testing.T) {
	env := newSocketEnv(t, nil)
	ws, _ := env.dial(t, 1)

	require.NoError(t, ws.WriteJSON(Frame{Event: FramePing}))
	assert.Equal(t, FramePong, readFrame(t, ws).Event)
}

func TestSocketRequiresAuthentication(t *testing.T) {
	env := newSocketEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
