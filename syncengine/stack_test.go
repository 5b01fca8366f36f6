package syncengine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/auth"
	"github.com/nexus-im/miniblog/internal/chat"
	"github.com/nexus-im/miniblog/internal/httpapi"
	"github.com/nexus-im/miniblog/internal/realtime"
	"github.com/nexus-im/miniblog/store/conversation"
	"github.com/nexus-im/miniblog/store/user"
	"github.com/nexus-im/miniblog/syncengine"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type stack struct {
	server *httptest.Server
	hub    *realtime.Hub
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	users := user.NewMemoryStore()
	tokens := auth.NewAuthenticator("stack-secret", "miniblog", time.Hour)
	hub := realtime.NewHub(nil)
	gateway := realtime.NewGateway(hub, nil, logger, nil)
	svc := chat.NewService(conversation.NewMemoryStore(), users, logger, chat.WithPublisher(gateway))
	channels := realtime.NewChannelAuth(svc, tokens, logger, nil)

	cfg := realtime.DefaultConnectionConfig()
	socket := realtime.NewHandler(hub, channels, func(r *http.Request) (int64, error) {
		id, _, err := httpapi.BearerUser(tokens, r)
		return id, err
	}, cfg, logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Chat:     svc,
		Users:    users,
		Tokens:   tokens,
		Channels: channels,
		Socket:   socket,
		Logger:   logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &stack{server: srv, hub: hub}
}

type participant struct {
	me        syncengine.User
	engine    *syncengine.Engine
	transport *syncengine.WSTransport
}

func (s *stack) join(t *testing.T, name string) *participant {
	t.Helper()
	ctx := context.Background()

	client, err := syncengine.NewHTTPClient(s.server.URL, syncengine.DefaultClientConfig())
	require.NoError(t, err)
	me, err := client.Register(ctx, name, strings.ToLower(name)+"@example.com", "correct horse")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	transport := syncengine.NewWSTransport(wsURL, client.Token, client, zap.NewNop())
	client.UseSocket(transport.SocketID)

	engine := syncengine.New(syncengine.Options{API: client, Transport: transport})
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.Bootstrap(ctx, me))

	p := &participant{me: me, engine: engine, transport: transport}
	s.awaitSubscribed(t, p, chat.UserChannel(me.ID))
	return p
}

func (s *stack) awaitSubscribed(t *testing.T, p *participant, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		id := p.transport.SocketID()
		return id != "" && s.hub.Subscribed(channel, id)
	}, waitFor, tick, "%s never joined %s", p.me.Name, channel)
}

func TestReadReceiptRoundTrip(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	ada := s.join(t, "Ada")
	bob := s.join(t, "Bob")

	wid, err := ada.engine.OpenDMWith(ctx, bob.me)
	require.NoError(t, err)
	require.NoError(t, ada.engine.SendMessage(ctx, wid, "hi"))

	convos := ada.engine.Conversations()
	require.Len(t, convos, 1)
	convID := convos[0].ID
	msgID := convos[0].Messages[0].ID
	require.Equal(t, "Sent", ada.engine.MessageStatus(convID, msgID))

	require.Eventually(t, func() bool { return bob.engine.UnreadCount(convID) == 1 }, waitFor, tick)
	s.awaitSubscribed(t, ada, chat.ConversationChannel(convID))
	s.awaitSubscribed(t, bob, chat.ConversationChannel(convID))

	require.NoError(t, bob.engine.OpenConversation(ctx, convID))
	require.Equal(t, 0, bob.engine.UnreadCount(convID))

	require.Eventually(t, func() bool {
		return ada.engine.MessageStatus(convID, msgID) == "Read by Bob"
	}, waitFor, tick)
}

func TestMessageDeliveredToOtherParticipantOnly(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	ada := s.join(t, "Ada")
	bob := s.join(t, "Bob")

	wid, err := ada.engine.OpenDMWith(ctx, bob.me)
	require.NoError(t, err)
	require.NoError(t, ada.engine.SendMessage(ctx, wid, "first"))
	convID := ada.engine.Conversations()[0].ID

	s.awaitSubscribed(t, bob, chat.ConversationChannel(convID))
	require.NoError(t, ada.engine.SendMessage(ctx, ada.engine.ActiveWindow(), "second"))

	require.Eventually(t, func() bool {
		c, ok := bob.engine.Conversation(convID)
		return ok && len(c.Messages) == 2
	}, waitFor, tick)
	require.Equal(t, 2, bob.engine.UnreadCount(convID))

	c, ok := ada.engine.Conversation(convID)
	require.True(t, ok)
	require.Len(t, c.Messages, 2)
	require.Equal(t, "Bob", ada.engine.Title(convID))
}
