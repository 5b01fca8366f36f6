package e2e

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/syncengine"
	"github.com/nexus-im/miniblog/tests/testutil"
)

const (
	waitFor = 10 * time.Second
	tick    = 50 * time.Millisecond
)

type member struct {
	me     syncengine.User
	client *syncengine.HTTPClient
	engine *syncengine.Engine
}

func signUp(t *testing.T, addr, name string) *member {
	t.Helper()
	ctx := context.Background()

	client, err := syncengine.NewHTTPClient(addr, syncengine.DefaultClientConfig())
	require.NoError(t, err)
	email := fmt.Sprintf("%s-%d@example.com", strings.ToLower(name), time.Now().UnixNano())
	me, err := client.Register(ctx, name, email, "correct horse battery")
	require.NoError(t, err)

	ws := "ws" + strings.TrimPrefix(client.Endpoint("/ws"), "http")
	transport := syncengine.NewWSTransport(ws, client.Token, client, zap.NewNop())
	client.UseSocket(transport.SocketID)

	engine := syncengine.New(syncengine.Options{API: client, Transport: transport})
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.Bootstrap(ctx, me))
	require.Eventually(t, transport.Connected, waitFor, tick)
	return &member{me: me, client: client, engine: engine}
}

func TestDirectMessageIsDeliveredAndRead(t *testing.T) {
	addr := testutil.ServerAddr(t)
	ctx := context.Background()
	ada := signUp(t, addr, "Ada")
	bob := signUp(t, addr, "Bob")

	wid, err := ada.engine.OpenDMWith(ctx, bob.me)
	require.NoError(t, err)
	require.NoError(t, ada.engine.SendMessage(ctx, wid, "hello from postgres"))

	convos := ada.engine.Conversations()
	require.Len(t, convos, 1)
	convID := convos[0].ID
	msgID := convos[0].Messages[0].ID

	require.Eventually(t, func() bool { return bob.engine.UnreadCount(convID) == 1 }, waitFor, tick)
	require.NoError(t, bob.engine.OpenConversation(ctx, convID))

	require.Eventually(t, func() bool {
		return ada.engine.MessageStatus(convID, msgID) == "Read by Bob"
	}, waitFor, tick)
}

func TestSecondRequestReusesConversation(t *testing.T) {
	addr := testutil.ServerAddr(t)
	ctx := context.Background()
	ada := signUp(t, addr, "Ada")
	bob := signUp(t, addr, "Bob")

	first, err := ada.client.CreateConversation(ctx, []int64{bob.me.ID}, "one")
	require.NoError(t, err)
	second, err := ada.client.CreateConversation(ctx, []int64{bob.me.ID}, "two")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	c, err := bob.client.Conversation(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, c.Messages, 2)
}

func TestClearedHistoryStaysHiddenForOneSide(t *testing.T) {
	addr := testutil.ServerAddr(t)
	ctx := context.Background()
	ada := signUp(t, addr, "Ada")
	bob := signUp(t, addr, "Bob")

	c, err := ada.client.CreateConversation(ctx, []int64{bob.me.ID}, "before")
	require.NoError(t, err)
	require.NoError(t, ada.client.ClearConversation(ctx, c.ID))

	hidden, err := ada.client.Conversation(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, hidden.Messages)
	list, err := ada.client.Conversations(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	still, err := bob.client.Conversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, still.Messages, 1)

	_, err = bob.client.SendMessage(ctx, c.ID, "after")
	require.NoError(t, err)
	back, err := ada.client.Conversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, back.Messages, 1)
	require.Equal(t, "after", back.Messages[0].Content)
}
