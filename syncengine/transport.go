package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/realtime"
)

// Handler receives application events delivered on a subscribed channel.
type Handler func(event string, data json.RawMessage)

// Transport is the single shared realtime connection. Subscribe and
// Unsubscribe never block on the network. Channels are joined in the order
// they were subscribed; a transport that reconnects replays its tracked
// subscriptions in that order before running OnConnect callbacks.
type Transport interface {
	Connect(ctx context.Context)
	Close() error
	Connected() bool
	SocketID() string
	Subscribe(channel string, h Handler)
	Unsubscribe(channel string)
	OnConnect(fn func())
}

// ChannelAuthorizer fetches subscription grants for private channels.
type ChannelAuthorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error)
}

var errNoHandshake = errors.New("socket closed before handshake")

// WSTransport is a Transport over the gateway's websocket protocol.
type WSTransport struct {
	url        string
	token      func() string
	auth       ChannelAuthorizer
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	conn      *websocket.Conn
	socketID  string
	subs      map[string]Handler
	order     []string
	joinQueue []string
	wake      chan struct{}
	onConnect []func()
}

// NewWSTransport dials url (ws:// or wss://) authenticating with token.
func NewWSTransport(url string, token func() string, auth ChannelAuthorizer, logger *zap.Logger) *WSTransport {
	return &WSTransport{
		url:    url,
		token:  token,
		auth:   auth,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logger.Named("transport"),
		subs:   make(map[string]Handler),
	}
}

// Connect starts the connection loop. Calling it while running is a no-op.
func (t *WSTransport) Connect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	go t.run(t.ctx)
}

// Close stops the connection loop and forgets every subscription.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	cancel, conn := t.cancel, t.conn
	t.cancel, t.conn, t.socketID = nil, nil, ""
	t.subs = make(map[string]Handler)
	t.order, t.joinQueue = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *WSTransport) SocketID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socketID
}

func (t *WSTransport) OnConnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

func (t *WSTransport) Subscribe(channel string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[channel]; !ok {
		t.order = append(t.order, channel)
	}
	t.subs[channel] = h
	if t.conn != nil {
		t.joinQueue = append(t.joinQueue, channel)
		t.signalLocked()
	}
}

func (t *WSTransport) Unsubscribe(channel string) {
	t.mu.Lock()
	delete(t.subs, channel)
	t.order = slices.DeleteFunc(t.order, func(ch string) bool { return ch == channel })
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		go func() {
			if err := t.write(conn, realtime.FrameUnsubscribe, realtime.SubscribeRequest{Channel: channel}); err != nil {
				t.logger.Debug("unsubscribe failed", zap.String("channel", channel), zap.Error(err))
			}
		}()
	}
}

func (t *WSTransport) run(ctx context.Context) {
	b := t.newBackOff()
	for {
		established, err := t.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.logger.Error("giving up reconnecting", zap.Error(err))
			return
		}
		t.logger.Warn("socket lost, reconnecting", zap.Duration("in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session dials once and reads until the connection drops. It reports
// whether the handshake completed.
func (t *WSTransport) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if tok := t.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	socketID, err := handshake(conn)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	wake := make(chan struct{}, 1)
	t.mu.Lock()
	t.conn, t.socketID = conn, socketID
	t.joinQueue = slices.Clone(t.order)
	t.wake = wake
	t.signalLocked()
	callbacks := append([]func(){}, t.onConnect...)
	t.mu.Unlock()
	t.logger.Debug("socket connected", zap.String("socket_id", socketID))

	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn, t.socketID = nil, ""
		}
		t.mu.Unlock()
		_ = conn.Close()
	}()

	go t.joinLoop(ctx, conn, socketID, wake, done)
	for _, fn := range callbacks {
		fn()
	}

	for {
		var frame realtime.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return true, err
		}
		t.dispatch(frame)
	}
}

func handshake(conn *websocket.Conn) (string, error) {
	var frame realtime.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", errors.Join(errNoHandshake, err)
	}
	if frame.Event != realtime.FrameConnectionEstablished {
		return "", fmt.Errorf("unexpected first frame %q", frame.Event)
	}
	var est realtime.ConnectionEstablished
	if err := json.Unmarshal(frame.Data, &est); err != nil {
		return "", fmt.Errorf("malformed handshake: %w", err)
	}
	if est.SocketID == "" {
		return "", errors.New("handshake without socket id")
	}
	return est.SocketID, nil
}

func (t *WSTransport) dispatch(frame realtime.Frame) {
	switch frame.Event {
	case realtime.FrameSubscriptionSucceeded, realtime.FramePong:
	case realtime.FrameSubscriptionError, realtime.FrameError:
		var data realtime.ErrorData
		_ = json.Unmarshal(frame.Data, &data)
		t.logger.Warn("server rejected frame",
			zap.String("event", frame.Event),
			zap.String("channel", frame.Channel),
			zap.Int("status", data.Status),
			zap.String("message", data.Message))
	default:
		t.mu.Lock()
		h := t.subs[frame.Channel]
		t.mu.Unlock()
		if h != nil {
			h(frame.Event, frame.Data)
		}
	}
}

func (t *WSTransport) signalLocked() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// joinLoop drains the join queue of one session, one channel at a time,
// until the session ends.
func (t *WSTransport) joinLoop(ctx context.Context, conn *websocket.Conn, socketID string, wake <-chan struct{}, done <-chan struct{}) {
	for {
		t.mu.Lock()
		if t.conn != conn {
			t.mu.Unlock()
			return
		}
		if len(t.joinQueue) == 0 {
			t.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-wake:
			}
			continue
		}
		channel := t.joinQueue[0]
		t.joinQueue = t.joinQueue[1:]
		_, tracked := t.subs[channel]
		t.mu.Unlock()

		if tracked {
			t.join(ctx, conn, socketID, channel)
		}
	}
}

// join authorizes channel for socketID and sends the subscribe frame.
func (t *WSTransport) join(ctx context.Context, conn *websocket.Conn, socketID, channel string) {
	grant, err := t.auth.AuthorizeChannel(ctx, socketID, channel)
	if err != nil {
		t.logger.Warn("channel authorization failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := t.write(conn, realtime.FrameSubscribe, realtime.SubscribeRequest{Channel: channel, Auth: grant}); err != nil {
		t.logger.Debug("subscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (t *WSTransport) write(conn *websocket.Conn, event string, data any) error {
	payload, err := realtime.EncodeFrame(event, "", data)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
