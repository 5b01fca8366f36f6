package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameSize     = 64 * 1024
	subscribeTimeout = 3 * time.Second
)

// Authenticate resolves the user behind a websocket upgrade request.
type Authenticate func(r *http.Request) (int64, error)

// Handler upgrades HTTP requests to websockets and runs the client
// protocol: subscribe, unsubscribe and ping.
type Handler struct {
	hub          *Hub
	channels     *ChannelAuth
	authenticate Authenticate
	cfg          ConnectionConfig
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

func NewHandler(hub *Hub, channels *ChannelAuth, authenticate Authenticate, cfg ConnectionConfig, logger *zap.Logger) *Handler {
	return &Handler{
		hub:          hub,
		channels:     channels,
		authenticate: authenticate,
		cfg:          cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("socket"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(userID, ws, h.cfg)
	h.hub.Attach(conn)
	conn.Start()
	defer func() {
		h.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "bye")
	}()

	log := h.logger.With(zap.String("socket_id", conn.ID()), zap.Int64("user_id", userID))
	log.Debug("socket connected")

	h.reply(conn, FrameConnectionEstablished, "", ConnectionEstablished{SocketID: conn.ID()})

	pongWait := 2 * h.cfg.PingInterval
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("socket read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if !conn.Allow() {
			h.replyError(conn, "", http.StatusTooManyRequests, "rate limit exceeded")
			continue
		}

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.replyError(conn, "", http.StatusBadRequest, "malformed frame")
			continue
		}
		h.dispatch(r.Context(), conn, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, frame Frame) {
	switch frame.Event {
	case FrameSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.Channel == "" {
			h.replyError(conn, "", http.StatusBadRequest, "subscribe requires a channel")
			return
		}
		h.subscribe(ctx, conn, req)
	case FrameUnsubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.Channel == "" {
			h.replyError(conn, "", http.StatusBadRequest, "unsubscribe requires a channel")
			return
		}
		h.hub.Unsubscribe(req.Channel, conn)
	case FramePing:
		h.reply(conn, FramePong, "", nil)
	default:
		h.replyError(conn, "", http.StatusBadRequest, "unknown event")
	}
}

// subscribe admits conn to a channel. Membership is re-checked here even
// when the grant is valid.
func (h *Handler) subscribe(ctx context.Context, conn *Connection, req SubscribeRequest) {
	sctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	if err := h.channels.Admit(sctx, conn, req.Channel, req.Auth); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrChannelForbidden) {
			status = http.StatusForbidden
		}
		h.reply(conn, FrameSubscriptionError, req.Channel, ErrorData{Status: status, Message: err.Error()})
		return
	}

	h.hub.Subscribe(req.Channel, conn)
	h.reply(conn, FrameSubscriptionSucceeded, req.Channel, nil)
}

func (h *Handler) reply(conn *Connection, event, channel string, data any) {
	payload, err := EncodeFrame(event, channel, data)
	if err != nil {
		h.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	_ = conn.Send(payload)
}

func (h *Handler) replyError(conn *Connection, channel string, status int, msg string) {
	h.reply(conn, FrameError, channel, ErrorData{Status: status, Message: msg})
}
