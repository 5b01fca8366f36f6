package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/chat"
)

const relayTimeout = 3 * time.Second

// Envelope carries an encoded frame between nodes.
type Envelope struct {
	Origin       string          `json:"origin"`
	Channel      string          `json:"channel"`
	ExceptSocket string          `json:"except_socket,omitempty"`
	Frame        json.RawMessage `json:"frame"`
}

// Relay fans envelopes out to the other nodes of a cluster.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handle func(Envelope)) error
}

// Gateway publishes chat events to subscribed sockets on this node and,
// when a relay is configured, on every other node.
type Gateway struct {
	hub     *Hub
	relay   Relay
	node    string
	logger  *zap.Logger
	metrics *Metrics
}

func NewGateway(hub *Hub, relay Relay, logger *zap.Logger, metrics *Metrics) *Gateway {
	return &Gateway{
		hub:     hub,
		relay:   relay,
		node:    uuid.NewString(),
		logger:  logger.Named("gateway"),
		metrics: metrics,
	}
}

// Publish implements chat.Publisher. Delivery is best effort; failures are
// logged and never reach the caller.
func (g *Gateway) Publish(ctx context.Context, ev chat.Event) {
	frame, err := EncodeFrame(ev.Name, ev.Channel, ev.Data)
	if err != nil {
		g.logger.Error("encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	g.metrics.eventPublished(ev.Name)
	n := g.hub.Deliver(ev.Channel, frame, ev.ExceptSocket)
	g.logger.Debug("event delivered",
		zap.String("event", ev.Name),
		zap.String("channel", ev.Channel),
		zap.Int("sockets", n),
	)

	if g.relay == nil {
		return
	}
	env := Envelope{Origin: g.node, Channel: ev.Channel, ExceptSocket: ev.ExceptSocket, Frame: frame}
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
		defer cancel()
		if err := g.relay.Publish(rctx, env); err != nil {
			g.metrics.relayFailed()
			g.logger.Warn("relay publish failed", zap.String("channel", ev.Channel), zap.Error(err))
		}
	}()
}

// Run delivers envelopes published by other nodes until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	if g.relay == nil {
		<-ctx.Done()
		return nil
	}
	return g.relay.Subscribe(ctx, func(env Envelope) {
		if env.Origin == g.node {
			return
		}
		g.hub.Deliver(env.Channel, env.Frame, env.ExceptSocket)
	})
}
