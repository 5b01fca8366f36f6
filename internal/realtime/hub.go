package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Subscriber is a socket the hub can deliver frames to.
type Subscriber interface {
	ID() string
	UserID() int64
	Send(payload []byte) error
	Close(code int, reason string)
}

// Hub tracks live sockets and their channel subscriptions on this node. A
// user may hold several sockets at once.
type Hub struct {
	mu             sync.RWMutex
	sockets        map[string]Subscriber
	channels       map[string]map[string]Subscriber // channel -> socket id -> socket
	socketChannels map[string]map[string]struct{}   // socket id -> channels
	metrics        *Metrics
}

func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		sockets:        make(map[string]Subscriber),
		channels:       make(map[string]map[string]Subscriber),
		socketChannels: make(map[string]map[string]struct{}),
		metrics:        metrics,
	}
}

func (h *Hub) Attach(s Subscriber) {
	h.mu.Lock()
	h.sockets[s.ID()] = s
	h.socketChannels[s.ID()] = make(map[string]struct{})
	h.mu.Unlock()
	h.metrics.connectionOpened()
}

// Detach forgets a socket and all of its subscriptions.
func (h *Hub) Detach(s Subscriber) {
	h.mu.Lock()
	_, tracked := h.sockets[s.ID()]
	dropped := 0
	if tracked {
		delete(h.sockets, s.ID())
		for channel := range h.socketChannels[s.ID()] {
			h.leaveLocked(channel, s.ID())
			dropped++
		}
		delete(h.socketChannels, s.ID())
	}
	h.mu.Unlock()

	if tracked {
		h.metrics.connectionClosed(dropped)
	}
}

// Subscribe adds the socket to channel. It returns false when the socket is
// not attached.
func (h *Hub) Subscribe(channel string, s Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sockets[s.ID()]; !ok {
		return false
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[string]Subscriber)
		h.channels[channel] = members
	}
	if _, already := members[s.ID()]; !already {
		members[s.ID()] = s
		h.socketChannels[s.ID()][channel] = struct{}{}
		h.metrics.subscriptionAdded()
	}
	return true
}

func (h *Hub) Unsubscribe(channel string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[channel][s.ID()]; !ok {
		return
	}
	h.leaveLocked(channel, s.ID())
	delete(h.socketChannels[s.ID()], channel)
	h.metrics.subscriptionsRemoved(1)
}

// Subscribed reports whether socketID currently listens on channel.
func (h *Hub) Subscribed(channel, socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][socketID]
	return ok
}

// Deliver sends payload to every socket on channel except exceptSocket and
// returns the number of sockets that accepted it.
func (h *Hub) Deliver(channel string, payload []byte, exceptSocket string) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.channels[channel]))
	for id, s := range h.channels[channel] {
		if exceptSocket != "" && id == exceptSocket {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	sockets := make([]Subscriber, 0, len(h.sockets))
	for _, s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.sockets = make(map[string]Subscriber)
	h.channels = make(map[string]map[string]Subscriber)
	h.socketChannels = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, s := range sockets {
		s.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) leaveLocked(channel, socketID string) {
	members := h.channels[channel]
	if members == nil {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}
