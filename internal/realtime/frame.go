package realtime

import "encoding/json"

// Frame event names exchanged with clients. Application events use the
// chat event names as-is.
const (
	FrameConnectionEstablished = "connection_established"
	FrameSubscribe             = "subscribe"
	FrameUnsubscribe           = "unsubscribe"
	FrameSubscriptionSucceeded = "subscription_succeeded"
	FrameSubscriptionError     = "subscription_error"
	FramePing                  = "ping"
	FramePong                  = "pong"
	FrameError                 = "error"
)

// Frame is the JSON envelope for every websocket message in either direction.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ConnectionEstablished struct {
	SocketID string `json:"socket_id"`
}

type SubscribeRequest struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth"`
}

type ErrorData struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// EncodeFrame marshals data and wraps it in a frame.
func EncodeFrame(event, channel string, data any) ([]byte, error) {
	f := Frame{Event: event, Channel: channel}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}
