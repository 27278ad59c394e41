package stream

import "encoding/json"

// State describes the session's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// envelope is the outer frame of every stream message.
type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// authRequest is sent immediately after the socket opens.
type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// authResponse acknowledges or rejects the auth frame.
type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message,omitempty"`
}

// channelRequest subscribes to or unsubscribes from a channel.
type channelRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

const (
	msgAuth        = "auth"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"
	msgPong        = "pong"
	msgMarketData  = "market_data"
	msgOrderUpdate = "order_update"
)

// marketDataChannel names the per-symbol quote channel.
func marketDataChannel(symbol string) string {
	return "market_data_" + symbol
}
