// Package protocol defines the JSON frame grammar spoken over a gateway
// WebSocket: inbound requests and pongs, outbound welcome/result/error/
// push/ping/system frames.
package protocol

import (
	"encoding/json"

	"github.com/coralbase/coralgate/cgerrors"
)

// Version is the single advertised protocol version.
const Version = "1.0.0"

// Push channels.
const (
	ChannelSubscription = "subscription"
	ChannelEvent        = "event"
)

// Welcome is the first frame sent after a successful upgrade.
type Welcome struct {
	Type         string `json:"type"`
	Version      string `json:"version"`
	ServerTime   int64  `json:"serverTime"`
	RequiresAuth bool   `json:"requiresAuth"`
}

// NewWelcome builds a welcome frame for the given server time (epoch ms).
func NewWelcome(serverTime int64, requiresAuth bool) Welcome {
	return Welcome{Type: "welcome", Version: Version, ServerTime: serverTime, RequiresAuth: requiresAuth}
}

// Result is the terminal success frame for a request.
type Result struct {
	ID   float64 `json:"id"`
	Type string  `json:"type"`
	Data any     `json:"data"`
}

// NewResult builds a result frame correlated by id.
func NewResult(id float64, data any) Result {
	return Result{ID: id, Type: "result", Data: data}
}

// ErrorFrame is the terminal failure frame for a request. Frames that could
// not be correlated carry id 0.
type ErrorFrame struct {
	ID      float64 `json:"id"`
	Type    string  `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details any     `json:"details,omitempty"`
}

// NewErrorFrame renders a typed error for the wire. When exposeDetails is
// false the details payload is elided; retry hints on RATE_LIMITED are kept
// because clients depend on retryAfterMs.
func NewErrorFrame(id float64, e *cgerrors.Error, exposeDetails bool) ErrorFrame {
	f := ErrorFrame{ID: id, Type: "error", Code: string(e.Code), Message: e.Message}
	if exposeDetails || e.Code == cgerrors.CodeRateLimited {
		f.Details = e.Details
	}
	return f
}

// Push is a server-initiated frame for one subscription. It never carries
// an id.
type Push struct {
	Type           string `json:"type"`
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscriptionId"`
	Data           any    `json:"data"`
}

// NewPush builds a push frame for a subscription channel.
func NewPush(channel string, subscriptionID string, data any) Push {
	return Push{Type: "push", Channel: channel, SubscriptionID: subscriptionID, Data: data}
}

// Ping is the server heartbeat probe.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPing builds a heartbeat ping carrying the send time (epoch ms).
func NewPing(timestamp int64) Ping {
	return Ping{Type: "ping", Timestamp: timestamp}
}

// System is an out-of-band server notice (currently only shutdown).
type System struct {
	Type          string `json:"type"`
	Event         string `json:"event"`
	GracePeriodMS int64  `json:"gracePeriodMs,omitempty"`
}

// NewShutdownNotice builds the shutdown system frame.
func NewShutdownNotice(gracePeriodMS int64) System {
	return System{Type: "system", Event: "shutdown", GracePeriodMS: gracePeriodMS}
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
