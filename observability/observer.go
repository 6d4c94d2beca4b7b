// Package observability defines the metric event surface the gateway
// emits. Implementations must be cheap; hooks fire on every frame.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type FrameDirection string

const (
	FrameRead  FrameDirection = "read"
	FrameWrite FrameDirection = "write"
)

type CloseReason string

const (
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonServerShutdown   CloseReason = "server_shutdown"
	CloseReasonWriteError       CloseReason = "write_error"
	CloseReasonReadError        CloseReason = "read_error"
)

// GatewayObserver receives connection and request metric events.
type GatewayObserver interface {
	ConnCount(n int64)
	Frame(direction FrameDirection)
	Request(operation, code string, d time.Duration)
	PushDelivered()
	PushDropped()
	SubscriptionCount(n int64)
	Close(reason CloseReason)
}

type noopGatewayObserver struct{}

func (noopGatewayObserver) ConnCount(int64)                       {}
func (noopGatewayObserver) Frame(FrameDirection)                  {}
func (noopGatewayObserver) Request(string, string, time.Duration) {}
func (noopGatewayObserver) PushDelivered()                        {}
func (noopGatewayObserver) PushDropped()                          {}
func (noopGatewayObserver) SubscriptionCount(int64)               {}
func (noopGatewayObserver) Close(CloseReason)                     {}

// NoopGatewayObserver is a zero-cost observer used when metrics are
// disabled.
var NoopGatewayObserver GatewayObserver = noopGatewayObserver{}

// AtomicGatewayObserver swaps its delegate at runtime.
type AtomicGatewayObserver struct {
	once sync.Once
	v    atomic.Value
}

type observerHolder struct {
	obs GatewayObserver
}

// NewAtomicGatewayObserver returns an initialized atomic observer.
func NewAtomicGatewayObserver() *AtomicGatewayObserver {
	a := &AtomicGatewayObserver{}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: NoopGatewayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicGatewayObserver) Set(obs GatewayObserver) {
	if obs == nil {
		obs = NoopGatewayObserver
	}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: NoopGatewayObserver}) })
	a.v.Store(&observerHolder{obs: obs})
}

func (a *AtomicGatewayObserver) load() GatewayObserver {
	a.once.Do(func() { a.v.Store(&observerHolder{obs: NoopGatewayObserver}) })
	return a.v.Load().(*observerHolder).obs
}

func (a *AtomicGatewayObserver) ConnCount(n int64)      { a.load().ConnCount(n) }
func (a *AtomicGatewayObserver) Frame(d FrameDirection) { a.load().Frame(d) }

func (a *AtomicGatewayObserver) Request(op, code string, d time.Duration) {
	a.load().Request(op, code, d)
}

func (a *AtomicGatewayObserver) PushDelivered()            { a.load().PushDelivered() }
func (a *AtomicGatewayObserver) PushDropped()              { a.load().PushDropped() }
func (a *AtomicGatewayObserver) SubscriptionCount(n int64) { a.load().SubscriptionCount(n) }
func (a *AtomicGatewayObserver) Close(reason CloseReason)  { a.load().Close(reason) }
