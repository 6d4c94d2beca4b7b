package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coralbase/coralgate/identity"
	"github.com/coralbase/coralgate/observability"
	"github.com/coralbase/coralgate/protocol"
	"github.com/coralbase/coralgate/realtime/ws"
)

type msgKind uint8

const (
	msgFrame msgKind = iota
	msgPush
)

type inboxMsg struct {
	kind msgKind
	raw  []byte
	push protocol.Push
}

type stopRequest struct {
	code   int
	reason string
}

type frameClass uint8

const (
	classControl frameClass = iota // welcome/result/error/ping/system: never dropped.
	classPush                      // subscription/event pushes: dropped under backpressure.
)

type detacher interface {
	Detach()
}

type connSub struct {
	channel string // protocol.ChannelSubscription or protocol.ChannelEvent.
	handle  detacher
}

// Conn is one connection actor. All session, subscription and heartbeat
// state is owned by the run goroutine; other goroutines interact only
// through the inbox, the outbox and the stop channel.
type Conn struct {
	id          string
	remoteAddr  string
	connectedAt int64
	srv         *Server
	sock        *ws.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	inbox   chan inboxMsg
	sockErr chan error
	stop    chan stopRequest

	outbox   chan []byte
	buffered atomic.Int64 // Bytes queued in outbox.

	// Actor-owned; touched only by run().
	session      *identity.Session
	sessionToken string
	subs         map[string]*connSub
	nextSubID    int
	lastPingAt   int64
	lastPongAt   int64
	pingSent     bool

	// Registry snapshot, updated by the actor on state changes.
	metaMu sync.Mutex
	meta   ConnectionInfo
}

func newConn(s *Server, sock *ws.Conn, id, remoteAddr string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now().UnixMilli(),
		srv:         s,
		sock:        sock,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		inbox:       make(chan inboxMsg, 256),
		sockErr:     make(chan error, 1),
		stop:        make(chan stopRequest, 1),
		outbox:      make(chan []byte, 256),
		subs:        make(map[string]*connSub),
	}
	c.meta = ConnectionInfo{
		ConnectionID:  id,
		RemoteAddress: remoteAddr,
		ConnectedAt:   c.connectedAt,
	}
	return c
}

// start launches the writer, the reader and the actor loop, and emits the
// welcome frame. The welcome is enqueued before the reader can produce
// any inbound work, so it is always the first frame on the wire.
func (c *Conn) start() {
	c.sock.SetReadLimit(c.srv.cfg.ReadLimit)
	go c.writeLoop()
	c.send(protocol.NewWelcome(time.Now().UnixMilli(), c.srv.cfg.RequireAuth), classControl)
	go c.readLoop()
	go c.run()
}

func (c *Conn) info() ConnectionInfo {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.meta
}

// publishMeta refreshes the registry snapshot from actor state.
func (c *Conn) publishMeta() {
	storeSubs, rulesSubs := 0, 0
	for _, sub := range c.subs {
		if sub.channel == protocol.ChannelSubscription {
			storeSubs++
		} else {
			rulesSubs++
		}
	}
	c.metaMu.Lock()
	c.meta.Authenticated = c.session != nil
	if c.session != nil {
		c.meta.UserID = c.session.UserID
	} else {
		c.meta.UserID = ""
	}
	c.meta.StoreSubscriptions = storeSubs
	c.meta.RulesSubscriptions = rulesSubs
	c.metaMu.Unlock()
}

// setSession replaces the connection's session wholesale.
func (c *Conn) setSession(sess *identity.Session, token string) {
	c.session = sess
	c.sessionToken = token
	c.publishMeta()
}

// enqueuePush hands a broker notification to the actor. Engine sinks call
// this under their own locks, so it must never block; a full inbox drops
// the push, which is safe because pushes carry full snapshots.
func (c *Conn) enqueuePush(p protocol.Push) {
	select {
	case c.inbox <- inboxMsg{kind: msgPush, push: p}:
	default:
		c.srv.obs.PushDropped()
	}
}

// requestStop asks the actor to tear down with the given close code.
func (c *Conn) requestStop(code int, reason string) {
	select {
	case c.stop <- stopRequest{code: code, reason: reason}:
	default:
	}
}

// send encodes and queues an outbound frame. Push frames are dropped when
// the queued bytes exceed the backpressure threshold; control frames
// always queue (blocking if necessary) so request/response traffic
// survives pressure.
func (c *Conn) send(frame any, class frameClass) {
	b, err := protocol.Encode(frame)
	if err != nil {
		c.srv.log.Error().Err(err).Str("conn", c.id).Msg("frame encode failed")
		return
	}
	if class == classPush {
		bp := c.srv.cfg.Backpressure
		threshold := int64(float64(bp.MaxBufferedBytes) * bp.HighWaterMark)
		if c.buffered.Load()+int64(len(b)) > threshold {
			c.srv.obs.PushDropped()
			return
		}
	}
	c.buffered.Add(int64(len(b)))
	select {
	case c.outbox <- b:
		if class == classPush {
			c.srv.obs.PushDelivered()
		}
	case <-c.ctx.Done():
		c.buffered.Add(-int64(len(b)))
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.outbox:
			c.buffered.Add(-int64(len(b)))
			if err := c.sock.WriteText(c.ctx, b); err != nil {
				select {
				case c.sockErr <- err:
				default:
				}
				return
			}
			c.srv.obs.Frame(observability.FrameWrite)
		}
	}
}

func (c *Conn) readLoop() {
	for {
		_, raw, err := c.sock.ReadMessage(c.ctx)
		if err != nil {
			select {
			case c.sockErr <- err:
			default:
			}
			return
		}
		c.srv.obs.Frame(observability.FrameRead)
		select {
		case c.inbox <- inboxMsg{kind: msgFrame, raw: raw}:
		case <-c.ctx.Done():
			return
		}
	}
}

// run is the actor loop: one message or tick at a time, no state shared
// with other connections.
func (c *Conn) run() {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error().Any("panic", r).Str("conn", c.id).Msg("actor panicked")
			c.teardown(nil, 1000, "normal_closure", observability.CloseReasonReadError)
		}
	}()

	ticker := time.NewTicker(c.srv.cfg.Heartbeat.Interval)
	for {
		select {
		case msg := <-c.inbox:
			switch msg.kind {
			case msgFrame:
				c.handleFrame(msg.raw)
			case msgPush:
				c.send(msg.push, classPush)
			}
		case now := <-ticker.C:
			if closed := c.heartbeatTick(ticker, now); closed {
				return
			}
		case err := <-c.sockErr:
			reason := observability.CloseReasonPeerClosed
			if c.ctx.Err() == nil {
				c.srv.log.Debug().Err(err).Str("conn", c.id).Msg("socket error")
			}
			c.teardown(ticker, 1000, "normal_closure", reason)
			return
		case req := <-c.stop:
			obsReason := observability.CloseReasonServerShutdown
			c.teardown(ticker, req.code, req.reason, obsReason)
			return
		}
	}
}

// heartbeatTick enforces the pong deadline and emits the next ping. The
// grace is one interval: a ping left unanswered at the following tick
// closes the connection.
func (c *Conn) heartbeatTick(ticker *time.Ticker, now time.Time) bool {
	if c.pingSent && c.lastPongAt < c.lastPingAt {
		c.srv.log.Debug().Str("conn", c.id).Msg("heartbeat timeout")
		c.teardown(ticker, 4001, "heartbeat_timeout", observability.CloseReasonHeartbeatTimeout)
		return true
	}
	ms := now.UnixMilli()
	c.send(protocol.NewPing(ms), classControl)
	c.lastPingAt = ms
	c.pingSent = true
	return false
}

func (c *Conn) handleFrame(raw []byte) {
	req, pong, perr := protocol.DecodeRequest(raw)
	if perr != nil {
		c.send(protocol.NewErrorFrame(0, perr, c.srv.cfg.ExposeErrorDetails), classControl)
		return
	}
	if pong != nil {
		c.lastPongAt = time.Now().UnixMilli()
		return
	}
	if req == nil {
		// Malformed pong, dropped silently.
		return
	}
	c.dispatch(req)
}

// teardown releases everything in a fixed order: heartbeat timer first,
// then subscription detach, then session, then the close frame. Nothing
// can fan out a push after the sources are detached, so no push follows
// the close frame.
func (c *Conn) teardown(ticker *time.Ticker, code int, reason string, obsReason observability.CloseReason) {
	if ticker != nil {
		ticker.Stop()
	}
	for id, sub := range c.subs {
		sub.handle.Detach()
		delete(c.subs, id)
		c.srv.subscriptionRemoved()
	}
	c.setSession(nil, "")
	_ = c.sock.CloseWithStatus(code, reason)
	c.cancel()
	c.srv.unregister(c)
	c.srv.obs.Close(obsReason)
	c.srv.log.Debug().Str("conn", c.id).Str("reason", reason).Msg("connection closed")
}
