// Package client is a Go client for the coralgate wire protocol: request
// correlation, push and system frame callbacks, and automatic heartbeat
// pong echoes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/protocol"
	"github.com/coralbase/coralgate/realtime/ws"
)

// ErrClosed is returned by Call after the connection has closed.
var ErrClosed = errors.New("client: connection closed")

// Push is a server-initiated subscription notification.
type Push struct {
	Channel        string
	SubscriptionID string
	Data           json.RawMessage
}

// Config controls a Client. Callback fields are invoked from the read
// goroutine and must not block.
type Config struct {
	URL    string
	Header http.Header
	// OnPush receives subscription and event pushes.
	OnPush func(p Push)
	// OnSystem receives system frames (e.g. shutdown notices).
	OnSystem func(event string, gracePeriodMS int64)
	// OnPing receives heartbeat pings after the automatic pong echo.
	OnPing func(timestamp int64)
	// DisableAutoPong suppresses the automatic pong echo. Useful for
	// exercising heartbeat timeouts.
	DisableAutoPong bool
	Logger          zerolog.Logger
}

type callReply struct {
	data json.RawMessage
	err  error
}

// Client is a single-connection protocol client. Safe for concurrent
// Call use.
type Client struct {
	cfg  Config
	sock *ws.Conn
	log  zerolog.Logger

	welcome protocol.Welcome

	// wmu serializes socket writes; gorilla allows one writer at a time.
	wmu sync.Mutex

	mu      sync.Mutex
	pending map[float64]chan callReply
	nextID  float64
	closed  bool

	done chan struct{}
}

// Dial connects, consumes the welcome frame and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	sock, _, err := ws.Dial(ctx, cfg.URL, ws.DialOptions{Header: cfg.Header})
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		sock:    sock,
		log:     cfg.Logger,
		pending: make(map[float64]chan callReply),
		done:    make(chan struct{}),
	}
	_, raw, err := sock.ReadMessage(ctx)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := json.Unmarshal(raw, &c.welcome); err != nil || c.welcome.Type != "welcome" {
		_ = sock.Close()
		return nil, errors.New("client: expected welcome frame")
	}
	go c.readLoop()
	return c, nil
}

// Welcome returns the server's welcome frame.
func (c *Client) Welcome() protocol.Welcome {
	return c.welcome
}

// Call sends a request and waits for its terminal frame. fields holds the
// operation parameters; id and type are filled in by the client. Typed
// protocol errors come back as *cgerrors.Error.
func (c *Client) Call(ctx context.Context, opType string, fields map[string]any) (json.RawMessage, error) {
	frame := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = opType

	ch := make(chan callReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	frame["id"] = id
	c.pending[id] = ch
	c.mu.Unlock()

	b, err := json.Marshal(frame)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	c.wmu.Lock()
	err = c.sock.WriteText(ctx, b)
	c.wmu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply.data, reply.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// CallInto is Call plus JSON decoding of the result data.
func (c *Client) CallInto(ctx context.Context, opType string, fields map[string]any, out any) error {
	data, err := c.Call(ctx, opType, fields)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) dropPending(id float64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close tears down the connection. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.sock.CloseWithStatus(1000, "normal_closure")
	<-c.done
	return err
}

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

type inboundFrame struct {
	Type           string          `json:"type"`
	ID             float64         `json:"id"`
	Data           json.RawMessage `json:"data"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details"`
	Channel        string          `json:"channel"`
	SubscriptionID string          `json:"subscriptionId"`
	Timestamp      int64           `json:"timestamp"`
	Event          string          `json:"event"`
	GracePeriodMS  int64           `json:"gracePeriodMs"`
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, raw, err := c.sock.ReadMessage(context.Background())
		if err != nil {
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Debug().Err(err).Msg("unreadable frame")
			continue
		}
		switch f.Type {
		case "result":
			c.deliver(f.ID, callReply{data: f.Data})
		case "error":
			e := &cgerrors.Error{Code: cgerrors.Code(f.Code), Message: f.Message}
			if len(f.Details) > 0 {
				var details any
				if json.Unmarshal(f.Details, &details) == nil {
					e.Details = details
				}
			}
			c.deliver(f.ID, callReply{err: e})
		case "push":
			if c.cfg.OnPush != nil {
				c.cfg.OnPush(Push{Channel: f.Channel, SubscriptionID: f.SubscriptionID, Data: f.Data})
			}
		case "ping":
			if !c.cfg.DisableAutoPong {
				pong, _ := json.Marshal(map[string]any{"type": "pong", "timestamp": f.Timestamp})
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.wmu.Lock()
				_ = c.sock.WriteText(ctx, pong)
				c.wmu.Unlock()
				cancel()
			}
			if c.cfg.OnPing != nil {
				c.cfg.OnPing(f.Timestamp)
			}
		case "system":
			if c.cfg.OnSystem != nil {
				c.cfg.OnSystem(f.Event, f.GracePeriodMS)
			}
		}
	}
}

func (c *Client) deliver(id float64, reply callReply) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- reply
	} else if id != 0 {
		c.log.Debug().Float64("id", id).Msg("uncorrelated terminal frame")
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.sock.Close()
	close(c.done)
}
