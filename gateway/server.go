// Package gateway implements the JSON-over-WebSocket protocol server: an
// actor per connection, a supervising registry, the request pipeline and
// the subscription fan-out onto the store and rules collaborators.
package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coralbase/coralgate/observability"
	"github.com/coralbase/coralgate/protocol"
	"github.com/coralbase/coralgate/realtime/ws"
)

// ConnectionInfo is one registry snapshot row.
type ConnectionInfo struct {
	ConnectionID       string `json:"connectionId"`
	RemoteAddress      string `json:"remoteAddress"`
	ConnectedAt        int64  `json:"connectedAt"` // Epoch ms.
	Authenticated      bool   `json:"authenticated"`
	UserID             string `json:"userId,omitempty"`
	StoreSubscriptions int    `json:"storeSubscriptions"`
	RulesSubscriptions int    `json:"rulesSubscriptions"`
}

// Server supervises one actor per accepted connection. Actors are
// temporary children: a failed actor is unregistered, never restarted,
// and cannot disturb its siblings.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	obs      observability.GatewayObserver
	handlers map[string]handlerFunc

	startedAt time.Time
	subCount  atomic.Int64 // Live subscriptions across all connections.

	mu           sync.RWMutex
	conns        map[string]*Conn
	shuttingDown bool
}

// New validates the config and returns a Server ready to accept
// upgrades via ServeHTTP.
func New(cfg Config) (*Server, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		obs:       cfg.Observer,
		startedAt: time.Now(),
		conns:     make(map[string]*Conn),
	}
	s.handlers = s.buildHandlers()
	return s, nil
}

// ServeHTTP upgrades the request and hands the socket to a new actor.
// During shutdown the upgrade still completes so the client receives
// close code 1001.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checkOrigin := func(*http.Request) bool { return true }
	if len(s.cfg.AllowedOrigins) > 0 {
		checkOrigin = ws.NewOriginChecker(s.cfg.AllowedOrigins, s.cfg.AllowNoOrigin)
	}
	sock, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: checkOrigin})
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = sock.CloseWithStatus(1001, "server_shutting_down")
		return
	}
	c := newConn(s, sock, uuid.NewString(), r.RemoteAddr)
	s.conns[c.id] = c
	n := int64(len(s.conns))
	s.mu.Unlock()

	s.obs.ConnCount(n)
	s.log.Debug().Str("conn", c.id).Str("remote", c.remoteAddr).Msg("connection accepted")
	c.start()
}

// Count reports the number of live connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the registry.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	return out
}

// unregister removes an actor from the registry after its teardown.
func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	n := int64(len(s.conns))
	s.mu.Unlock()
	s.obs.ConnCount(n)
	s.log.Debug().Str("conn", c.id).Msg("connection removed")
}

// Stop drains the server. With a grace period it broadcasts a shutdown
// notice, waits up to grace for clients to disconnect voluntarily, then
// force-closes stragglers with 1000 server_shutdown. Without a grace
// period every connection is closed immediately with 1000
// normal_closure. New upgrades are refused from the first moment.
func (s *Server) Stop(grace time.Duration) {
	s.mu.Lock()
	s.shuttingDown = true
	live := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	reason := "normal_closure"
	if grace > 0 {
		reason = "server_shutdown"
		notice := protocol.NewShutdownNotice(grace.Milliseconds())
		for _, c := range live {
			c.send(notice, classControl)
		}
		s.log.Info().Int("connections", len(live)).Dur("grace", grace).Msg("shutdown notice broadcast")

		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if s.Count() == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.mu.RLock()
	remaining := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		remaining = append(remaining, c)
	}
	s.mu.RUnlock()
	for _, c := range remaining {
		c.requestStop(1000, reason)
	}
	for _, c := range remaining {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			s.log.Warn().Str("conn", c.id).Msg("actor did not stop in time")
		}
	}

	if s.cfg.RateLimit != nil {
		s.cfg.RateLimit.Close()
	}
	s.log.Info().Msg("gateway stopped")
}

func (s *Server) subscriptionAdded() {
	s.obs.SubscriptionCount(s.subCount.Add(1))
}

func (s *Server) subscriptionRemoved() {
	s.obs.SubscriptionCount(s.subCount.Add(-1))
}
