package gateway

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/coralbase/coralgate/audit"
	"github.com/coralbase/coralgate/identity"
	"github.com/coralbase/coralgate/observability"
	"github.com/coralbase/coralgate/permission"
	"github.com/coralbase/coralgate/ratelimit"
	"github.com/coralbase/coralgate/rules"
	"github.com/coralbase/coralgate/store"
)

// HeartbeatConfig controls the server-initiated ping cycle. The effective
// pong grace is exactly one interval; Timeout is informational.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// BackpressureConfig gates push emission. A push is dropped when the
// connection's buffered outbound bytes exceed MaxBufferedBytes times
// HighWaterMark. Request/response and control frames are never gated.
type BackpressureConfig struct {
	MaxBufferedBytes int64
	HighWaterMark    float64
}

// AuthValidateFunc is a custom auth.login hook. It receives the request's
// credentials object and returns the session to install.
type AuthValidateFunc func(credentials map[string]any) (*identity.Session, error)

// Config controls a gateway Server. Zero values take the defaults from
// DefaultConfig; collaborator fields other than Store may be nil.
type Config struct {
	// Store is the key-value collaborator. Required.
	Store store.Store
	// Rules is the rules/event collaborator. When nil, every rules.*
	// operation fails with RULES_NOT_AVAILABLE.
	Rules rules.Engine
	// Identity enables the built-in identity.* operation set.
	Identity identity.Manager
	// AuthValidate enables the custom auth.login/auth.logout pair.
	AuthValidate AuthValidateFunc
	// Audit records dispatched operations when set.
	Audit *audit.Log
	// RateLimit throttles requests per userId (or remote IP when
	// unauthenticated) when set.
	RateLimit *ratelimit.Limiter
	// Permissions authorizes requests. When nil, no permission checks run.
	Permissions *permission.Engine

	// RequireAuth rejects non-auth operations with UNAUTHORIZED until a
	// session is established.
	RequireAuth bool
	// ExposeErrorDetails forwards typed error details to clients. Retry
	// hints on RATE_LIMITED are always forwarded.
	ExposeErrorDetails bool

	Heartbeat    HeartbeatConfig
	Backpressure BackpressureConfig
	// MaxSubscriptionsPerConnection caps live subscriptions per
	// connection; refusals are RATE_LIMITED.
	MaxSubscriptionsPerConnection int
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64

	// AllowedOrigins is the upgrade Origin allow-list. Empty allows any.
	AllowedOrigins []string
	AllowNoOrigin  bool

	Logger   zerolog.Logger
	Observer observability.GatewayObserver
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  30 * time.Second,
		},
		Backpressure: BackpressureConfig{
			MaxBufferedBytes: 1 << 20,
			HighWaterMark:    0.8,
		},
		MaxSubscriptionsPerConnection: 100,
		ReadLimit:                     1 << 20,
		AllowNoOrigin:                 true,
		Logger:                        zerolog.Nop(),
		Observer:                      observability.NoopGatewayObserver,
	}
}

func (c *Config) applyDefaults() error {
	if c.Store == nil {
		return errors.New("gateway: Store is required")
	}
	if c.RequireAuth && c.Identity == nil && c.AuthValidate == nil {
		return errors.New("gateway: RequireAuth needs Identity or AuthValidate")
	}
	d := DefaultConfig()
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = d.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = d.Heartbeat.Timeout
	}
	if c.Backpressure.MaxBufferedBytes <= 0 {
		c.Backpressure.MaxBufferedBytes = d.Backpressure.MaxBufferedBytes
	}
	if c.Backpressure.HighWaterMark <= 0 || c.Backpressure.HighWaterMark > 1 {
		c.Backpressure.HighWaterMark = d.Backpressure.HighWaterMark
	}
	if c.MaxSubscriptionsPerConnection <= 0 {
		c.MaxSubscriptionsPerConnection = d.MaxSubscriptionsPerConnection
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.Observer == nil {
		c.Observer = d.Observer
	}
	return nil
}
