// Package rules defines the rules/event collaborator contract: event
// emission, a fact store, a rule registry and topic-pattern subscriptions.
// The reference engine lives in rules/memrules.
package rules

// Event is an emitted payload delivered to matching subscriptions and
// rules.
type Event struct {
	Topic         string         `json:"topic"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     int64          `json:"timestamp"` // Epoch ms.
}

// Rule is a declarative reaction: when an event matching Topic arrives,
// the engine emits Emit with the merged data.
type Rule struct {
	Name    string         `json:"name"`
	Topic   string         `json:"topic"`          // Pattern, "*" and "prefix.*" wildcards.
	When    map[string]any `json:"when,omitempty"` // Equality conditions on event data.
	Emit    string         `json:"emit,omitempty"` // Topic to emit on match.
	Data    map[string]any `json:"data,omitempty"` // Extra data merged into the emitted event.
	Enabled bool           `json:"enabled"`
}

// Subscription is a live topic registration handle. After Detach returns,
// the sink will not be invoked again.
type Subscription interface {
	Detach()
}

// Engine is the rules surface the gateway consumes. Sinks must be
// non-blocking; the gateway supplies inbox enqueuers.
type Engine interface {
	Emit(topic string, data map[string]any) error
	EmitCorrelated(topic string, data map[string]any, correlationID string) error

	SetFact(key string, value any) error
	GetFact(key string) (any, bool)
	DeleteFact(key string) bool
	QueryFacts(pattern string) map[string]any
	AllFacts() map[string]any

	Register(rule Rule) error
	Unregister(name string) error
	Update(rule Rule) error
	Enable(name string) error
	Disable(name string) error
	Get(name string) (Rule, bool)
	List() []Rule
	Validate(rule Rule) error

	Subscribe(pattern string, sink func(ev Event)) (Subscription, error)
	Stats() map[string]any
}
