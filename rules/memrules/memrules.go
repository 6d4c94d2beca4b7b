// Package memrules is the in-memory reference rules engine: a fact map, a
// rule registry and wildcard topic subscriptions, all behind one mutex.
package memrules

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/rules"
)

// Engine implements rules.Engine. Sinks are invoked under the engine
// mutex, in emission order; they must only enqueue.
type Engine struct {
	mu      sync.Mutex
	facts   map[string]any
	rules   map[string]rules.Rule
	subs    map[int64]*subscription
	nextSub int64

	// Counters for Stats.
	emitted   int64
	matched   int64
	delivered int64
}

type subscription struct {
	id      int64
	pattern string
	sink    func(ev rules.Event)
}

type subHandle struct {
	e  *Engine
	id int64
}

// Detach removes the registration. Holding the engine mutex guarantees no
// sink call after it returns.
func (h *subHandle) Detach() {
	h.e.mu.Lock()
	delete(h.e.subs, h.id)
	h.e.mu.Unlock()
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		facts: make(map[string]any),
		rules: make(map[string]rules.Rule),
		subs:  make(map[int64]*subscription),
	}
}

// Emit publishes an event to matching subscriptions and fires matching
// rules. Rule-emitted events cascade through the same path.
func (e *Engine) Emit(topic string, data map[string]any) error {
	return e.EmitCorrelated(topic, data, "")
}

// EmitCorrelated is Emit with a caller-supplied correlation id carried on
// the event and every cascaded event it triggers.
func (e *Engine) EmitCorrelated(topic string, data map[string]any, correlationID string) error {
	if topic == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "topic is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(rules.Event{
		Topic:         topic,
		Data:          data,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UnixMilli(),
	}, 0)
	return nil
}

// Rule cascades are capped to keep a self-triggering rule from spinning
// the engine forever.
const maxCascadeDepth = 16

func (e *Engine) emitLocked(ev rules.Event, depth int) {
	e.emitted++
	for _, sub := range e.subs {
		if topicMatches(sub.pattern, ev.Topic) {
			e.delivered++
			sub.sink(ev)
		}
	}
	if depth >= maxCascadeDepth {
		return
	}
	for _, rule := range e.sortedRulesLocked() {
		if !rule.Enabled || rule.Emit == "" {
			continue
		}
		if !topicMatches(rule.Topic, ev.Topic) {
			continue
		}
		if !conditionsMatch(rule.When, ev.Data) {
			continue
		}
		e.matched++
		e.emitLocked(rules.Event{
			Topic:         rule.Emit,
			Data:          mergeData(ev.Data, rule.Data),
			CorrelationID: ev.CorrelationID,
			Timestamp:     time.Now().UnixMilli(),
		}, depth+1)
	}
}

// SetFact stores a value under key, replacing any previous value.
func (e *Engine) SetFact(key string, value any) error {
	if key == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "fact key is required")
	}
	e.mu.Lock()
	e.facts[key] = value
	e.mu.Unlock()
	return nil
}

// GetFact returns the stored value and whether it exists.
func (e *Engine) GetFact(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.facts[key]
	return v, ok
}

// DeleteFact removes a fact, reporting whether it existed.
func (e *Engine) DeleteFact(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.facts[key]
	delete(e.facts, key)
	return ok
}

// QueryFacts returns every fact whose key matches the wildcard pattern.
func (e *Engine) QueryFacts(pattern string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any)
	for k, v := range e.facts {
		if topicMatches(pattern, k) {
			out[k] = v
		}
	}
	return out
}

// AllFacts returns a copy of the fact map.
func (e *Engine) AllFacts() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.facts))
	for k, v := range e.facts {
		out[k] = v
	}
	return out
}

// Register adds a rule. Names are unique.
func (e *Engine) Register(rule rules.Rule) error {
	if err := e.Validate(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.Name]; exists {
		return cgerrors.Newf(cgerrors.CodeAlreadyExists, "rule %q already registered", rule.Name)
	}
	e.rules[rule.Name] = rule
	return nil
}

// Unregister removes a rule by name.
func (e *Engine) Unregister(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[name]; !exists {
		return ruleNotFound(name)
	}
	delete(e.rules, name)
	return nil
}

// Update replaces an existing rule in place.
func (e *Engine) Update(rule rules.Rule) error {
	if err := e.Validate(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.Name]; !exists {
		return ruleNotFound(rule.Name)
	}
	e.rules[rule.Name] = rule
	return nil
}

// Enable marks a rule active.
func (e *Engine) Enable(name string) error {
	return e.setEnabled(name, true)
}

// Disable marks a rule inactive without removing it.
func (e *Engine) Disable(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, exists := e.rules[name]
	if !exists {
		return ruleNotFound(name)
	}
	rule.Enabled = enabled
	e.rules[name] = rule
	return nil
}

// Get returns a rule by name.
func (e *Engine) Get(name string) (rules.Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[name]
	return rule, ok
}

// List returns all rules sorted by name.
func (e *Engine) List() []rules.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedRulesLocked()
}

func (e *Engine) sortedRulesLocked() []rules.Rule {
	out := make([]rules.Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks a rule without registering it.
func (e *Engine) Validate(rule rules.Rule) error {
	if rule.Name == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "rule name is required")
	}
	if rule.Topic == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "rule topic is required")
	}
	if err := validatePattern(rule.Topic); err != nil {
		return err
	}
	if rule.Emit != "" && topicMatches(rule.Topic, rule.Emit) && conditionsMatch(rule.When, rule.Data) {
		return cgerrors.Newf(cgerrors.CodeValidationError, "rule %q would trigger itself", rule.Name)
	}
	return nil
}

// Subscribe installs a sink for topics matching pattern.
func (e *Engine) Subscribe(pattern string, sink func(ev rules.Event)) (rules.Subscription, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	sub := &subscription{id: e.nextSub, pattern: pattern, sink: sink}
	e.subs[sub.id] = sub
	return &subHandle{e: e, id: sub.id}, nil
}

// Stats reports engine counters.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	enabled := 0
	for _, rule := range e.rules {
		if rule.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"facts":           len(e.facts),
		"rules":           len(e.rules),
		"rulesEnabled":    enabled,
		"subscriptions":   len(e.subs),
		"eventsEmitted":   e.emitted,
		"rulesMatched":    e.matched,
		"eventsDelivered": e.delivered,
	}
}

func ruleNotFound(name string) error {
	return cgerrors.Newf(cgerrors.CodeNotFound, "rule %q is not registered", name)
}

// validatePattern accepts exact topics, "*" and "prefix.*".
func validatePattern(pattern string) error {
	if pattern == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "topic pattern is required")
	}
	if i := strings.Index(pattern, "*"); i >= 0 {
		if pattern != "*" && !strings.HasSuffix(pattern, ".*") {
			return cgerrors.Newf(cgerrors.CodeValidationError, "invalid topic pattern %q", pattern)
		}
		if strings.Count(pattern, "*") > 1 {
			return cgerrors.Newf(cgerrors.CodeValidationError, "invalid topic pattern %q", pattern)
		}
	}
	return nil
}

func topicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}

func conditionsMatch(when, data map[string]any) bool {
	for k, want := range when {
		// DeepEqual because decoded JSON values may be maps or slices.
		if !reflect.DeepEqual(data[k], want) {
			return false
		}
	}
	return true
}

func mergeData(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
