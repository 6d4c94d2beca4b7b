package memstore

import (
	"encoding/json"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/store"
)

type subscription struct {
	id     int64
	bucket string
	spec   store.QuerySpec
	params map[string]any
	sink   func(result any)
	last   []byte // JSON of the last delivered result, for dedup.
}

type subHandle struct {
	e  *Engine
	id int64
}

// Detach removes the registration. It holds the engine mutex, so once it
// returns no later mutation can invoke the sink.
func (h *subHandle) Detach() {
	h.e.mu.Lock()
	delete(h.e.subs, h.id)
	h.e.mu.Unlock()
}

// RegisterSubscription evaluates the named query once and installs a
// change listener. The sink is called with the full re-evaluated result
// whenever a committed mutation changes it.
func (e *Engine) RegisterSubscription(name string, params map[string]any, sink func(result any)) (store.Subscription, any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.queries[name]
	if !ok {
		return nil, nil, queryNotDefined(name)
	}
	initial, err := e.evaluateLocked(spec, params)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := json.Marshal(initial)
	if err != nil {
		return nil, nil, err
	}
	e.nextSub++
	sub := &subscription{
		id:     e.nextSub,
		bucket: spec.Bucket,
		spec:   spec,
		params: params,
		sink:   sink,
		last:   snapshot,
	}
	e.subs[sub.id] = sub
	return &subHandle{e: e, id: sub.id}, initial, nil
}

func queryNotDefined(name string) error {
	return cgerrors.Newf(cgerrors.CodeQueryNotDefined, "query %q is not defined", name)
}

// notifyLocked re-evaluates every subscription rooted at the bucket and
// delivers changed results. Sinks run under the engine mutex, which keeps
// per-subscription delivery in mutation order; sinks must only enqueue.
func (e *Engine) notifyLocked(bucketName string) {
	for _, sub := range e.subs {
		if sub.bucket != bucketName {
			continue
		}
		result, err := e.evaluateLocked(sub.spec, sub.params)
		if err != nil {
			// The bucket was dropped; deliver an empty result once.
			result = []store.Record{}
		}
		snapshot, err := json.Marshal(result)
		if err != nil {
			continue
		}
		if string(snapshot) == string(sub.last) {
			continue
		}
		sub.last = snapshot
		sub.sink(result)
	}
}
