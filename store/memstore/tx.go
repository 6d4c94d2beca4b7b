package memstore

import (
	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/store"
)

// Transaction applies ops atomically under the engine mutex. Later ops see
// earlier ops' writes; any failure rolls every op back. Subscriptions are
// notified once per affected bucket after commit, so one commit yields at
// most one push per subscription.
func (e *Engine) Transaction(ops []store.TxOp) ([]any, error) {
	if len(ops) == 0 {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "transaction requires at least one operation")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Snapshot affected buckets for rollback.
	snapshots := make(map[string]*bucket)
	snapshot := func(name string) {
		if _, done := snapshots[name]; done {
			return
		}
		b, ok := e.buckets[name]
		if !ok {
			return
		}
		cp := &bucket{
			schema:  b.schema,
			records: make(map[string]store.Record, len(b.records)),
			order:   append([]string(nil), b.order...),
		}
		for k, v := range b.records {
			cp.records[k] = cloneRecord(v)
		}
		snapshots[name] = cp
	}

	results := make([]any, 0, len(ops))
	for _, op := range ops {
		snapshot(op.Bucket)
		var (
			result any
			err    error
		)
		switch op.Op {
		case "insert":
			result, err = e.insertLocked(op.Bucket, op.Record)
		case "update":
			result, err = e.updateLocked(op.Bucket, op.Key, op.Patch)
		case "delete":
			_, err = e.deleteLocked(op.Bucket, op.Key)
			result = map[string]any{"deleted": true}
		case "clear":
			b, berr := e.bucketLocked(op.Bucket)
			if berr != nil {
				err = berr
				break
			}
			result = map[string]any{"cleared": len(b.order)}
			b.records = make(map[string]store.Record)
			b.order = nil
		default:
			err = cgerrors.Newf(cgerrors.CodeValidationError, "unknown transaction op %q", op.Op)
		}
		if err != nil {
			for name, cp := range snapshots {
				e.buckets[name] = cp
			}
			return nil, err
		}
		if rec, ok := result.(store.Record); ok {
			result = cloneRecord(rec)
		}
		results = append(results, result)
	}

	for name := range snapshots {
		e.notifyLocked(name)
	}
	return results, nil
}
