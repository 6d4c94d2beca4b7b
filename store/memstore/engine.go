// Package memstore is the in-memory reference implementation of the store
// collaborator contract: schemaed buckets, named queries, deduplicated
// change subscriptions and atomic transactions.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/store"
)

// Engine is an in-memory store engine. All exported methods are safe for
// concurrent use; internal state is guarded by one mutex so subscription
// notification order matches mutation order.
type Engine struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	queries map[string]store.QuerySpec
	subs    map[int64]*subscription
	nextSub int64
	started time.Time
	writes  int64
}

type bucket struct {
	schema  store.Schema
	records map[string]store.Record
	order   []string // Primary keys in insertion order.
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		buckets: make(map[string]*bucket),
		queries: make(map[string]store.QuerySpec),
		subs:    make(map[int64]*subscription),
		started: time.Now(),
	}
}

var _ store.Store = (*Engine)(nil)

// DefineBucket creates a bucket with the given schema.
func (e *Engine) DefineBucket(name string, schema store.Schema) error {
	if name == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "bucket name is required")
	}
	if err := validateSchema(&schema); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.buckets[name]; exists {
		return cgerrors.Newf(cgerrors.CodeAlreadyExists, "bucket %q already defined", name)
	}
	e.buckets[name] = &bucket{schema: schema, records: make(map[string]store.Record)}
	return nil
}

// UpdateBucket replaces a bucket's schema. Existing records are not
// re-validated; the new schema applies to subsequent writes.
func (e *Engine) UpdateBucket(name string, schema store.Schema) error {
	if err := validateSchema(&schema); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(name)
	if err != nil {
		return err
	}
	if b.schema.PrimaryKey != schema.PrimaryKey {
		return cgerrors.New(cgerrors.CodeConflict, "primary key cannot change")
	}
	b.schema = schema
	return nil
}

// DropBucket removes a bucket and all its records.
func (e *Engine) DropBucket(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.buckets[name]; !exists {
		return bucketNotDefined(name)
	}
	delete(e.buckets, name)
	e.notifyLocked(name)
	return nil
}

// GetBucketSchema returns the schema of a bucket.
func (e *Engine) GetBucketSchema(name string) (store.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(name)
	if err != nil {
		return store.Schema{}, err
	}
	return b.schema, nil
}

// Buckets returns bucket names in sorted order.
func (e *Engine) Buckets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.buckets))
	for name := range e.buckets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats returns engine counters.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := 0
	for _, b := range e.buckets {
		records += len(b.order)
	}
	return map[string]any{
		"buckets":       len(e.buckets),
		"records":       records,
		"queries":       len(e.queries),
		"subscriptions": len(e.subs),
		"writes":        e.writes,
		"uptimeMs":      time.Since(e.started).Milliseconds(),
	}
}

// Get returns a record by primary key, or nil when absent.
func (e *Engine) Get(bucketName, key string) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	rec, ok := b.records[key]
	if !ok || e.expiredLocked(b, key, rec) {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// Insert validates a record against the schema, assigns a primary key when
// absent, stamps _version=1 and stores it.
func (e *Engine) Insert(bucketName string, rec store.Record) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, err := e.insertLocked(bucketName, rec)
	if err != nil {
		return nil, err
	}
	e.notifyLocked(bucketName)
	return cloneRecord(out), nil
}

func (e *Engine) insertLocked(bucketName string, rec store.Record) (store.Record, error) {
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	stored := cloneRecord(rec)
	if err := applySchema(b.schema, stored); err != nil {
		return nil, err
	}
	pk := b.schema.PrimaryKey
	key, _ := stored[pk].(string)
	if key == "" {
		key = uuid.NewString()
		stored[pk] = key
	}
	if _, exists := b.records[key]; exists {
		return nil, cgerrors.Newf(cgerrors.CodeAlreadyExists, "key %q already exists", key)
	}
	now := time.Now().UnixMilli()
	stored["_version"] = float64(1)
	stored["_createdAt"] = float64(now)
	if b.schema.TTLSeconds > 0 {
		stored["_expiresAt"] = float64(now + b.schema.TTLSeconds*1000)
	}
	b.records[key] = stored
	b.order = append(b.order, key)
	e.writes++
	return stored, nil
}

// Update merges a patch into an existing record and bumps _version.
func (e *Engine) Update(bucketName, key string, patch map[string]any) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, err := e.updateLocked(bucketName, key, patch)
	if err != nil {
		return nil, err
	}
	e.notifyLocked(bucketName)
	return cloneRecord(out), nil
}

func (e *Engine) updateLocked(bucketName, key string, patch map[string]any) (store.Record, error) {
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	rec, ok := b.records[key]
	if !ok || e.expiredLocked(b, key, rec) {
		return nil, cgerrors.Newf(cgerrors.CodeNotFound, "key %q not found", key)
	}
	next := cloneRecord(rec)
	for k, v := range patch {
		if k == b.schema.PrimaryKey || k == "_version" || k == "_createdAt" {
			continue
		}
		next[k] = v
	}
	if err := checkFieldTypes(b.schema, next); err != nil {
		return nil, err
	}
	next["_version"] = asNumber(rec["_version"]) + 1
	next["_updatedAt"] = float64(time.Now().UnixMilli())
	b.records[key] = next
	e.writes++
	return next, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (e *Engine) Delete(bucketName, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed, err := e.deleteLocked(bucketName, key)
	if err != nil {
		return err
	}
	if changed {
		e.notifyLocked(bucketName)
	}
	return nil
}

func (e *Engine) deleteLocked(bucketName, key string) (bool, error) {
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return false, err
	}
	if _, ok := b.records[key]; !ok {
		return false, nil
	}
	delete(b.records, key)
	b.dropFromOrder(key)
	e.writes++
	return true, nil
}

// Clear removes all records from a bucket and returns the removed count.
func (e *Engine) Clear(bucketName string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return 0, err
	}
	n := len(b.order)
	b.records = make(map[string]store.Record)
	b.order = nil
	if n > 0 {
		e.writes++
		e.notifyLocked(bucketName)
	}
	return n, nil
}

func (e *Engine) bucketLocked(name string) (*bucket, error) {
	b, ok := e.buckets[name]
	if !ok {
		return nil, bucketNotDefined(name)
	}
	return b, nil
}

func bucketNotDefined(name string) error {
	return cgerrors.Newf(cgerrors.CodeBucketNotDefined, "bucket %q is not defined", name)
}

// expiredLocked lazily purges a record past its TTL and reports expiry.
func (e *Engine) expiredLocked(b *bucket, key string, rec store.Record) bool {
	exp := asNumber(rec["_expiresAt"])
	if exp <= 0 || float64(time.Now().UnixMilli()) < exp {
		return false
	}
	delete(b.records, key)
	b.dropFromOrder(key)
	return true
}

func (b *bucket) dropFromOrder(key string) {
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// liveLocked returns live records in insertion order, purging expired ones.
func (e *Engine) liveLocked(b *bucket) []store.Record {
	out := make([]store.Record, 0, len(b.order))
	for i := 0; i < len(b.order); i++ {
		key := b.order[i]
		rec := b.records[key]
		if rec == nil {
			continue
		}
		if e.expiredLocked(b, key, rec) {
			i-- // dropFromOrder shifted the slice.
			continue
		}
		out = append(out, rec)
	}
	return out
}

func cloneRecord(rec store.Record) store.Record {
	if rec == nil {
		return nil
	}
	out := make(store.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func cloneRecords(recs []store.Record) []store.Record {
	out := make([]store.Record, len(recs))
	for i, r := range recs {
		out[i] = cloneRecord(r)
	}
	return out
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
