package memstore

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/store"
)

// All returns every live record in insertion order.
func (e *Engine) All(bucketName string) ([]store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	return cloneRecords(e.liveLocked(b)), nil
}

// Where returns records whose fields equal every filter entry.
func (e *Engine) Where(bucketName string, filter map[string]any) ([]store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	return cloneRecords(filterRecords(e.liveLocked(b), filter)), nil
}

// FindOne returns the first matching record, or nil.
func (e *Engine) FindOne(bucketName string, filter map[string]any) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	for _, rec := range e.liveLocked(b) {
		if matches(rec, filter) {
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

// Count returns the number of matching records.
func (e *Engine) Count(bucketName string, filter map[string]any) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return 0, err
	}
	return len(filterRecords(e.liveLocked(b), filter)), nil
}

// First returns the oldest live record, or nil when the bucket is empty.
func (e *Engine) First(bucketName string) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	live := e.liveLocked(b)
	if len(live) == 0 {
		return nil, nil
	}
	return cloneRecord(live[0]), nil
}

// Last returns the newest live record, or nil when the bucket is empty.
func (e *Engine) Last(bucketName string) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	live := e.liveLocked(b)
	if len(live) == 0 {
		return nil, nil
	}
	return cloneRecord(live[len(live)-1]), nil
}

// Paginate returns up to limit records starting at the opaque cursor.
func (e *Engine) Paginate(bucketName, cursor string, limit int) (store.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return store.Page{}, err
	}
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return store.Page{}, cgerrors.New(cgerrors.CodeValidationError, "invalid cursor")
		}
		start = n
	}
	live := e.liveLocked(b)
	if start >= len(live) {
		return store.Page{Records: []store.Record{}}, nil
	}
	end := start + limit
	hasMore := end < len(live)
	if !hasMore {
		end = len(live)
	}
	page := store.Page{Records: cloneRecords(live[start:end]), HasMore: hasMore}
	if hasMore {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Aggregate computes sum, avg, min or max over a numeric field. Empty
// matches yield 0 for sum and nil for the rest.
func (e *Engine) Aggregate(bucketName, op, field string, filter map[string]any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.bucketLocked(bucketName)
	if err != nil {
		return nil, err
	}
	var values []float64
	for _, rec := range filterRecords(e.liveLocked(b), filter) {
		if v, ok := rec[field].(float64); ok {
			values = append(values, v)
		}
	}
	switch op {
	case "sum":
		return sum(values), nil
	case "avg":
		if len(values) == 0 {
			return nil, nil
		}
		return sum(values) / float64(len(values)), nil
	case "min":
		if len(values) == 0 {
			return nil, nil
		}
		sort.Float64s(values)
		return values[0], nil
	case "max":
		if len(values) == 0 {
			return nil, nil
		}
		sort.Float64s(values)
		return values[len(values)-1], nil
	}
	return nil, cgerrors.Newf(cgerrors.CodeValidationError, "unknown aggregate %q", op)
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// DefineQuery registers a named query.
func (e *Engine) DefineQuery(name string, spec store.QuerySpec) error {
	if name == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "query name is required")
	}
	if spec.Bucket == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "query bucket is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buckets[spec.Bucket]; !ok {
		return bucketNotDefined(spec.Bucket)
	}
	if _, exists := e.queries[name]; exists {
		return cgerrors.Newf(cgerrors.CodeAlreadyExists, "query %q already defined", name)
	}
	e.queries[name] = spec
	return nil
}

// UndefineQuery removes a named query. Existing subscriptions keep their
// captured spec until detached.
func (e *Engine) UndefineQuery(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.queries[name]; !exists {
		return cgerrors.Newf(cgerrors.CodeQueryNotDefined, "query %q is not defined", name)
	}
	delete(e.queries, name)
	return nil
}

// ListQueries returns defined query names in sorted order.
func (e *Engine) ListQueries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.queries))
	for name := range e.queries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// evaluateLocked runs a query spec with params substituted into the filter.
func (e *Engine) evaluateLocked(spec store.QuerySpec, params map[string]any) ([]store.Record, error) {
	b, err := e.bucketLocked(spec.Bucket)
	if err != nil {
		return nil, err
	}
	filter := bindFilter(spec.Filter, params)
	return cloneRecords(filterRecords(e.liveLocked(b), filter)), nil
}

// bindFilter substitutes "$name" placeholder values from params.
func bindFilter(filter map[string]any, params map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	out := make(map[string]any, len(filter))
	for k, v := range filter {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
			out[k] = params[s[1:]]
			continue
		}
		out[k] = v
	}
	return out
}

func filterRecords(recs []store.Record, filter map[string]any) []store.Record {
	if len(filter) == 0 {
		return recs
	}
	out := recs[:0:0]
	for _, rec := range recs {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	return out
}

func matches(rec store.Record, filter map[string]any) bool {
	for k, want := range filter {
		// DeepEqual because decoded JSON values may be maps or slices.
		if !reflect.DeepEqual(rec[k], want) {
			return false
		}
	}
	return true
}
