// Package store defines the key-value collaborator contract the gateway
// consumes: schemaed buckets, named queries, change subscriptions and
// transactions. The reference engine lives in store/memstore.
package store

// Record is one stored row. The engine adds bookkeeping fields prefixed
// with "_" (e.g. _version).
type Record = map[string]any

// FieldSpec describes one schema field.
type FieldSpec struct {
	Type     string `json:"type"` // string|number|boolean|object|array|any
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Schema describes a bucket: field specs, the primary key field and an
// optional record TTL.
type Schema struct {
	PrimaryKey string               `json:"primaryKey,omitempty"` // Defaults to "id".
	Fields     map[string]FieldSpec `json:"fields"`
	TTLSeconds int64                `json:"ttlSeconds,omitempty"` // 0 disables expiry.
}

// Page is a cursor-pagination result. The gateway forwards it verbatim.
type Page struct {
	Records    []Record `json:"records"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// TxOp is one operation inside a transaction.
type TxOp struct {
	Op     string         `json:"op"` // insert|update|delete|clear
	Bucket string         `json:"bucket"`
	Key    string         `json:"key,omitempty"`
	Record map[string]any `json:"record,omitempty"` // For insert.
	Patch  map[string]any `json:"patch,omitempty"`  // For update.
}

// QuerySpec is a declarative named query over one bucket. Filter values of
// the form "$name" are substituted from subscription params at evaluation
// time.
type QuerySpec struct {
	Bucket string         `json:"bucket"`
	Filter map[string]any `json:"filter,omitempty"` // nil selects all records.
}

// Subscription is a live registration handle. After Detach returns, the
// sink will not be invoked again.
type Subscription interface {
	Detach()
}

// Store is the engine surface the gateway consumes.
//
// Sinks passed to RegisterSubscription must be non-blocking: the gateway
// supplies functions that enqueue into a connection inbox and never call
// back into the store.
type Store interface {
	DefineBucket(name string, schema Schema) error
	UpdateBucket(name string, schema Schema) error
	DropBucket(name string) error
	GetBucketSchema(name string) (Schema, error)
	Buckets() []string
	Stats() map[string]any

	Get(bucket, key string) (Record, error)
	Insert(bucket string, rec Record) (Record, error)
	Update(bucket, key string, patch map[string]any) (Record, error)
	Delete(bucket, key string) error
	Clear(bucket string) (int, error)

	All(bucket string) ([]Record, error)
	Where(bucket string, filter map[string]any) ([]Record, error)
	FindOne(bucket string, filter map[string]any) (Record, error)
	Count(bucket string, filter map[string]any) (int, error)
	First(bucket string) (Record, error)
	Last(bucket string) (Record, error)
	Paginate(bucket, cursor string, limit int) (Page, error)

	// Aggregate computes sum|avg|min|max over a numeric field. Empty
	// matches yield 0 for sum and nil for avg/min/max.
	Aggregate(bucket, op, field string, filter map[string]any) (any, error)

	DefineQuery(name string, spec QuerySpec) error
	UndefineQuery(name string) error
	ListQueries() []string

	// RegisterSubscription evaluates the named query once and returns the
	// handle plus the initial result. Subsequent mutations that change the
	// result invoke sink with the new value; unchanged results are not
	// re-delivered.
	RegisterSubscription(name string, params map[string]any, sink func(result any)) (Subscription, any, error)

	// Transaction applies ops atomically: all-or-nothing, read-your-own-
	// writes within the op list, and at most one subscription notification
	// per affected subscription after commit.
	Transaction(ops []TxOp) ([]any, error)
}
