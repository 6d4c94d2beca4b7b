package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/protocol"
	"github.com/coralbase/coralgate/store"
)

// decodeInto re-marshals a decoded JSON value into a typed shape.
func decodeInto(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return cgerrors.Wrap(cgerrors.CodeValidationError, "invalid payload", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return cgerrors.Wrap(cgerrors.CodeValidationError, "invalid payload shape", err)
	}
	return nil
}

func requireString(req *protocol.Request, key string) (string, error) {
	s := req.String(key)
	if s == "" {
		return "", cgerrors.Newf(cgerrors.CodeValidationError, "%s is required", key)
	}
	return s, nil
}

func handleStoreGet(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	key, err := requireString(req, "key")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.Get(bucket, key)
}

func handleStoreInsert(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	rec := req.Object("record")
	if rec == nil {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "record is required")
	}
	return c.srv.cfg.Store.Insert(bucket, rec)
}

func handleStoreUpdate(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	key, err := requireString(req, "key")
	if err != nil {
		return nil, err
	}
	patch := req.Object("patch")
	if patch == nil {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "patch is required")
	}
	return c.srv.cfg.Store.Update(bucket, key, patch)
}

func handleStoreDelete(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	key, err := requireString(req, "key")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Store.Delete(bucket, key); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func handleStoreClear(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	n, err := c.srv.cfg.Store.Clear(bucket)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": n}, nil
}

func handleStoreAll(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.All(bucket)
}

func handleStoreWhere(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.Where(bucket, req.Object("filter"))
}

func handleStoreFindOne(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.FindOne(bucket, req.Object("filter"))
}

func handleStoreCount(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.Count(bucket, req.Object("filter"))
}

func handleStoreFirst(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.First(bucket)
}

func handleStoreLast(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.Last(bucket)
}

func handleStorePaginate(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	limit := 0
	if n, ok := req.Number("limit"); ok {
		limit = int(n)
	}
	return c.srv.cfg.Store.Paginate(bucket, req.String("cursor"), limit)
}

// handleStoreAggregate serves store.sum/avg/min/max; the aggregate name
// is the operation suffix.
func handleStoreAggregate(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	field, err := requireString(req, "field")
	if err != nil {
		return nil, err
	}
	op := strings.TrimPrefix(req.Type, "store.")
	return c.srv.cfg.Store.Aggregate(bucket, op, field, req.Object("filter"))
}

func handleStoreBuckets(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Store.Buckets(), nil
}

func handleStoreStats(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Store.Stats(), nil
}

func decodeSchema(req *protocol.Request) (store.Schema, error) {
	raw := req.Object("schema")
	if raw == nil {
		return store.Schema{}, cgerrors.New(cgerrors.CodeValidationError, "schema is required")
	}
	var schema store.Schema
	if err := decodeInto(raw, &schema); err != nil {
		return store.Schema{}, err
	}
	return schema, nil
}

func handleStoreDefineBucket(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	schema, err := decodeSchema(req)
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Store.DefineBucket(bucket, schema); err != nil {
		return nil, err
	}
	return map[string]any{"bucket": bucket, "defined": true}, nil
}

func handleStoreUpdateBucket(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	schema, err := decodeSchema(req)
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Store.UpdateBucket(bucket, schema); err != nil {
		return nil, err
	}
	return map[string]any{"bucket": bucket, "updated": true}, nil
}

func handleStoreDropBucket(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Store.DropBucket(bucket); err != nil {
		return nil, err
	}
	return map[string]any{"bucket": bucket, "dropped": true}, nil
}

func handleStoreGetBucketSchema(c *Conn, req *protocol.Request) (any, error) {
	bucket, err := requireString(req, "bucket")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Store.GetBucketSchema(bucket)
}

func handleStoreDefineQuery(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	raw := req.Object("query")
	if raw == nil {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "query is required")
	}
	var spec store.QuerySpec
	if err := decodeInto(raw, &spec); err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Store.DefineQuery(name, spec); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "defined": true}, nil
}

func handleStoreUndefineQuery(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Store.UndefineQuery(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "undefined": true}, nil
}

func handleStoreListQueries(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Store.ListQueries(), nil
}

func handleStoreTransaction(c *Conn, req *protocol.Request) (any, error) {
	raw := req.Array("operations")
	if raw == nil {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "operations is required")
	}
	var ops []store.TxOp
	if err := decodeInto(raw, &ops); err != nil {
		return nil, err
	}
	results, err := c.srv.cfg.Store.Transaction(ops)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

// allocSubID returns the next connection-scoped subscription id. Ids are
// never reused within a connection's lifetime.
func (c *Conn) allocSubID() string {
	c.nextSubID++
	return fmt.Sprintf("sub-%d", c.nextSubID)
}

// checkSubCeiling enforces the per-connection subscription cap before a
// new registration is attempted.
func (c *Conn) checkSubCeiling() error {
	max := c.srv.cfg.MaxSubscriptionsPerConnection
	if len(c.subs) >= max {
		return cgerrors.Newf(cgerrors.CodeRateLimited, "subscription limit of %d reached", max)
	}
	return nil
}

func handleStoreSubscribe(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "query")
	if err != nil {
		return nil, err
	}
	if err := c.checkSubCeiling(); err != nil {
		return nil, err
	}
	subID := c.allocSubID()
	// The sink only enqueues into this connection's inbox; it never
	// touches actor state from the engine's goroutine.
	sink := func(result any) {
		c.enqueuePush(protocol.NewPush(protocol.ChannelSubscription, subID, result))
	}
	handle, initial, err := c.srv.cfg.Store.RegisterSubscription(name, req.Object("params"), sink)
	if err != nil {
		return nil, err
	}
	c.subs[subID] = &connSub{channel: protocol.ChannelSubscription, handle: handle}
	c.srv.subscriptionAdded()
	c.publishMeta()
	return map[string]any{"subscriptionId": subID, "data": initial}, nil
}

// handleUnsubscribe serves both store.unsubscribe and rules.unsubscribe;
// subscription ids share one connection-scoped namespace.
func handleUnsubscribe(c *Conn, req *protocol.Request) (any, error) {
	subID, err := requireString(req, "subscriptionId")
	if err != nil {
		return nil, err
	}
	sub, ok := c.subs[subID]
	if !ok {
		return nil, cgerrors.Newf(cgerrors.CodeNotFound, "subscription %q not found", subID)
	}
	delete(c.subs, subID)
	sub.handle.Detach()
	c.srv.subscriptionRemoved()
	c.publishMeta()
	return map[string]any{"unsubscribed": true}, nil
}
