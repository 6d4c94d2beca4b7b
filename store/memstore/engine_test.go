package memstore

import (
	"testing"
	"time"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/store"
)

func taskSchema() store.Schema {
	return store.Schema{
		Fields: map[string]store.FieldSpec{
			"id":    {Type: "string"},
			"title": {Type: "string", Required: true},
			"done":  {Type: "boolean", Default: false},
			"cost":  {Type: "number"},
		},
	}
}

func newTaskEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	if err := e.DefineBucket("tasks", taskSchema()); err != nil {
		t.Fatalf("DefineBucket: %v", err)
	}
	return e
}

func TestInsertGetRoundTrip(t *testing.T) {
	e := newTaskEngine(t)
	rec, err := e.Insert("tasks", store.Record{"title": "x"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	key, _ := rec["id"].(string)
	if key == "" {
		t.Fatalf("primary key not assigned: %v", rec)
	}
	if rec["_version"] != float64(1) {
		t.Fatalf("_version = %v, want 1", rec["_version"])
	}
	if rec["done"] != false {
		t.Fatalf("default not applied: %v", rec)
	}
	got, err := e.Get("tasks", key)
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got["title"] != "x" {
		t.Fatalf("got %v", got)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	e := newTaskEngine(t)
	rec, _ := e.Insert("tasks", store.Record{"title": "x"})
	key := rec["id"].(string)
	up1, err := e.Update("tasks", key, map[string]any{"done": true})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if up1["_version"] != float64(2) {
		t.Fatalf("_version = %v, want 2", up1["_version"])
	}
	up2, _ := e.Update("tasks", key, map[string]any{"title": "y"})
	if up2["_version"] != float64(3) {
		t.Fatalf("_version = %v, want 3", up2["_version"])
	}
	if _, err := e.Update("tasks", "missing", map[string]any{"done": true}); cgerrors.CodeOf(err) != cgerrors.CodeNotFound {
		t.Fatalf("missing key update err = %v", err)
	}
}

func TestDeleteThenGetReturnsNil(t *testing.T) {
	e := newTaskEngine(t)
	rec, _ := e.Insert("tasks", store.Record{"title": "x"})
	key := rec["id"].(string)
	if err := e.Delete("tasks", key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := e.Get("tasks", key)
	if err != nil || got != nil {
		t.Fatalf("Get after delete = %v, %v", got, err)
	}
	// Deleting a missing key is idempotent.
	if err := e.Delete("tasks", key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	e := newTaskEngine(t)
	if _, err := e.Insert("tasks", store.Record{}); cgerrors.CodeOf(err) != cgerrors.CodeValidationError {
		t.Fatalf("missing required err = %v", err)
	}
	if _, err := e.Insert("tasks", store.Record{"title": 7}); cgerrors.CodeOf(err) != cgerrors.CodeValidationError {
		t.Fatalf("wrong type err = %v", err)
	}
	if _, err := e.Insert("tasks", store.Record{"title": "x", "_forceFail": true}); cgerrors.CodeOf(err) != cgerrors.CodeValidationError {
		t.Fatalf("_forceFail err = %v", err)
	}
	if _, err := e.Insert("nope", store.Record{"title": "x"}); cgerrors.CodeOf(err) != cgerrors.CodeBucketNotDefined {
		t.Fatalf("unknown bucket err = %v", err)
	}
}

func TestClearThenCount(t *testing.T) {
	e := newTaskEngine(t)
	e.Insert("tasks", store.Record{"title": "a"})
	e.Insert("tasks", store.Record{"title": "b"})
	n, err := e.Clear("tasks")
	if err != nil || n != 2 {
		t.Fatalf("Clear = %d, %v", n, err)
	}
	c, _ := e.Count("tasks", nil)
	if c != 0 {
		t.Fatalf("Count after clear = %d", c)
	}
}

func TestQueriesAndAggregates(t *testing.T) {
	e := newTaskEngine(t)
	e.Insert("tasks", store.Record{"title": "a", "done": true, "cost": float64(10)})
	e.Insert("tasks", store.Record{"title": "b", "cost": float64(4)})
	e.Insert("tasks", store.Record{"title": "c", "done": true})

	all, _ := e.All("tasks")
	if len(all) != 3 || all[0]["title"] != "a" || all[2]["title"] != "c" {
		t.Fatalf("All order: %v", all)
	}
	done, _ := e.Where("tasks", map[string]any{"done": true})
	if len(done) != 2 {
		t.Fatalf("Where = %v", done)
	}
	one, _ := e.FindOne("tasks", map[string]any{"title": "b"})
	if one == nil || one["cost"] != float64(4) {
		t.Fatalf("FindOne = %v", one)
	}
	if one, _ := e.FindOne("tasks", map[string]any{"title": "zz"}); one != nil {
		t.Fatalf("FindOne miss should be nil")
	}
	first, _ := e.First("tasks")
	last, _ := e.Last("tasks")
	if first["title"] != "a" || last["title"] != "c" {
		t.Fatalf("First/Last = %v / %v", first, last)
	}

	if v, _ := e.Aggregate("tasks", "sum", "cost", nil); v != float64(14) {
		t.Fatalf("sum = %v", v)
	}
	if v, _ := e.Aggregate("tasks", "avg", "cost", nil); v != float64(7) {
		t.Fatalf("avg = %v", v)
	}
	if v, _ := e.Aggregate("tasks", "min", "cost", nil); v != float64(4) {
		t.Fatalf("min = %v", v)
	}
	if v, _ := e.Aggregate("tasks", "max", "cost", nil); v != float64(10) {
		t.Fatalf("max = %v", v)
	}

	e.Clear("tasks")
	if v, _ := e.Aggregate("tasks", "sum", "cost", nil); v != float64(0) {
		t.Fatalf("empty sum = %v", v)
	}
	for _, op := range []string{"avg", "min", "max"} {
		if v, _ := e.Aggregate("tasks", op, "cost", nil); v != nil {
			t.Fatalf("empty %s = %v, want nil", op, v)
		}
	}
}

func TestPaginate(t *testing.T) {
	e := newTaskEngine(t)
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		e.Insert("tasks", store.Record{"title": title})
	}
	page, err := e.Paginate("tasks", "", 2)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(page.Records) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("page1 = %+v", page)
	}
	page2, _ := e.Paginate("tasks", page.NextCursor, 2)
	if page2.Records[0]["title"] != "c" {
		t.Fatalf("page2 = %+v", page2)
	}
	page3, _ := e.Paginate("tasks", page2.NextCursor, 2)
	if len(page3.Records) != 1 || page3.HasMore || page3.NextCursor != "" {
		t.Fatalf("page3 = %+v", page3)
	}
	if _, err := e.Paginate("tasks", "bogus", 2); cgerrors.CodeOf(err) != cgerrors.CodeValidationError {
		t.Fatalf("bad cursor err = %v", err)
	}
}

func TestNamedQuerySubscription(t *testing.T) {
	e := newTaskEngine(t)
	if err := e.DefineQuery("all-tasks", store.QuerySpec{Bucket: "tasks"}); err != nil {
		t.Fatalf("DefineQuery: %v", err)
	}
	var pushes [][]store.Record
	handle, initial, err := e.RegisterSubscription("all-tasks", nil, func(result any) {
		pushes = append(pushes, result.([]store.Record))
	})
	if err != nil {
		t.Fatalf("RegisterSubscription: %v", err)
	}
	if len(initial.([]store.Record)) != 0 {
		t.Fatalf("initial = %v", initial)
	}

	e.Insert("tasks", store.Record{"title": "x"})
	if len(pushes) != 1 || len(pushes[0]) != 1 {
		t.Fatalf("pushes after insert = %v", pushes)
	}

	// A mutation that does not change the result set emits nothing.
	e.Delete("tasks", "missing-key")
	if len(pushes) != 1 {
		t.Fatalf("no-op mutation pushed: %v", pushes)
	}

	handle.Detach()
	e.Insert("tasks", store.Record{"title": "y"})
	if len(pushes) != 1 {
		t.Fatalf("push after detach: %v", pushes)
	}
}

func TestParameterizedQuery(t *testing.T) {
	e := newTaskEngine(t)
	e.DefineQuery("by-done", store.QuerySpec{Bucket: "tasks", Filter: map[string]any{"done": "$done"}})
	e.Insert("tasks", store.Record{"title": "a", "done": true})
	e.Insert("tasks", store.Record{"title": "b"})

	_, initial, err := e.RegisterSubscription("by-done", map[string]any{"done": true}, func(any) {})
	if err != nil {
		t.Fatalf("RegisterSubscription: %v", err)
	}
	recs := initial.([]store.Record)
	if len(recs) != 1 || recs[0]["title"] != "a" {
		t.Fatalf("bound filter result = %v", recs)
	}
	if _, _, err := e.RegisterSubscription("nope", nil, func(any) {}); cgerrors.CodeOf(err) != cgerrors.CodeQueryNotDefined {
		t.Fatalf("unknown query err = %v", err)
	}
}

func TestTransactionCommitNotifiesOnce(t *testing.T) {
	e := newTaskEngine(t)
	e.DefineQuery("all-tasks", store.QuerySpec{Bucket: "tasks"})
	var pushes int
	e.RegisterSubscription("all-tasks", nil, func(any) { pushes++ })

	results, err := e.Transaction([]store.TxOp{
		{Op: "insert", Bucket: "tasks", Record: store.Record{"title": "a"}},
		{Op: "insert", Bucket: "tasks", Record: store.Record{"title": "b"}},
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	if pushes != 1 {
		t.Fatalf("pushes = %d, want exactly 1 per commit", pushes)
	}
}

func TestTransactionRollback(t *testing.T) {
	e := newTaskEngine(t)
	_, err := e.Transaction([]store.TxOp{
		{Op: "insert", Bucket: "tasks", Record: store.Record{"title": "a"}},
		{Op: "insert", Bucket: "tasks", Record: store.Record{"title": "b", "_forceFail": true}},
	})
	if cgerrors.CodeOf(err) != cgerrors.CodeValidationError {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
	all, _ := e.All("tasks")
	if len(all) != 0 {
		t.Fatalf("rollback left records: %v", all)
	}
}

func TestTransactionReadYourOwnWrites(t *testing.T) {
	e := newTaskEngine(t)
	rec, _ := e.Insert("tasks", store.Record{"title": "a"})
	key := rec["id"].(string)
	results, err := e.Transaction([]store.TxOp{
		{Op: "update", Bucket: "tasks", Key: key, Patch: map[string]any{"done": true}},
		{Op: "update", Bucket: "tasks", Key: key, Patch: map[string]any{"title": "a2"}},
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	final := results[1].(store.Record)
	if final["done"] != true || final["title"] != "a2" || final["_version"] != float64(3) {
		t.Fatalf("read-your-own-writes violated: %v", final)
	}
}

func TestTTLExpiryIsLazy(t *testing.T) {
	e := New()
	schema := taskSchema()
	schema.TTLSeconds = 1
	e.DefineBucket("short", schema)
	rec, _ := e.Insert("short", store.Record{"title": "x"})
	key := rec["id"].(string)

	// Rewrite the expiry into the past instead of sleeping.
	e.mu.Lock()
	e.buckets["short"].records[key]["_expiresAt"] = float64(time.Now().Add(-time.Second).UnixMilli())
	e.mu.Unlock()

	if got, _ := e.Get("short", key); got != nil {
		t.Fatalf("expired record still visible: %v", got)
	}
	if c, _ := e.Count("short", nil); c != 0 {
		t.Fatalf("expired record still counted: %d", c)
	}
}

func TestBucketLifecycle(t *testing.T) {
	e := newTaskEngine(t)
	if err := e.DefineBucket("tasks", taskSchema()); cgerrors.CodeOf(err) != cgerrors.CodeAlreadyExists {
		t.Fatalf("duplicate define err = %v", err)
	}
	schema := taskSchema()
	schema.Fields["priority"] = store.FieldSpec{Type: "number"}
	if err := e.UpdateBucket("tasks", schema); err != nil {
		t.Fatalf("UpdateBucket: %v", err)
	}
	got, _ := e.GetBucketSchema("tasks")
	if _, ok := got.Fields["priority"]; !ok {
		t.Fatalf("schema not updated: %v", got)
	}
	if err := e.DropBucket("tasks"); err != nil {
		t.Fatalf("DropBucket: %v", err)
	}
	if err := e.DropBucket("tasks"); cgerrors.CodeOf(err) != cgerrors.CodeBucketNotDefined {
		t.Fatalf("double drop err = %v", err)
	}
}
