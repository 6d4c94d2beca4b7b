// Package e2e exercises the gateway end to end over real sockets: the
// heartbeat cycle, reactive pushes, rate-limit key switching, transaction
// atomicity and graceful shutdown.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/client"
	"github.com/coralbase/coralgate/gateway"
	"github.com/coralbase/coralgate/identity"
	"github.com/coralbase/coralgate/ratelimit"
	"github.com/coralbase/coralgate/realtime/ws"
	"github.com/coralbase/coralgate/rules/memrules"
	"github.com/coralbase/coralgate/store/memstore"
)

func startGateway(t *testing.T, mut func(*gateway.Config)) (*gateway.Server, string) {
	t.Helper()
	cfg := gateway.DefaultConfig()
	cfg.Store = memstore.New()
	cfg.Rules = memrules.New()
	if mut != nil {
		mut(&cfg)
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return gw, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func mustCall(t *testing.T, c *client.Client, op string, fields map[string]any) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.Call(ctx, op, fields)
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return data
}

func setupTasks(t *testing.T, c *client.Client) {
	t.Helper()
	mustCall(t, c, "store.defineBucket", map[string]any{
		"bucket": "tasks",
		"schema": map[string]any{
			"fields": map[string]any{
				"title": map[string]any{"type": "string", "required": true},
				"done":  map[string]any{"type": "boolean", "default": false},
			},
		},
	})
	mustCall(t, c, "store.defineQuery", map[string]any{
		"name":  "all-tasks",
		"query": map[string]any{"bucket": "tasks"},
	})
}

// readCloseCode drains frames from a raw socket until it closes and
// returns the close code and reason.
func readCloseCode(t *testing.T, sock *ws.Conn, timeout time.Duration) (int, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		_, _, err := sock.ReadMessage(ctx)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Text
		}
		t.Fatalf("socket ended without close frame: %v", err)
	}
}

func TestHeartbeatHappyPath(t *testing.T) {
	_, url := startGateway(t, func(cfg *gateway.Config) {
		cfg.Heartbeat.Interval = 50 * time.Millisecond
	})
	var pings atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		URL:    url,
		OnPing: func(int64) { pings.Add(1) },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	time.Sleep(600 * time.Millisecond)
	select {
	case <-c.Done():
		t.Fatal("connection closed despite pong echoes")
	default:
	}
	if n := pings.Load(); n < 9 {
		t.Fatalf("pings = %d, want at least 9", n)
	}
	mustCall(t, c, "ping", nil)
}

func TestHeartbeatTimeout(t *testing.T) {
	_, url := startGateway(t, func(cfg *gateway.Config) {
		cfg.Heartbeat.Interval = 50 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, _, err := ws.Dial(ctx, url, ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sock.Close()

	// Ignore every ping; the second tick must close the socket.
	code, reason := readCloseCode(t, sock, 2*time.Second)
	if code != 4001 || reason != "heartbeat_timeout" {
		t.Fatalf("close = %d %q, want 4001 heartbeat_timeout", code, reason)
	}
}

func TestReactivePush(t *testing.T) {
	_, url := startGateway(t, nil)
	pushes := make(chan client.Push, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := client.Dial(ctx, client.Config{URL: url, OnPush: func(p client.Push) { pushes <- p }})
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, err := client.Dial(ctx, client.Config{URL: url})
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()

	setupTasks(t, a)
	var sub struct {
		SubscriptionID string           `json:"subscriptionId"`
		Data           []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(mustCall(t, a, "store.subscribe", map[string]any{"query": "all-tasks"}), &sub); err != nil {
		t.Fatal(err)
	}
	if len(sub.Data) != 0 {
		t.Fatalf("initial data = %v", sub.Data)
	}

	mustCall(t, b, "store.insert", map[string]any{"bucket": "tasks", "record": map[string]any{"title": "x"}})

	select {
	case p := <-pushes:
		if p.Channel != "subscription" || p.SubscriptionID != sub.SubscriptionID {
			t.Fatalf("push = %+v", p)
		}
		var records []map[string]any
		if err := json.Unmarshal(p.Data, &records); err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 || records[0]["title"] != "x" || records[0]["done"] != false || records[0]["_version"] != float64(1) {
			t.Fatalf("push records = %v", records)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no push after insert")
	}
	select {
	case p := <-pushes:
		t.Fatalf("second push for one mutation: %+v", p)
	case <-time.After(200 * time.Millisecond):
	}

	mustCall(t, a, "store.unsubscribe", map[string]any{"subscriptionId": sub.SubscriptionID})
	mustCall(t, b, "store.insert", map[string]any{"bucket": "tasks", "record": map[string]any{"title": "y"}})
	select {
	case p := <-pushes:
		t.Fatalf("push after unsubscribe: %+v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRateLimitKeySwitch(t *testing.T) {
	idStore, err := identity.NewStore(identity.Config{TokenSecret: []byte("k"), BcryptCost: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idStore.CreateUser("ada", "pw", []string{"admin"}, nil); err != nil {
		t.Fatal(err)
	}
	_, url := startGateway(t, func(cfg *gateway.Config) {
		cfg.Identity = idStore
		cfg.RateLimit = ratelimit.New(ratelimit.Config{MaxRequests: 3, Window: time.Minute})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, client.Config{URL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// Two anonymous requests plus the login exhaust the IP budget.
	mustCall(t, c, "ping", nil)
	mustCall(t, c, "ping", nil)
	mustCall(t, c, "identity.login", map[string]any{"username": "ada", "password": "pw"})

	anon, err := client.Dial(ctx, client.Config{URL: url})
	if err != nil {
		t.Fatalf("dial anon: %v", err)
	}
	defer anon.Close()
	if _, err := anon.Call(ctx, "ping", nil); cgerrors.CodeOf(err) != cgerrors.CodeRateLimited {
		t.Fatalf("anonymous request on exhausted IP bucket: %v", err)
	}

	// The authenticated client now draws from a fresh per-user bucket.
	mustCall(t, c, "ping", nil)
	mustCall(t, c, "ping", nil)
	mustCall(t, c, "ping", nil)
	_, err = c.Call(ctx, "ping", nil)
	if cgerrors.CodeOf(err) != cgerrors.CodeRateLimited {
		t.Fatalf("fourth user request: %v", err)
	}
	e, _ := cgerrors.As(err)
	if details, ok := e.Details.(map[string]any); !ok || details["retryAfterMs"] == nil {
		t.Fatalf("details = %v", e.Details)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	_, url := startGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{URL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	mustCall(t, c, "store.defineBucket", map[string]any{
		"bucket": "users",
		"schema": map[string]any{"fields": map[string]any{"name": map[string]any{"type": "string"}}},
	})
	_, err = c.Call(ctx, "store.transaction", map[string]any{
		"operations": []any{
			map[string]any{"op": "insert", "bucket": "users", "record": map[string]any{"name": "A"}},
			map[string]any{"op": "insert", "bucket": "users", "record": map[string]any{"name": "B", "_forceFail": true}},
		},
	})
	if cgerrors.CodeOf(err) != cgerrors.CodeValidationError {
		t.Fatalf("transaction error = %v", err)
	}
	if data := mustCall(t, c, "store.all", map[string]any{"bucket": "users"}); string(data) != "[]" {
		t.Fatalf("bucket after rollback = %s", data)
	}
}

func TestGracefulShutdown(t *testing.T) {
	gw, url := startGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdowns := make(chan int64, 2)
	c1, err := client.Dial(ctx, client.Config{
		URL: url,
		OnSystem: func(event string, graceMS int64) {
			if event == "shutdown" {
				shutdowns <- graceMS
			}
		},
	})
	if err != nil {
		t.Fatalf("dial c1: %v", err)
	}

	// The second client stalls: it observes the notice but never closes.
	stalled, _, err := ws.Dial(ctx, url, ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial stalled: %v", err)
	}
	defer stalled.Close()
	if _, _, err := stalled.ReadMessage(ctx); err != nil { // welcome
		t.Fatalf("welcome: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		gw.Stop(500 * time.Millisecond)
		close(stopped)
	}()

	select {
	case grace := <-shutdowns:
		if grace != 500 {
			t.Fatalf("gracePeriodMs = %d", grace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("c1 received no shutdown notice")
	}
	_ = c1.Close() // Voluntary disconnect within the grace period.

	start := time.Now()
	code, _ := readCloseCode(t, stalled, 3*time.Second)
	if code != 1000 {
		t.Fatalf("stalled close code = %d, want 1000", code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("force close took %v", elapsed)
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// New upgrades are refused once shutdown has begun.
	refused, _, err := ws.Dial(context.Background(), url, ws.DialOptions{})
	if err != nil {
		return // Listener already torn down; refusal is moot.
	}
	defer refused.Close()
	code, reason := readCloseCode(t, refused, 2*time.Second)
	if code != 1001 || reason != "server_shutting_down" {
		t.Fatalf("refused close = %d %q", code, reason)
	}
}
