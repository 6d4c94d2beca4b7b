package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/coralbase/coralgate/cgerrors"
)

func TestDecodeRequestValidationOrder(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code cgerrors.Code
	}{
		{"garbage", "{not json", cgerrors.CodeParseError},
		{"array", `[1,2,3]`, cgerrors.CodeParseError},
		{"null", `null`, cgerrors.CodeParseError},
		{"primitive", `42`, cgerrors.CodeParseError},
		{"missing type", `{"id":1}`, cgerrors.CodeInvalidRequest},
		{"empty type", `{"id":1,"type":""}`, cgerrors.CodeInvalidRequest},
		{"non-string type", `{"id":1,"type":7}`, cgerrors.CodeInvalidRequest},
		{"missing id", `{"type":"ping"}`, cgerrors.CodeInvalidRequest},
		{"string id", `{"type":"ping","id":"7"}`, cgerrors.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, pong, err := DecodeRequest([]byte(tc.raw))
			if req != nil || pong != nil {
				t.Fatalf("expected rejection, got req=%v pong=%v", req, pong)
			}
			if err == nil || err.Code != tc.code {
				t.Fatalf("error = %v, want code %s", err, tc.code)
			}
		})
	}
}

func TestDecodeRequestOK(t *testing.T) {
	req, pong, err := DecodeRequest([]byte(`{"id":3,"type":"store.get","bucket":"tasks","key":"k1"}`))
	if err != nil || pong != nil {
		t.Fatalf("unexpected err=%v pong=%v", err, pong)
	}
	if req.ID != 3 || req.Type != "store.get" {
		t.Fatalf("decoded %+v", req)
	}
	if req.String("bucket") != "tasks" || req.String("key") != "k1" {
		t.Fatalf("field access failed: %+v", req.Fields)
	}
}

func TestDecodePong(t *testing.T) {
	req, pong, err := DecodeRequest([]byte(`{"type":"pong","timestamp":1234}`))
	if err != nil || req != nil {
		t.Fatalf("unexpected err=%v req=%v", err, req)
	}
	if pong == nil || pong.Timestamp != 1234 {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestMalformedPongDroppedSilently(t *testing.T) {
	for _, raw := range []string{
		`{"type":"pong"}`,
		`{"type":"pong","timestamp":"late"}`,
		`{"type":"pong","timestamp":null}`,
	} {
		req, pong, err := DecodeRequest([]byte(raw))
		if req != nil || pong != nil || err != nil {
			t.Fatalf("%s: expected silent drop, got req=%v pong=%v err=%v", raw, req, pong, err)
		}
	}
}

func TestOutboundFrameShapes(t *testing.T) {
	b, err := Encode(NewWelcome(1000, true))
	if err != nil {
		t.Fatalf("encode welcome: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("welcome not JSON: %v", err)
	}
	if m["type"] != "welcome" || m["version"] != Version || m["requiresAuth"] != true {
		t.Fatalf("welcome = %v", m)
	}

	b, _ = Encode(NewPush(ChannelSubscription, "sub-1", []any{}))
	if strings.Contains(string(b), `"id"`) {
		t.Fatalf("push must not carry an id: %s", b)
	}

	b, _ = Encode(NewPing(42))
	if strings.Contains(string(b), `"id"`) {
		t.Fatalf("ping must not carry an id: %s", b)
	}

	b, _ = Encode(NewShutdownNotice(500))
	json.Unmarshal(b, &m)
	if m["event"] != "shutdown" || m["gracePeriodMs"] != float64(500) {
		t.Fatalf("system = %v", m)
	}
}

func TestErrorFrameDetailElision(t *testing.T) {
	e := cgerrors.New(cgerrors.CodeValidationError, "bad field").WithDetails(map[string]any{"field": "title"})
	f := NewErrorFrame(9, e, false)
	if f.Details != nil {
		t.Fatalf("details must be elided when exposure is off")
	}
	f = NewErrorFrame(9, e, true)
	if f.Details == nil {
		t.Fatalf("details should be kept when exposure is on")
	}
	// RATE_LIMITED retry hints always survive.
	rl := cgerrors.New(cgerrors.CodeRateLimited, "limit").WithDetails(map[string]any{"retryAfterMs": 100})
	f = NewErrorFrame(9, rl, false)
	if f.Details == nil {
		t.Fatalf("rate-limit details must survive elision")
	}
}
