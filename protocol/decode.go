package protocol

import (
	"encoding/json"
	"math"

	"github.com/coralbase/coralgate/cgerrors"
)

// Request is a validated inbound client message.
type Request struct {
	ID     float64        // Correlation id; 0 only for pongs.
	Type   string         // Operation name, e.g. "store.insert".
	Fields map[string]any // Full decoded frame, including id and type.
}

// Pong is a validated inbound heartbeat echo.
type Pong struct {
	Timestamp int64
}

// DecodeRequest validates a raw inbound frame.
//
// Validation is fail-fast in a fixed order: JSON parse, object shape,
// type presence, pong special-casing, id presence. Errors are typed and
// always correlate to id 0 because a frame that fails here never yields a
// trustworthy id.
func DecodeRequest(raw []byte) (*Request, *Pong, *cgerrors.Error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, cgerrors.New(cgerrors.CodeParseError, "invalid JSON")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, nil, cgerrors.New(cgerrors.CodeParseError, "frame must be a JSON object")
	}
	typ, ok := obj["type"].(string)
	if !ok || typ == "" {
		return nil, nil, cgerrors.New(cgerrors.CodeInvalidRequest, "missing or invalid type")
	}
	if typ == "pong" {
		ts, ok := finiteNumber(obj["timestamp"])
		if !ok {
			// Malformed pongs are dropped silently.
			return nil, nil, nil
		}
		return nil, &Pong{Timestamp: int64(ts)}, nil
	}
	id, ok := finiteNumber(obj["id"])
	if !ok {
		return nil, nil, cgerrors.New(cgerrors.CodeInvalidRequest, "missing or invalid id")
	}
	return &Request{ID: id, Type: typ, Fields: obj}, nil, nil
}

func finiteNumber(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// String returns a string field, or "" when absent or not a string.
func (r *Request) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Number returns a numeric field and whether it was present and finite.
func (r *Request) Number(key string) (float64, bool) {
	return finiteNumber(r.Fields[key])
}

// Bool returns a boolean field, or false when absent.
func (r *Request) Bool(key string) bool {
	b, _ := r.Fields[key].(bool)
	return b
}

// Object returns an object-valued field, or nil.
func (r *Request) Object(key string) map[string]any {
	m, _ := r.Fields[key].(map[string]any)
	return m
}

// Array returns an array-valued field, or nil.
func (r *Request) Array(key string) []any {
	a, _ := r.Fields[key].([]any)
	return a
}

// Has reports whether a field is present with a non-null value.
func (r *Request) Has(key string) bool {
	v, ok := r.Fields[key]
	return ok && v != nil
}
