package wsmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// RequestIDField is the reserved correlation field carried by every frame of
// an interaction.
const RequestIDField = "request_id"

// RouteField carries the route tag when the caller's payload does not set one.
const RouteField = "route"

var (
	// ErrReservedField is returned when a payload already carries request_id.
	ErrReservedField = errors.New("wsmux: payload contains reserved field " + RequestIDField)
	// ErrPayloadNotObject is returned when a payload does not encode to a JSON object.
	ErrPayloadNotObject = errors.New("wsmux: payload must encode to a JSON object")
)

// Message is an inbound frame minus its correlation id. Fields are forwarded
// verbatim; the router does not interpret them.
type Message map[string]json.RawMessage

// Get decodes field key into v. It reports whether the field was present.
func (m Message) Get(key string, v any) (bool, error) {
	raw, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Decode decodes the whole message into v.
func (m Message) Decode(v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (m Message) str(key string) string {
	var s string
	if ok, err := m.Get(key, &s); ok && err == nil {
		return s
	}
	return ""
}

// Text returns the "text" field when it is a string.
func (m Message) Text() string { return m.str("text") }

// Thinking returns the "thinking" field when it is a string.
func (m Message) Thinking() string { return m.str("thinking") }

// Error returns the "error" field. Non-string errors are returned as raw JSON.
func (m Message) Error() string {
	raw, ok := m["error"]
	if !ok || isNull(raw) {
		return ""
	}
	if s := m.str("error"); s != "" {
		return s
	}
	return string(raw)
}

// Done reports whether the "done" field is true.
func (m Message) Done() bool {
	var b bool
	ok, err := m.Get("done", &b)
	return ok && err == nil && b
}

// Meta returns the raw "meta" field, or nil.
func (m Message) Meta() json.RawMessage { return m["meta"] }

// prepareFields validates payload and turns it into top-level frame fields.
func prepareFields(route string, payload any) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if isNull(raw) || json.Unmarshal(raw, &fields) != nil {
			return nil, ErrPayloadNotObject
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	if _, ok := fields[RequestIDField]; ok {
		return nil, ErrReservedField
	}
	if route != "" {
		if _, ok := fields[RouteField]; !ok {
			b, _ := json.Marshal(route)
			fields[RouteField] = b
		}
	}
	return fields, nil
}

// encodeFrame merges the correlation id into fields.
func encodeFrame(fields map[string]json.RawMessage, id int) ([]byte, error) {
	fields[RequestIDField] = json.RawMessage(strconv.Itoa(id))
	return json.Marshal(fields)
}

// decodeFrame parses an inbound frame. hasID is false when the frame carries
// no integer request_id.
func decodeFrame(data []byte) (id int, hasID bool, msg Message, err error) {
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, false, nil, err
	}
	if msg == nil {
		return 0, false, nil, ErrPayloadNotObject
	}
	raw, ok := msg[RequestIDField]
	if !ok || isNull(raw) {
		return 0, false, msg, nil
	}
	var n int
	if json.Unmarshal(raw, &n) != nil {
		return 0, false, msg, nil
	}
	delete(msg, RequestIDField)
	return n, true, msg, nil
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
