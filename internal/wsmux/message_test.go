package wsmux

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		id      int
		hasID   bool
		wantErr bool
	}{
		{"routed", `{"request_id":3,"text":"x"}`, 3, true, false},
		{"zero", `{"request_id":0}`, 0, true, false},
		{"broadcast", `{"type":"hello"}`, 0, false, false},
		{"null id", `{"request_id":null}`, 0, false, false},
		{"string id", `{"request_id":"3"}`, 0, false, false},
		{"fractional id", `{"request_id":1.5}`, 0, false, false},
		{"not json", `nope`, 0, false, true},
		{"array", `[1]`, 0, false, true},
		{"null", `null`, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, hasID, msg, err := decodeFrame([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if id != tt.id || hasID != tt.hasID {
				t.Fatalf("got (%d, %v); want (%d, %v)", id, hasID, tt.id, tt.hasID)
			}
			if _, ok := msg[RequestIDField]; ok && hasID {
				t.Fatalf("request_id kept in routed message")
			}
		})
	}
}

func TestPrepareFields(t *testing.T) {
	type payload struct {
		Model string `json:"model"`
	}
	f, err := prepareFields("chat", payload{Model: "m"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	b, err := encodeFrame(f, 9)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["model"] != "m" || got["route"] != "chat" || got["request_id"] != float64(9) || len(got) != 3 {
		t.Fatalf("frame = %v", got)
	}

	if _, err := prepareFields("", json.RawMessage(`{"request_id":1}`)); !errors.Is(err, ErrReservedField) {
		t.Fatalf("err = %v", err)
	}
	if _, err := prepareFields("", 12); !errors.Is(err, ErrPayloadNotObject) {
		t.Fatalf("err = %v", err)
	}
	if _, err := prepareFields("", func() {}); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestMessageAccessors(t *testing.T) {
	_, _, m, err := decodeFrame([]byte(`{"request_id":1,"text":"hi","thinking":"hmm","done":true,"meta":{"tokens":3},"error":{"code":5}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Text() != "hi" || m.Thinking() != "hmm" || !m.Done() {
		t.Fatalf("accessors = %q %q %v", m.Text(), m.Thinking(), m.Done())
	}
	if string(m.Meta()) != `{"tokens":3}` {
		t.Fatalf("meta = %s", m.Meta())
	}
	if m.Error() != `{"code":5}` {
		t.Fatalf("error = %q", m.Error())
	}
	var meta struct {
		Tokens int `json:"tokens"`
	}
	if ok, err := m.Get("meta", &meta); !ok || err != nil || meta.Tokens != 3 {
		t.Fatalf("get meta = %v %v %+v", ok, err, meta)
	}
	var all struct {
		Text string `json:"text"`
		Done bool   `json:"done"`
	}
	if err := m.Decode(&all); err != nil || all.Text != "hi" || !all.Done {
		t.Fatalf("decode = %+v %v", all, err)
	}

	empty := Message{}
	if empty.Text() != "" || empty.Done() || empty.Error() != "" || empty.Meta() != nil {
		t.Fatalf("empty message accessors not zero")
	}
	if (Message{"error": json.RawMessage(`"bad"`)}).Error() != "bad" {
		t.Fatalf("string error not unwrapped")
	}
	if (Message{"error": json.RawMessage(`null`)}).Error() != "" {
		t.Fatalf("null error not empty")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q; want %q", s, s.String(), want)
		}
	}
}
