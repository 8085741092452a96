package wsmux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type inbound struct {
	data []byte
	err  error
}

type mockConn struct {
	in     chan inbound
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	sent     [][]byte
	writeErr error
}

func newMockConn() *mockConn {
	return &mockConn{in: make(chan inbound, 32), closed: make(chan struct{})}
}

func (m *mockConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-m.in:
		if f.err != nil {
			return 0, nil, f.err
		}
		return websocket.MessageText, f.data, nil
	case <-m.closed:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "closed"}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write mirrors coder/websocket: a write whose context is done tears the
// whole connection down.
func (m *mockConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	if err := ctx.Err(); err != nil {
		m.in <- inbound{err: io.ErrClosedPipe}
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.sent = append(m.sent, append([]byte(nil), p...))
	return nil
}

func (m *mockConn) Ping(context.Context) error { return nil }

func (m *mockConn) Close(websocket.StatusCode, string) error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) push(s string) { m.in <- inbound{data: []byte(s)} }

func (m *mockConn) fail(err error) { m.in <- inbound{err: err} }

func (m *mockConn) setWriteErr(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

func (m *mockConn) frames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.sent))
	for _, b := range m.sent {
		var f map[string]any
		_ = json.Unmarshal(b, &f)
		out = append(out, f)
	}
	return out
}

type mockDialer struct {
	mu    sync.Mutex
	calls int
	conns []*mockConn
	err   error
	gate  chan struct{}
}

func (d *mockDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newMockConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *mockDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *mockDialer) conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *mockDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

var errDial = errors.New("dial refused")

func newTestClient(t *testing.T, opts ...Option) (*Client, *mockDialer) {
	t.Helper()
	d := &mockDialer{}
	opts = append([]Option{WithDialer(d), WithPingInterval(0), WithName(t.Name())}, opts...)
	c := New("ws://mock/ws", opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c, d
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s; want %s", c.State(), want)
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func collector() (Callback, <-chan Message) {
	ch := make(chan Message, 32)
	return func(m Message) { ch <- m }, ch
}
