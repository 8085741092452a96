// Package testws is a scriptable WebSocket backend for tests. It speaks the
// flat request_id protocol: every inbound frame is handed to a Handler that
// replies with frames carrying the same id.
package testws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/deskmux/internal/logx"
)

// Request is one inbound frame.
type Request struct {
	// ConnID identifies the physical connection the frame arrived on.
	ConnID string
	ID     int
	HasID  bool
	Fields map[string]json.RawMessage
	Raw    []byte
}

// Str returns a string field of the request.
func (r Request) Str(key string) string {
	var s string
	_ = json.Unmarshal(r.Fields[key], &s)
	return s
}

// Handler answers one request. It runs on its own goroutine.
type Handler func(ctx context.Context, req Request, w *Writer)

// Writer sends frames back on the connection a request arrived on.
type Writer struct {
	conn  *websocket.Conn
	id    int
	hasID bool
}

// Send writes v as one JSON frame.
func (w *Writer) Send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, b)
}

// Reply writes fields with the request's id merged in. Requests without an
// id get an id-less reply.
func (w *Writer) Reply(ctx context.Context, fields map[string]any) error {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	delete(out, "request_id")
	if w.hasID {
		out["request_id"] = w.id
	}
	return w.Send(ctx, out)
}

// SendRaw writes data unchanged.
func (w *Writer) SendRaw(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Option configures a Server.
type Option func(*Server)

// WithHello makes the server send {"type":"hello","connection_id":...}
// without a request_id as soon as a connection is accepted.
func WithHello() Option { return func(s *Server) { s.hello = true } }

// Server is an httptest server accepting WebSocket connections on any path.
type Server struct {
	srv     *httptest.Server
	handler Handler
	hello   bool
	log     zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	accepted int
	received []Request
}

// New starts a server answering every frame with h.
func New(h Handler, opts ...Option) *Server {
	s := &Server{
		handler: h,
		log:     logx.Component("testws"),
		conns:   map[string]*websocket.Conn{},
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/frontend/ws"
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("accept")
		return
	}
	connID := uuid.NewString()
	s.mu.Lock()
	s.conns[connID] = c
	s.accepted++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if s.hello {
		b, _ := json.Marshal(map[string]string{"type": "hello", "connection_id": connID})
		if err := c.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			s.log.Debug().Err(err).Str("conn", connID).Msg("connection closed")
			return
		}
		req := Request{ConnID: connID, Raw: data}
		if err := json.Unmarshal(data, &req.Fields); err != nil {
			s.log.Warn().Err(err).Msg("bad frame")
			continue
		}
		if raw, ok := req.Fields["request_id"]; ok {
			if n, err := strconv.Atoi(string(raw)); err == nil {
				req.ID, req.HasID = n, true
			}
		}
		s.mu.Lock()
		s.received = append(s.received, req)
		s.mu.Unlock()
		if s.handler != nil {
			go s.handler(ctx, req, &Writer{conn: c, id: req.ID, hasID: req.HasID})
		}
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Received returns every frame read so far, in arrival order.
func (s *Server) Received() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.received...)
}

func (s *Server) live() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends v without a request_id on every live connection.
func (s *Server) Broadcast(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for _, c := range s.live() {
		if err := c.Write(ctx, websocket.MessageText, b); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes every live connection with code.
func (s *Server) CloseAll(code websocket.StatusCode, reason string) {
	for _, c := range s.live() {
		_ = c.Close(code, reason)
	}
}

// Drop tears every live connection down without a close handshake.
func (s *Server) Drop() {
	for _, c := range s.live() {
		_ = c.CloseNow()
	}
}

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

// Echo replies once with the request's fields and done set.
func Echo() Handler {
	return func(ctx context.Context, req Request, w *Writer) {
		out := map[string]any{}
		for k, v := range req.Fields {
			out[k] = v
		}
		out["done"] = true
		_ = w.Reply(ctx, out)
	}
}

// Stream replies with one text frame per chunk, pausing between chunks, then
// a done frame.
func Stream(pause time.Duration, chunks ...string) Handler {
	return func(ctx context.Context, req Request, w *Writer) {
		for _, c := range chunks {
			if err := w.Reply(ctx, map[string]any{"text": c}); err != nil {
				return
			}
			if pause > 0 {
				select {
				case <-time.After(pause):
				case <-ctx.Done():
					return
				}
			}
		}
		_ = w.Reply(ctx, map[string]any{"done": true})
	}
}

// Fail replies with a single error frame.
func Fail(msg string) Handler {
	return func(ctx context.Context, req Request, w *Writer) {
		_ = w.Reply(ctx, map[string]any{"error": msg, "done": true})
	}
}

// Silent never replies.
func Silent() Handler {
	return func(context.Context, Request, *Writer) {}
}
