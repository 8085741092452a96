// Package chat speaks the streaming chat protocol of the workspace backend on
// top of a multiplexed wsmux connection.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/deskmux/internal/logx"
	"github.com/gaspardpetit/deskmux/internal/wsmux"
)

// Route is the route tag of chat interactions.
const Route = "chat"

var (
	// ErrConnectionLost is returned by Collect when the connection the
	// interaction was started on ends before the final event.
	ErrConnectionLost = errors.New("chat: connection lost")
	// ErrInvalidRequest is returned for a request without a model or messages.
	ErrInvalidRequest = errors.New("chat: model and messages are required")
)

// Interactor is the part of wsmux.Client the chat layer uses.
type Interactor interface {
	Open(ctx context.Context, route string, payload any, cb wsmux.Callback) (wsmux.Interaction, error)
	StopInteraction(id int) bool
}

// Turn is one message of the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request starts a chat completion.
type Request struct {
	Model        string  `json:"model"`
	Messages     []Turn  `json:"messages"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Stream       bool    `json:"stream"`
}

// Event is one streamed frame of a chat interaction.
type Event struct {
	Text     string
	Thinking string
	Meta     json.RawMessage
	Error    string
	Details  json.RawMessage
	Done     bool
}

// Final reports whether no further events are expected.
func (e Event) Final() bool { return e.Done || e.Error != "" }

// EventFrom decodes a routed message. Older backends stream text in "delta".
func EventFrom(m wsmux.Message) Event {
	ev := Event{
		Text:     m.Text(),
		Thinking: m.Thinking(),
		Meta:     m.Meta(),
		Error:    m.Error(),
		Details:  m["details"],
		Done:     m.Done(),
	}
	if ev.Text == "" {
		_, _ = m.Get("delta", &ev.Text)
	}
	return ev
}

// RemoteError is an error event reported by the backend.
type RemoteError struct {
	ID      int
	Message string
	Details json.RawMessage
}

func (e *RemoteError) Error() string { return "chat: backend error: " + e.Message }

// Transcript is the accumulated result of one interaction.
type Transcript struct {
	ID       int
	Text     string
	Thinking string
	Meta     json.RawMessage
	Events   int
}

// Option configures a Client.
type Option func(*Client)

// WithRoute overrides the route tag.
func WithRoute(route string) Option { return func(c *Client) { c.route = route } }

// Client sends chat requests. Unlike the raw multiplexer it removes an
// interaction once its final event has been delivered.
type Client struct {
	mux   Interactor
	route string
	log   zerolog.Logger
}

// New wraps mux.
func New(mux Interactor, opts ...Option) *Client {
	c := &Client{mux: mux, route: Route, log: logx.Component("chat")}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send starts a chat interaction and calls fn for every event up to and
// including the final one. It returns the interaction id.
func (c *Client) Send(ctx context.Context, req Request, fn func(Event)) (int, error) {
	it, err := c.open(ctx, req, fn)
	if err != nil {
		return -1, err
	}
	return it.ID, nil
}

func (c *Client) open(ctx context.Context, req Request, fn func(Event)) (wsmux.Interaction, error) {
	if req.Model == "" || len(req.Messages) == 0 {
		return wsmux.Interaction{ID: -1}, ErrInvalidRequest
	}
	var (
		mu    sync.Mutex
		it    *wsmux.Interaction
		final bool
	)
	cb := func(m wsmux.Message) {
		ev := EventFrom(m)
		mu.Lock()
		if final {
			mu.Unlock()
			return
		}
		final = ev.Final()
		known := it
		mu.Unlock()
		fn(ev)
		if ev.Final() && known != nil {
			known.Stop()
		}
	}
	opened, err := c.mux.Open(ctx, c.route, req, cb)
	if err != nil {
		return wsmux.Interaction{ID: -1}, err
	}
	mu.Lock()
	it = &opened
	finished := final
	mu.Unlock()
	// The final event may have arrived before Open returned.
	if finished {
		opened.Stop()
	}
	c.log.Debug().Int("request_id", opened.ID).Str("model", req.Model).Msg("chat started")
	return opened, nil
}

// Cancel stops delivering events for id. The backend is not notified.
func (c *Client) Cancel(id int) bool { return c.mux.StopInteraction(id) }

// Collect sends req and blocks until the final event, ctx is done, or the
// connection is lost. The partial transcript is returned with any error.
func (c *Client) Collect(ctx context.Context, req Request) (Transcript, error) {
	return c.Stream(ctx, req, nil)
}

// Stream is Collect with fn, when non-nil, called for every event as it
// arrives.
func (c *Client) Stream(ctx context.Context, req Request, fn func(Event)) (Transcript, error) {
	var (
		mu       sync.Mutex
		text     strings.Builder
		thinking strings.Builder
		tr       Transcript
		remote   *RemoteError
	)
	done := make(chan struct{})
	it, err := c.open(ctx, req, func(ev Event) {
		mu.Lock()
		text.WriteString(ev.Text)
		thinking.WriteString(ev.Thinking)
		if len(ev.Meta) > 0 {
			tr.Meta = ev.Meta
		}
		tr.Events++
		if ev.Error != "" {
			remote = &RemoteError{Message: ev.Error, Details: ev.Details}
		}
		mu.Unlock()
		if fn != nil {
			fn(ev)
		}
		if ev.Final() {
			close(done)
		}
	})
	if err != nil {
		return Transcript{ID: -1}, err
	}
	id := it.ID

	snapshot := func() Transcript {
		mu.Lock()
		defer mu.Unlock()
		out := tr
		out.ID = id
		out.Text = text.String()
		out.Thinking = thinking.String()
		return out
	}

	select {
	case <-done:
	case <-it.Closed():
		select {
		case <-done:
		default:
			c.log.Warn().Int("request_id", id).Msg("connection lost during chat")
			return snapshot(), ErrConnectionLost
		}
	case <-ctx.Done():
		it.Stop()
		return snapshot(), ctx.Err()
	}

	out := snapshot()
	mu.Lock()
	r := remote
	mu.Unlock()
	if r != nil {
		r.ID = id
		return out, r
	}
	return out, nil
}
