package wsmux

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// session is one physical connection together with its interaction registry.
// Ids are scoped to a session: a new session starts counting from zero.
type session struct {
	conn Conn
	done chan struct{}

	// closing is set when the close was requested locally.
	closing atomic.Bool
	// dead is set as soon as a read fails, before the session is discarded.
	dead atomic.Bool

	writeMu sync.Mutex

	mu           sync.Mutex
	next         int
	interactions map[int]Callback
}

func newSession(conn Conn) *session {
	return &session{
		conn:         conn,
		done:         make(chan struct{}),
		interactions: map[int]Callback{},
	}
}

// register allocates the next id and stores cb under it.
func (s *session) register(cb Callback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.interactions[id] = cb
	return id
}

func (s *session) unregister(id int) (removed bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, removed = s.interactions[id]
	delete(s.interactions, id)
	return removed, len(s.interactions)
}

func (s *session) lookup(id int) (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.interactions[id]
	return cb, ok
}

func (s *session) clear() {
	s.mu.Lock()
	s.interactions = map[int]Callback{}
	s.next = 0
	s.mu.Unlock()
}

func (s *session) ids() []int {
	s.mu.Lock()
	out := make([]int, 0, len(s.interactions))
	for id := range s.interactions {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Ints(out)
	return out
}

func (s *session) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interactions)
}

// write sends one frame. ctx must not be a caller's context: coder/websocket
// closes the whole connection when the context of a write ends mid-frame.
func (s *session) write(ctx context.Context, timeout time.Duration, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) close(reason string) error {
	s.closing.Store(true)
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

func (s *session) readLoop(ctx context.Context, c *Client) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.dead.Store(true)
			c.sessionClosed(s, err)
			return
		}
		c.route(s, data)
	}
}

func (s *session) pingLoop(ctx context.Context, c *Client, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			if err := s.conn.Ping(pctx); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
			cancel()
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
