package wsmux

import (
	"context"
	"fmt"
	"time"

	"github.com/gaspardpetit/deskmux/internal/metrics"
)

// Interaction is a handle on one started interaction. It stays bound to the
// connection the interaction was started on.
type Interaction struct {
	ID int
	c  *Client
	s  *session
}

// Stop removes the interaction from its own connection. Unlike
// StopInteraction it can never remove an interaction of a later connection
// that reuses the id.
func (i Interaction) Stop() bool {
	if i.s == nil {
		return false
	}
	removed, n := i.s.unregister(i.ID)
	if removed && i.c.sess.Load() == i.s {
		metrics.RecordInteractionStopped(i.c.name)
		metrics.SetActiveInteractions(i.c.name, n)
		i.c.log.Debug().Int("request_id", i.ID).Msg("interaction stopped")
	}
	return removed
}

// Closed is closed once the interaction's connection has ended. No further
// messages are delivered after that.
func (i Interaction) Closed() <-chan struct{} {
	if i.s == nil {
		return nil
	}
	return i.s.done
}

// StartInteraction opens an interaction on route and sends payload as one
// frame with a fresh request_id merged into its top-level fields. It connects
// first when needed. cb receives every inbound frame carrying the returned id
// until StopInteraction is called or the connection closes. The client never
// stops an interaction on its own, even after a "done" field.
//
// payload must encode to a JSON object and must not contain request_id; nil
// sends an empty object. route is added as a top-level "route" field when it
// is non-empty and the payload does not set one.
//
// ctx bounds connecting only. Once registered, the frame is written under the
// client's own lifetime so a caller cancelling mid-write cannot close the
// socket shared by other interactions.
func (c *Client) StartInteraction(ctx context.Context, route string, payload any, cb Callback) (int, error) {
	it, err := c.Open(ctx, route, payload, cb)
	if err != nil {
		return -1, err
	}
	return it.ID, nil
}

// Open is StartInteraction returning a handle on the interaction.
func (c *Client) Open(ctx context.Context, route string, payload any, cb Callback) (Interaction, error) {
	if cb == nil {
		return Interaction{ID: -1}, ErrNilCallback
	}
	fields, err := prepareFields(route, payload)
	if err != nil {
		c.log.Warn().Err(err).Str("route", route).Msg("interaction rejected")
		return Interaction{ID: -1}, err
	}
	if err := c.Connect(ctx); err != nil {
		return Interaction{ID: -1}, err
	}
	if err := ctx.Err(); err != nil {
		return Interaction{ID: -1}, err
	}
	s := c.sess.Load()
	if s == nil || s.dead.Load() {
		return Interaction{ID: -1}, ErrNotConnected
	}

	// Registered before the frame is written so no response can be missed.
	id := s.register(cb)
	frame, err := encodeFrame(fields, id)
	if err == nil {
		err = s.write(c.ctx, c.writeTimeout, frame)
	}
	if err != nil {
		_, n := s.unregister(id)
		metrics.SetActiveInteractions(c.name, n)
		c.log.Error().Err(err).Int("request_id", id).Msg("send interaction")
		return Interaction{ID: -1}, fmt.Errorf("wsmux: send interaction %d: %w", id, err)
	}

	metrics.RecordFrameSent(c.name)
	metrics.RecordInteractionStarted(c.name, route)
	metrics.SetActiveInteractions(c.name, s.count())
	if c.tap != nil {
		c.tap.Sent(Entry{Time: time.Now(), Direction: DirectionSent, RequestID: intPtr(id), Route: route, Frame: frame})
	}
	c.log.Debug().Int("request_id", id).Str("route", route).Msg("interaction started")
	return Interaction{ID: id, c: c, s: s}, nil
}

// StopInteraction removes the interaction from the live connection's registry.
// It reports whether an interaction was removed. The server is not notified:
// later frames for id are dropped as unknown.
func (c *Client) StopInteraction(id int) bool {
	s := c.sess.Load()
	if s == nil {
		return false
	}
	removed, n := s.unregister(id)
	if removed {
		metrics.RecordInteractionStopped(c.name)
		metrics.SetActiveInteractions(c.name, n)
		c.log.Debug().Int("request_id", id).Msg("interaction stopped")
	}
	return removed
}

// Active returns the ids registered on the live connection, in ascending order.
func (c *Client) Active() []int {
	s := c.sess.Load()
	if s == nil {
		return nil
	}
	return s.ids()
}

// route dispatches one inbound frame. It never panics and never returns an
// error: failures are logged and the frame dropped.
func (c *Client) route(s *session, data []byte) {
	id, hasID, msg, err := decodeFrame(data)
	entry := Entry{Time: time.Now(), Direction: DirectionReceived}
	if c.tap != nil {
		entry.Frame = validFrame(data)
	}
	switch {
	case err != nil:
		entry.Disposition = metrics.DispositionMalformed
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
	case !hasID:
		entry.Disposition = metrics.DispositionBroadcast
		if c.broadcast != nil {
			c.deliver(-1, c.broadcast, msg)
		} else {
			c.log.Debug().Int("bytes", len(data)).Msg("broadcast")
		}
	default:
		entry.RequestID = intPtr(id)
		cb, ok := s.lookup(id)
		if !ok {
			entry.Disposition = metrics.DispositionUnknownID
			c.log.Debug().Int("request_id", id).Msg("dropping frame for unknown interaction")
			break
		}
		entry.Disposition = metrics.DispositionRouted
		c.deliver(id, cb, msg)
	}
	metrics.RecordFrameReceived(c.name, entry.Disposition)
	if c.tap != nil {
		c.tap.Received(entry)
	}
}

// deliver invokes cb and contains its panics.
func (c *Client) deliver(id int, cb func(Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordCallbackPanic(c.name)
			c.log.Error().Int("request_id", id).Interface("panic", r).Msg("interaction callback panicked")
		}
	}()
	cb(msg)
}
