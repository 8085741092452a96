// Package inspector records the frames crossing a wsmux connection and serves
// them, with the connection status, over HTTP.
package inspector

import (
	"context"
	"fmt"
	"sync"

	"github.com/gaspardpetit/deskmux/internal/wsmux"
)

// DefaultCapacity is the number of entries kept per direction.
const DefaultCapacity = 500

// Journal stores entries per direction, newest first.
type Journal interface {
	Append(ctx context.Context, e wsmux.Entry) error
	// List returns up to limit entries of direction, newest first. A limit
	// of zero or less returns everything kept.
	List(ctx context.Context, direction string, limit int) ([]wsmux.Entry, error)
	Clear(ctx context.Context) error
}

func checkDirection(d string) error {
	if d != wsmux.DirectionSent && d != wsmux.DirectionReceived {
		return fmt.Errorf("inspector: unknown direction %q", d)
	}
	return nil
}

// MemoryJournal keeps a bounded ring of entries per direction.
type MemoryJournal struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
}

type ring struct {
	buf  []wsmux.Entry
	next int
	full bool
}

// NewMemoryJournal returns a journal keeping capacity entries per direction.
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryJournal{capacity: capacity, rings: map[string]*ring{}}
}

func (j *MemoryJournal) Append(_ context.Context, e wsmux.Entry) error {
	if err := checkDirection(e.Direction); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.rings[e.Direction]
	if r == nil {
		r = &ring{buf: make([]wsmux.Entry, j.capacity)}
		j.rings[e.Direction] = r
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

func (j *MemoryJournal) List(_ context.Context, direction string, limit int) ([]wsmux.Entry, error) {
	if err := checkDirection(direction); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.rings[direction]
	if r == nil {
		return []wsmux.Entry{}, nil
	}
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]wsmux.Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out, nil
}

func (j *MemoryJournal) Clear(context.Context) error {
	j.mu.Lock()
	j.rings = map[string]*ring{}
	j.mu.Unlock()
	return nil
}
