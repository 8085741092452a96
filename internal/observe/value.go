// Package observe provides a small subscribable value holder used to expose
// connection status to UI layers without binding to any framework.
package observe

import "sync"

// Value holds a comparable value and notifies subscribers when it changes.
type Value[T comparable] struct {
	mu     sync.Mutex
	cur    T
	nextID int
	subs   map[int]func(T)

	// notifyMu serializes notifications so subscribers see changes in order.
	notifyMu sync.Mutex
}

// NewValue returns a Value initialised to v.
func NewValue[T comparable](v T) *Value[T] {
	return &Value[T]{cur: v, subs: map[int]func(T){}}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur
}

// Set stores v and notifies subscribers if it differs from the current value.
// It reports whether the value changed.
func (o *Value[T]) Set(v T) bool {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	if o.cur == v {
		o.mu.Unlock()
		return false
	}
	o.cur = v
	subs := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Subscribe registers fn for future changes and returns a function that
// removes the subscription. fn is not called with the current value and
// must not call Set on the same Value.
func (o *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	if o.subs == nil {
		o.subs = map[int]func(T){}
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Watch returns a channel receiving every change after the call, and a stop
// function. Changes are dropped for a consumer that falls more than buffer
// values behind.
func (o *Value[T]) Watch(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	var mu sync.Mutex
	closed := false
	unsub := o.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}
