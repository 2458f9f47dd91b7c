package service

import "sync"

// observers is a registration-ordered list of callbacks.
// Values are delivered in publish order, by one goroutine at a time.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	subs []sub[T]

	queue []T
	busy  bool
}

type sub[T any] struct {
	id int
	fn func(T)
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	id := o.next
	o.subs = append(o.subs, sub[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// publish queues v. Call it under the owner's state lock so the queue follows state order.
func (o *observers[T]) publish(v T) {
	o.mu.Lock()
	o.queue = append(o.queue, v)
	o.mu.Unlock()
}

// flush delivers queued values without holding any lock. If another goroutine
// is already delivering, it returns at once and that goroutine delivers v too.
func (o *observers[T]) flush() {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return
	}
	o.busy = true
	for len(o.queue) > 0 {
		v := o.queue[0]
		o.queue = o.queue[1:]
		subs := append([]sub[T](nil), o.subs...)
		o.mu.Unlock()
		o.deliver(subs, v)
		o.mu.Lock()
	}
	o.queue = nil
	o.busy = false
	o.mu.Unlock()
}

func (o *observers[T]) deliver(subs []sub[T], v T) {
	done := false
	defer func() {
		if !done {
			// подписчик паникнул
			o.mu.Lock()
			o.busy = false
			o.mu.Unlock()
		}
	}()
	for _, s := range subs {
		s.fn(v)
	}
	done = true
}
