package queue

import (
	"context"
	"sync"
)

// Watch streams the pending set to the returned channel. The first emission
// is the set as of subscription, and every committed write afterwards
// produces exactly one more emission, in commit order, including writes that
// leave the set empty. The channel closes when ctx is cancelled or the
// store is closed.
func (s *Store) Watch(ctx context.Context) <-chan []*PendingAction {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		ch := make(chan []*PendingAction)
		close(ch)
		return ch
	}

	initial, err := s.listPending(ctx)
	if err != nil {
		initial = []*PendingAction{}
	}
	return s.hub.subscribe(ctx, initial)
}

// watchHub fans committed snapshots out to subscribers.
type watchHub struct {
	mu     sync.Mutex
	subs   map[int]*watchSub
	nextID int
	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// watchSub buffers snapshots for one subscriber. The buffer is unbounded so
// a slow consumer delays its own delivery without blocking writers or
// dropping emissions.
type watchSub struct {
	mu     sync.Mutex
	buf    [][]*PendingAction
	notify chan struct{}
	out    chan []*PendingAction
}

func newWatchHub() *watchHub {
	return &watchHub{
		subs: make(map[int]*watchSub),
		stop: make(chan struct{}),
	}
}

// active reports whether anyone is listening, letting writers skip the
// snapshot query when there are no subscribers.
func (h *watchHub) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && len(h.subs) > 0
}

// subscribe registers a subscriber whose first delivery is initial and
// starts its pump goroutine.
func (h *watchHub) subscribe(ctx context.Context, initial []*PendingAction) <-chan []*PendingAction {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch := make(chan []*PendingAction)
		close(ch)
		return ch
	}

	sub := &watchSub{
		buf:    [][]*PendingAction{initial},
		notify: make(chan struct{}, 1),
		out:    make(chan []*PendingAction),
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		sub.pump(ctx, h.stop)
		h.remove(id)
	}()

	return sub.out
}

func (h *watchHub) remove(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// publish appends a snapshot to every subscriber buffer. Callers hold the
// store write lock, so buffer order matches commit order.
func (h *watchHub) publish(snapshot []*PendingAction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		sub.push(snapshot)
	}
}

// close stops every pump and waits for subscriber channels to close.
func (h *watchHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	h.mu.Unlock()

	h.wg.Wait()
}

func (sub *watchSub) push(snapshot []*PendingAction) {
	sub.mu.Lock()
	sub.buf = append(sub.buf, snapshot)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// pump delivers buffered snapshots in order until the subscriber context is
// cancelled or the store closes.
func (sub *watchSub) pump(ctx context.Context, stop <-chan struct{}) {
	defer close(sub.out)

	for {
		sub.mu.Lock()
		var next []*PendingAction
		ok := len(sub.buf) > 0
		if ok {
			next = sub.buf[0]
			sub.buf = sub.buf[1:]
		}
		sub.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-sub.notify:
				continue
			}
		}

		select {
		case sub.out <- next:
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}
