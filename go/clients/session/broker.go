package session

import (
	"context"
	"sync"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// Subscription receives the broadcasts of one room. C is closed when the
// subscription ends: on Close, when its context is done, when the session
// closes, or when the subscriber falls behind (Err then reports
// ErrSubscriptionLagged and the subscriber should reload the room).
type Subscription struct {
	C <-chan *events.Message

	key    models.RoomKey
	ch     chan *events.Message
	broker *Broker
	stop   func() bool

	err error // guarded by broker.mu
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.broker.remove(s, nil)
}

// Err reports why the subscription ended, if it ended abnormally.
func (s *Subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// StatusWatch receives status changes. Only the most recent status is
// guaranteed to be delivered.
type StatusWatch struct {
	C <-chan Status

	ch     chan Status
	broker *Broker
	stop   func() bool
}

func (w *StatusWatch) Close() {
	w.broker.removeWatch(w)
}

// Broker fans session frames out to typed per-room subscriptions.
type Broker struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	watches map[*StatusWatch]struct{}
	closed  bool
	buffer  int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		subs:    make(map[*Subscription]struct{}),
		watches: make(map[*StatusWatch]struct{}),
		buffer:  buffer,
	}
}

// Subscribe returns a subscription for the broadcasts of key, bound to ctx.
func (b *Broker) Subscribe(ctx context.Context, key models.RoomKey) *Subscription {
	ch := make(chan *events.Message, b.buffer)
	s := &Subscription{C: ch, key: key, ch: ch, broker: b}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.err = ErrClosed
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	b.bind(ctx, func() bool { _, ok := b.subs[s]; return ok }, s.Close, &s.stop)
	return s
}

// WatchStatus returns a watch bound to ctx, primed with the current status.
func (b *Broker) WatchStatus(ctx context.Context, current Status) *StatusWatch {
	ch := make(chan Status, 8)
	w := &StatusWatch{C: ch, ch: ch, broker: b}
	ch <- current

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return w
	}
	b.watches[w] = struct{}{}
	b.mu.Unlock()

	b.bind(ctx, func() bool { _, ok := b.watches[w]; return ok }, w.Close, &w.stop)
	return w
}

// bind ends a subscription when ctx is done.
func (b *Broker) bind(ctx context.Context, active func() bool, closeFn func(), stop *func() bool) {
	unbind := context.AfterFunc(ctx, closeFn)
	b.mu.Lock()
	defer b.mu.Unlock()
	if active() {
		*stop = unbind
	} else {
		unbind()
	}
}

// Publish delivers a broadcast to the subscribers of its room.
func (b *Broker) Publish(msg *events.Message) {
	key, ok := events.RoomKeyOf(msg)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.key != key {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.removeLocked(s, ErrSubscriptionLagged)
		}
	}
}

// PublishStatus delivers a status change, replacing an undelivered older
// status when a watcher is slow.
func (b *Broker) PublishStatus(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.watches {
		select {
		case w.ch <- st:
			continue
		default:
		}
		// Senders hold b.mu, so dropping one stale status makes room.
		select {
		case <-w.ch:
		default:
		}
		w.ch <- st
	}
}

// Close ends every subscription and watch.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		b.removeLocked(s, ErrClosed)
	}
	for w := range b.watches {
		b.removeWatchLocked(w)
	}
}

func (b *Broker) remove(s *Subscription, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s, err)
}

func (b *Broker) removeLocked(s *Subscription, err error) {
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.err = err
	close(s.ch)
	if s.stop != nil {
		s.stop()
	}
}

func (b *Broker) removeWatch(w *StatusWatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeWatchLocked(w)
}

func (b *Broker) removeWatchLocked(w *StatusWatch) {
	if _, ok := b.watches[w]; !ok {
		return
	}
	delete(b.watches, w)
	close(w.ch)
	if w.stop != nil {
		w.stop()
	}
}
