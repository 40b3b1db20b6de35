// Package broadcast carries small notifications between sessions that share
// a data directory.
package broadcast

import (
	"sync/atomic"
)

// Message types.
const (
	TypeLeaderChanged = "leader-changed"
	TypeHeartbeat     = "heartbeat"
)

// Message is one broadcast notification.
type Message struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	Leader string `json:"leader,omitempty"`
	At     int64  `json:"at"`
}

// Channel delivers every published message to every subscriber, the sender
// included. Receivers filter their own messages by From.
type Channel interface {
	Publish(msg Message) error
	Subscribe(fn func(Message)) (cancel func())
	Close() error
}

type subscription struct {
	ch chan Message
}

// Hub is an in-process Channel.
//
// A single event loop owns the subscriber set; public methods talk to it over
// channels. Each subscriber has its own buffered queue and goroutine so a slow
// receiver cannot stall the loop.
type Hub struct {
	subscribeCh   chan *subscription
	unsubscribeCh chan *subscription
	publishCh     chan Message

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub starts a Hub.
func NewHub() *Hub {
	h := &Hub{
		subscribeCh:   make(chan *subscription),
		unsubscribeCh: make(chan *subscription),
		publishCh:     make(chan Message, 64),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	subs := make(map[*subscription]struct{})
	for {
		select {
		case <-h.stopCh:
			for s := range subs {
				close(s.ch)
			}
			return

		case s := <-h.subscribeCh:
			subs[s] = struct{}{}

		case s := <-h.unsubscribeCh:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.ch)
			}

		case msg := <-h.publishCh:
			for s := range subs {
				select {
				case s.ch <- msg:
				default:
					// Receiver queue full; drop.
				}
			}
		}
	}
}

// Publish queues msg for delivery. It is a no-op after Close.
func (h *Hub) Publish(msg Message) error {
	if h.closed.Load() {
		return nil
	}
	select {
	case h.publishCh <- msg:
	case <-h.stopped:
	}
	return nil
}

// Subscribe calls fn for every message until cancel is called.
func (h *Hub) Subscribe(fn func(Message)) (cancel func()) {
	s := &subscription{ch: make(chan Message, 64)}
	if h.closed.Load() {
		return func() {}
	}
	select {
	case h.subscribeCh <- s:
	case <-h.stopped:
		return func() {}
	}

	go func() {
		for msg := range s.ch {
			fn(msg)
		}
	}()

	var done atomic.Bool
	return func() {
		if !done.CompareAndSwap(false, true) || h.closed.Load() {
			return
		}
		select {
		case h.unsubscribeCh <- s:
		case <-h.stopped:
		}
	}
}

// Close stops the loop and ends every subscription.
func (h *Hub) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
	return nil
}

// Compile-time check.
var _ Channel = (*Hub)(nil)
