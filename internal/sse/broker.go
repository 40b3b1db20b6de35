// Package sse implements a Server-Sent Events broker for document, leadership
// and conflict updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types.
const (
	TypeDocumentCreated  = "document.created"
	TypeDocumentUpdated  = "document.updated"
	TypeDocumentDeleted  = "document.deleted"
	TypeDocumentRestored = "document.restored"
	TypeDocumentPurged   = "document.purged"
	TypeListUpdated      = "list.updated"
	TypeLeaderChanged    = "leader.changed"
	TypeConflicts        = "conflicts"
	TypeRecoveryPrompt   = "recovery.prompt"
)

// State events describe the current situation rather than a change. The
// latest of each is replayed to every new subscriber.
var stateEvents = map[string]bool{
	TypeLeaderChanged:  true,
	TypeConflicts:      true,
	TypeRecoveryPrompt: true,
}

const (
	clientBuffer     = 64
	historySize      = 64
	defaultKeepAlive = 15 * time.Second
)

type documentEventReq struct {
	kind string
	id   string
}

type subscribeReq struct {
	ch     chan []byte
	lastID uint64
	resume bool
}

type frame struct {
	id  uint64
	raw []byte
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithKeepAlive sets the interval of comment frames written to idle streams.
// Zero disables them.
func WithKeepAlive(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.keepAlive = d
	}
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop owns the clients, the replay history, the retained
// state events and the list throttle. Public methods talk to it through
// channels.
type Broker struct {
	listMin   time.Duration
	keepAlive time.Duration

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	docEventCh    chan documentEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits list.updated at most once per
// listThrottle.
func NewBroker(listThrottle time.Duration, opts ...BrokerOption) *Broker {
	if listThrottle <= 0 {
		listThrottle = 2 * time.Second
	}

	b := &Broker{
		listMin:       listThrottle,
		keepAlive:     defaultKeepAlive,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		docEventCh:    make(chan documentEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	retained := make(map[string]frame)
	history := make([]frame, 0, historySize)
	var (
		seq      uint64
		lastList time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		f := frame{id: seq, raw: []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))}

		if len(history) == historySize {
			history = append(history[:0], history[1:]...)
		}
		history = append(history, f)
		if stateEvents[event.Type] {
			retained[event.Type] = f
		}

		for ch := range clients {
			send(ch, f.raw)
		}
	}

	// replay brings a new subscriber up to date. A client resuming inside
	// the history window gets exactly what it missed; anyone else gets the
	// retained state plus a list refresh.
	replay := func(req subscribeReq) {
		if req.resume && len(history) > 0 && req.lastID+1 >= history[0].id {
			for _, f := range history {
				if f.id > req.lastID {
					send(req.ch, f.raw)
				}
			}
			return
		}
		for _, f := range orderedFrames(retained) {
			send(req.ch, f.raw)
		}
		if req.resume {
			send(req.ch, []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: {}\n\n", seq, TypeListUpdated)))
		}
	}

	onDocument := func(req documentEventReq) {
		if req.kind != "" {
			broadcast(Event{Type: req.kind, Data: map[string]string{"id": req.id}})
		}

		now := time.Now()
		if now.Sub(lastList) >= b.listMin {
			lastList = now
			broadcast(Event{Type: TypeListUpdated, Data: map[string]string{}})
		}
	}

	drainPending := func() {
		for {
			select {
			case event := <-b.publishCh:
				broadcast(event)
			case req := <-b.docEventCh:
				onDocument(req)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			// Events published before Subscribe returned are delivered
			// through replay, never live.
			drainPending()
			clients[req.ch] = struct{}{}
			replay(req)

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.docEventCh:
			onDocument(req)

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// send drops the frame when the client buffer is full so that one slow
// client cannot stall the loop.
func send(ch chan []byte, raw []byte) {
	select {
	case ch <- raw:
	default:
	}
}

func orderedFrames(m map[string]frame) []frame {
	out := make([]frame, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel. The latest state
// events are delivered first.
func (b *Broker) Subscribe() chan []byte {
	return b.subscribe(subscribeReq{})
}

// SubscribeFrom resumes a client that last saw event lastID.
func (b *Broker) SubscribeFrom(lastID uint64) chan []byte {
	return b.subscribe(subscribeReq{lastID: lastID, resume: true})
}

func (b *Broker) subscribe(req subscribeReq) chan []byte {
	req.ch = make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(req.ch)
		return req.ch
	}

	select {
	case b.subscribeCh <- req:
	case <-b.stopped:
		close(req.ch)
	}
	return req.ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishDocumentEvent publishes a document change and a throttled
// list.updated event. An empty kind publishes only the list event.
func (b *Broker) PublishDocumentEvent(kind, id string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.docEventCh <- documentEventReq{kind: kind, id: id}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). A Last-Event-ID
// header resumes the stream.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var ch chan []byte
	if lastID, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		ch = b.SubscribeFrom(lastID)
	} else {
		ch = b.Subscribe()
	}
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.keepAlive > 0 {
		ticker := time.NewTicker(b.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
