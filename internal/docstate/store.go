package docstate

import "sync"

// Listener observes one dispatch.
type Listener func(prev, next State, action Action)

type notification struct {
	prev, next State
	action     Action
}

// Store serializes dispatches over a State and fans changes out to listeners.
//
// Reduce runs under a mutex so each dispatch is atomic. Listeners run outside
// the lock, one notification at a time, in dispatch order. A listener may
// dispatch; its notification is delivered after the current one completes.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	order     []int
	nextID    int
	queue     []notification
	draining  bool
}

// NewStore returns a Store holding initial.
func NewStore(initial State) *Store {
	return &Store{state: initial, listeners: make(map[int]Listener)}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies a and returns the resulting state.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, a)
	s.state = next
	s.queue = append(s.queue, notification{prev: prev, next: next, action: a})
	if s.draining {
		s.mu.Unlock()
		return next
	}
	s.draining = true
	s.mu.Unlock()

	s.drain()
	return next
}

func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		n := s.queue[0]
		s.queue = s.queue[1:]
		listeners := make([]Listener, 0, len(s.order))
		for _, id := range s.order {
			listeners = append(listeners, s.listeners[id])
		}
		s.mu.Unlock()

		for _, fn := range listeners {
			fn(n.prev, n.next, n.action)
		}
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}
