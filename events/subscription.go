package events

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("subscription closed")

//Publisher is the sending half of a subscription
type Publisher interface {
	Publish(evt Event) error
	Closed() bool
}

//Subscriber is the receiving half of a subscription
type Subscriber interface {
	//Next blocks until an event is available or the subscription is closed
	Next() (Event, error)
	Close()
}

//subscription is an unbounded FIFO mailbox; publishers never block on slow readers
type subscription struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func NewSubscription() (Publisher, Subscriber) {
	s := &subscription{}
	s.cond = sync.NewCond(&s.lock)
	return s, s
}

func (s *subscription) Publish(evt Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
	return nil
}

func (s *subscription) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *subscription) Next() (Event, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, ErrClosed
	}
	evt := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return evt, nil
}

func (s *subscription) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
}

//Hub fans events out to every open subscriber and trims closed ones
type Hub struct {
	lock       sync.RWMutex
	publishers []Publisher
}

func (h *Hub) Subscribe() Subscriber {
	pub, sub := NewSubscription()
	h.lock.Lock()
	defer h.lock.Unlock()
	h.publishers = append(h.publishers, pub)
	return sub
}

func (h *Hub) Publish(evt Event) {
	h.lock.Lock()
	defer h.lock.Unlock()

	open := h.publishers[:0]
	for _, pub := range h.publishers {
		if pub.Closed() {
			continue
		}
		if err := pub.Publish(evt); err != nil {
			continue
		}
		open = append(open, pub)
	}
	for i := len(open); i < len(h.publishers); i++ {
		h.publishers[i] = nil
	}
	h.publishers = open
}
