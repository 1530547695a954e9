package registry

import (
	"context"
	"sync"

	"meterd/entities"
)

type EventKind int

const (
	EventData EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

//Event is one item of a handler's output sequence
type Event struct {
	Kind  EventKind
	Value interface{}
	Err   *entities.Error
}

//Terminal reports whether the event ends the sequence
func (e Event) Terminal() bool {
	return e.Kind != EventData
}

//Emitter is the writing side of a Stream, handed to handlers.
//Every method returns false once the stream has been terminated.
type Emitter interface {
	Data(v interface{}) bool
	Done(v interface{}) bool
	Fail(err error) bool
}

//Stream is a finite, non-restartable FIFO of Data events closed by exactly one
//Done or Error. Emitting never blocks; anything after the terminal event is dropped.
type Stream struct {
	lock       sync.Mutex
	queue      []Event
	terminated bool
	drained    bool
	notify     chan struct{}
}

func NewStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

func (s *Stream) push(evt Event) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.terminated {
		return false
	}
	s.queue = append(s.queue, evt)
	if evt.Terminal() {
		s.terminated = true
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Stream) Data(v interface{}) bool {
	return s.push(Event{Kind: EventData, Value: v})
}

func (s *Stream) Done(v interface{}) bool {
	return s.push(Event{Kind: EventDone, Value: v})
}

func (s *Stream) Fail(err error) bool {
	e := entities.AsError(err, 500)
	if e == nil {
		e = entities.NewError(500, "unknown error")
	}
	return s.push(Event{Kind: EventError, Err: e})
}

//Terminated reports whether a terminal event was emitted
func (s *Stream) Terminated() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.terminated
}

//Next blocks for the next event. It returns false after the terminal event
//has been read, or when ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		s.lock.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if evt.Terminal() {
				s.drained = true
			}
			s.lock.Unlock()
			return evt, true
		}
		drained := s.drained
		s.lock.Unlock()

		if drained {
			return Event{}, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
