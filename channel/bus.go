package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/entities"
	"meterd/messages"
)

//BusPeer is the peer address of co-located callers
const BusPeer = "localhost"

//Bus is an in-process pub/sub of frames. Call topics are "module_id:method_id",
//response topics are request ids.
type Bus struct {
	logger *zap.Logger

	topics map[string][]*mailbox
	closed bool
	lock   sync.RWMutex
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, topics: make(map[string][]*mailbox)}
}

//Subscribe delivers every frame published on topic to fn, in order, from a
//goroutine owned by the subscription
func (b *Bus) Subscribe(topic string, fn func(frame []byte)) (unsubscribe func()) {
	mb := newMailbox(fn)

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		mb.close()
		return func() {}
	}
	b.topics[topic] = append(b.topics[topic], mb)
	b.lock.Unlock()

	go mb.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(topic, mb)
			mb.close()
		})
	}
}

func (b *Bus) remove(topic string, mb *mailbox) {
	b.lock.Lock()
	defer b.lock.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s == mb {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = subs
}

//Publish reports whether any subscriber received the frame
func (b *Bus) Publish(topic string, frame []byte) bool {
	b.lock.RLock()
	defer b.lock.RUnlock()

	subs := b.topics[topic]
	for _, mb := range subs {
		mb.push(frame)
	}
	return len(subs) > 0
}

//Topics returns the number of topics with subscribers
func (b *Bus) Topics() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.topics)
}

func (b *Bus) Close() {
	b.lock.Lock()
	b.closed = true
	topics := b.topics
	b.topics = make(map[string][]*mailbox)
	b.lock.Unlock()

	for _, subs := range topics {
		for _, mb := range subs {
			mb.close()
		}
	}
}

//Serve binds h to the call topic of call. The returned func unbinds it.
func (b *Bus) Serve(ctx context.Context, call entities.Call, h Handler) func() {
	sink := messages.SinkFunc(func(msg *messages.Message) error {
		frame, err := messages.Marshal(msg)
		if err != nil {
			return err
		}
		if !b.Publish(msg.RequestID, frame) {
			return errors.Errorf("nobody listens to request %s", msg.RequestID)
		}
		return nil
	})

	return b.Subscribe(call.String(), func(frame []byte) {
		ServeFrame(ctx, b.logger, h, BusPeer, frame, sink)
	})
}

//---------------------------<MAILBOX>

//mailbox is an unbounded FIFO drained by one goroutine
type mailbox struct {
	fn     func([]byte)
	queue  [][]byte
	closed bool
	lock   sync.Mutex
	cond   *sync.Cond
}

func newMailbox(fn func([]byte)) *mailbox {
	mb := &mailbox{fn: fn}
	mb.cond = sync.NewCond(&mb.lock)
	return mb
}

func (mb *mailbox) push(frame []byte) {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.closed {
		return
	}
	mb.queue = append(mb.queue, frame)
	mb.cond.Signal()
}

func (mb *mailbox) close() {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	mb.closed = true
	mb.queue = nil
	mb.cond.Broadcast()
}

func (mb *mailbox) run() {
	for {
		mb.lock.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.lock.Unlock()
			return
		}
		frame := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		mb.lock.Unlock()

		mb.fn(frame)
	}
}

//---------------------------</MAILBOX>

//---------------------------<TRANSPORT>

type busTransport struct {
	bus        *Bus
	dispatcher *Dispatcher
	closed     bool
	lock       sync.Mutex
}

//NewBusTransport opens channels to handlers served on bus
func NewBusTransport(logger *zap.Logger, bus *Bus) Transport {
	return &busTransport{bus: bus, dispatcher: NewDispatcher(logger)}
}

func (t *busTransport) Open(_ context.Context, requestID string, cb Callbacks) (Channel, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if err := t.dispatcher.Bind(requestID, cb); err != nil {
		return nil, err
	}
	c := &busChannel{id: requestID, t: t}
	c.unsubscribe = t.bus.Subscribe(requestID, t.dispatcher.Dispatch)
	return c, nil
}

func (t *busTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.lock.Unlock()

	t.dispatcher.FailAll(ErrClosed)
	return nil
}

type busChannel struct {
	id          string
	t           *busTransport
	unsubscribe func()
	once        sync.Once
}

func (c *busChannel) Write(p *entities.Payload) error {
	frame, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshalling payload")
	}
	if !c.t.bus.Publish(p.Offer.Call.String(), frame) {
		return entities.NewError(404, "Unknown call %s", p.Offer.Call.String())
	}
	return nil
}

func (c *busChannel) Close() error {
	c.once.Do(func() {
		c.t.dispatcher.Unbind(c.id)
		c.unsubscribe()
	})
	return nil
}

//---------------------------</TRANSPORT>
