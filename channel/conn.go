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

//DialFunc connects to a node address
type DialFunc func(ctx context.Context, addr string) (FrameConn, error)

//---------------------------<CLIENT>

//Pool keeps one persistent connection per address, dialled lazily
type Pool struct {
	logger *zap.Logger
	dial   DialFunc

	conns  map[string]*clientConn
	closed bool
	lock   sync.Mutex
}

type clientConn struct {
	conn       FrameConn
	dispatcher *Dispatcher
	writeLock  sync.Mutex
}

func NewPool(logger *zap.Logger, dial DialFunc) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{logger: logger, dial: dial, conns: make(map[string]*clientConn)}
}

//get returns the pooled connection of addr, dialling it when missing. The
//dial runs outside the pool lock; a concurrent dial that lost the race is
//closed again.
func (p *Pool) get(ctx context.Context, addr string) (*clientConn, error) {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil, ErrClosed
	}
	if cc, ok := p.conns[addr]; ok {
		p.lock.Unlock()
		return cc, nil
	}
	p.lock.Unlock()

	p.logger.Debug("dialling node..", zap.String("addr", addr))
	conn, err := p.dial(ctx, addr)
	if err != nil {
		p.logger.Info("dialling node: FAILED", zap.String("addr", addr), zap.Error(err))
		return nil, entities.NewError(503, "dialling %s: %s", addr, err.Error())
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		conn.Close()
		return nil, ErrClosed
	}
	if cc, ok := p.conns[addr]; ok {
		conn.Close()
		return cc, nil
	}
	cc := &clientConn{conn: conn, dispatcher: NewDispatcher(p.logger)}
	p.conns[addr] = cc
	go p.readLoop(addr, cc)
	return cc, nil
}

func (p *Pool) readLoop(addr string, cc *clientConn) {
	for {
		raw, err := cc.conn.ReadFrame()
		if err != nil {
			p.logger.Debug("connection closed", zap.String("addr", addr), zap.Error(err))
			p.drop(addr, cc)
			cc.dispatcher.FailAll(ErrConnectionLost)
			return
		}
		cc.dispatcher.Dispatch(raw)
	}
}

func (p *Pool) drop(addr string, cc *clientConn) {
	p.lock.Lock()
	if cur, ok := p.conns[addr]; ok && cur == cc {
		delete(p.conns, addr)
	}
	p.lock.Unlock()
	cc.conn.Close()
}

//Len returns the number of open connections
func (p *Pool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.conns)
}

//Transport returns a transport towards addr that shares the pooled connection
func (p *Pool) Transport(addr string) Transport {
	return &connTransport{pool: p, addr: addr}
}

func (p *Pool) Close() error {
	p.lock.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*clientConn)
	p.lock.Unlock()

	for _, cc := range conns {
		cc.conn.Close()
	}
	return nil
}

func (cc *clientConn) write(frame []byte) error {
	cc.writeLock.Lock()
	defer cc.writeLock.Unlock()
	return cc.conn.WriteFrame(frame)
}

type connTransport struct {
	pool *Pool
	addr string
	once sync.Once
}

func (t *connTransport) Open(ctx context.Context, requestID string, cb Callbacks) (Channel, error) {
	cc, err := t.pool.get(ctx, t.addr)
	if err != nil {
		return nil, err
	}
	if err := cc.dispatcher.Bind(requestID, cb); err != nil {
		return nil, err
	}
	return &connChannel{id: requestID, cc: cc}, nil
}

//Close drops the pooled connection of this address
func (t *connTransport) Close() error {
	t.once.Do(func() {
		t.pool.lock.Lock()
		cc, ok := t.pool.conns[t.addr]
		t.pool.lock.Unlock()
		if ok {
			t.pool.drop(t.addr, cc)
		}
	})
	return nil
}

type connChannel struct {
	id   string
	cc   *clientConn
	once sync.Once
}

func (c *connChannel) Write(p *entities.Payload) error {
	frame, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshalling payload")
	}
	if err := c.cc.write(frame); err != nil {
		return entities.NewError(503, "writing frame: %s", err.Error())
	}
	return nil
}

func (c *connChannel) Close() error {
	c.once.Do(func() {
		c.cc.dispatcher.Unbind(c.id)
	})
	return nil
}

//---------------------------</CLIENT>

//---------------------------<SERVER>

//ServeFrame decodes one caller frame and hands it to h. Executions run in
//their own goroutine; malformed frames are answered when they carry an id.
func ServeFrame(ctx context.Context, logger *zap.Logger, h Handler, peer string, raw []byte, sink messages.Sink) {
	p, id, err := messages.DecodePayload(raw)
	if err != nil {
		if id == "" {
			logger.Debug("dropping malformed frame", zap.String("peer", peer), zap.Error(err))
			return
		}
		if err := sink.Send(messages.Error(id, ErrMalformed)); err != nil {
			logger.Debug("failed sending message", zap.String("requestID", id), zap.Error(err))
		}
		return
	}

	if p.Abort {
		h.Abort(p.ID, sink)
		return
	}
	go h.Execute(ctx, p, peer, sink)
}

//ServeConn reads frames until the connection fails; requests still running
//on it are cancelled then
func ServeConn(ctx context.Context, logger *zap.Logger, conn FrameConn, peer string, h Handler) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	sink := &frameSink{conn: conn}
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			logger.Debug("peer disconnected", zap.String("peer", peer), zap.Error(err))
			return
		}
		ServeFrame(ctx, logger, h, peer, raw, sink)
	}
}

//frameSink serializes writes of every request sharing a connection
type frameSink struct {
	conn FrameConn
	lock sync.Mutex
}

func (s *frameSink) Send(msg *messages.Message) error {
	frame, err := messages.Marshal(msg)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conn.WriteFrame(frame)
}

//---------------------------</SERVER>
