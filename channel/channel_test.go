package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meterd/entities"
	"meterd/messages"
)

const wait = 2 * time.Second

type collector struct {
	data   chan interface{}
	done   chan interface{}
	errs   chan *entities.Error
	lock   sync.Mutex
	events []string
}

func newCollector() *collector {
	return &collector{
		data: make(chan interface{}, 16),
		done: make(chan interface{}, 4),
		errs: make(chan *entities.Error, 4),
	}
}

func (c *collector) record(kind string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, kind)
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnData: func(v interface{}) {
			c.record("data")
			c.data <- v
		},
		OnDone: func(v interface{}, _ *entities.Receipt) {
			c.record("done")
			c.done <- v
		},
		OnError: func(err *entities.Error) {
			c.record("error")
			c.errs <- err
		},
	}
}

func (c *collector) kinds() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]string(nil), c.events...)
}

func (c *collector) awaitDone(t *testing.T) interface{} {
	t.Helper()
	select {
	case v := <-c.done:
		return v
	case err := <-c.errs:
		t.Fatalf("unexpected error %v", err)
	case <-time.After(wait):
		t.Fatal("timed out waiting for completion")
	}
	return nil
}

func (c *collector) awaitError(t *testing.T) *entities.Error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case v := <-c.done:
		t.Fatalf("unexpected completion %v", v)
	case <-time.After(wait):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

//countingHandler streams params.n data frames and completes with "done";
//requests for the "block" method never finish and "flood" streams until
//its context is cancelled
type countingHandler struct {
	lock     sync.Mutex
	peers    []string
	flooding atomic.Int64
}

func (h *countingHandler) Execute(ctx context.Context, p *entities.Payload, peer string, sink messages.Sink) {
	h.lock.Lock()
	h.peers = append(h.peers, peer)
	h.lock.Unlock()

	switch p.Offer.Call.MethodID {
	case "block":
		sink.Send(messages.Ready(p.ID))
		return
	case "flood":
		h.flooding.Add(1)
		defer h.flooding.Add(-1)
		chunk := strings.Repeat("x", 512)
		for ctx.Err() == nil {
			if err := sink.Send(messages.Data(p.ID, chunk)); err != nil {
				return
			}
		}
		return
	}

	var in struct {
		N int `json:"n"`
	}
	json.Unmarshal(p.Params, &in)

	sink.Send(messages.Ready(p.ID))
	for i := 1; i <= in.N; i++ {
		sink.Send(messages.Data(p.ID, i))
	}
	sink.Send(messages.Complete(p.ID, "done", nil))
}

func (h *countingHandler) seen() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string(nil), h.peers...)
}

func (h *countingHandler) Abort(id string, sink messages.Sink) {
	sink.Send(messages.Error(id, entities.ErrUnknownRequest))
}

//idleConn never delivers a frame; reads return once it is closed
type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func newIdleConn() *idleConn {
	return &idleConn{closed: make(chan struct{})}
}

func (c *idleConn) ReadFrame() ([]byte, error) {
	<-c.closed
	return nil, ErrClosed
}

func (c *idleConn) WriteFrame([]byte) error { return nil }

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func payload(id, method string, n int) *entities.Payload {
	return &entities.Payload{
		ID:     id,
		Meta:   entities.Meta{UserID: "u"},
		Offer:  entities.Offer{Call: entities.Call{ModuleID: "test", MethodID: method}},
		Params: json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

//---------------------------<DISPATCHER>

func frame(t *testing.T, msg *messages.Message) []byte {
	t.Helper()
	b, err := messages.Marshal(msg)
	require.NoError(t, err)
	return b
}

func TestDispatcherRoutesByRequestID(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	a, b := newCollector(), newCollector()
	require.NoError(t, d.Bind("a", a.callbacks()))
	require.NoError(t, d.Bind("b", b.callbacks()))
	assert.Error(t, d.Bind("a", a.callbacks()))

	d.Dispatch(frame(t, messages.Ready("a")))
	d.Dispatch(frame(t, messages.Data("a", 1)))
	d.Dispatch(frame(t, messages.Data("b", 2)))
	d.Dispatch(frame(t, messages.Complete("a", "ok", nil)))
	//dropped, a is unbound
	d.Dispatch(frame(t, messages.Complete("a", "again", nil)))
	d.Dispatch(frame(t, messages.Data("unknown", 3)))

	assert.Equal(t, []string{"data", "done"}, a.kinds())
	assert.Equal(t, 1.0, <-a.data)
	assert.Equal(t, "ok", <-a.done)
	assert.Equal(t, []string{"data"}, b.kinds())
	assert.Equal(t, 1, d.Len())
}

func TestDispatcherMalformedFrames(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	c := newCollector()
	require.NoError(t, d.Bind("r1", c.callbacks()))

	d.Dispatch([]byte("not json"))
	assert.Empty(t, c.kinds())

	d.Dispatch([]byte(`{"request_id":"r1","status":5}`))
	err := c.awaitError(t)
	assert.Equal(t, 400, err.Code)
	assert.Equal(t, 0, d.Len())
}

func TestDispatcherUnknownStatusAndErrors(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	c := newCollector()

	require.NoError(t, d.Bind("r1", c.callbacks()))
	d.Dispatch([]byte(`{"request_id":"r1","status":"bogus"}`))
	assert.Equal(t, 500, c.awaitError(t).Code)

	require.NoError(t, d.Bind("r2", c.callbacks()))
	d.Dispatch(frame(t, messages.Error("r2", entities.NewError(402, "Insufficient balance"))))
	err := c.awaitError(t)
	assert.Equal(t, 402, err.Code)
	assert.Equal(t, "Insufficient balance", err.Message)
}

func TestDispatcherFailAll(t *testing.T) {
	d := NewDispatcher(nil)
	c := newCollector()
	require.NoError(t, d.Bind("r1", c.callbacks()))
	require.NoError(t, d.Bind("r2", Callbacks{}))

	d.FailAll(ErrConnectionLost)
	assert.Equal(t, 503, c.awaitError(t).Code)
	assert.Equal(t, 0, d.Len())
}

//---------------------------</DISPATCHER>

//---------------------------<BUS>

func TestBusRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := NewBus(logger)
	defer bus.Close()

	h := &countingHandler{}
	for _, method := range []string{"count", "block"} {
		unbind := bus.Serve(context.Background(), entities.Call{ModuleID: "test", MethodID: method}, h)
		defer unbind()
	}

	tr := NewBusTransport(logger, bus)
	c := newCollector()
	ch, err := tr.Open(context.Background(), "r1", c.callbacks())
	require.NoError(t, err)
	require.NoError(t, ch.Write(payload("r1", "count", 5)))

	assert.Equal(t, "done", c.awaitDone(t))
	assert.Equal(t, []string{"data", "data", "data", "data", "data", "done"}, c.kinds())
	for i := 1; i <= 5; i++ {
		assert.Equal(t, float64(i), <-c.data)
	}
	assert.Equal(t, []string{BusPeer}, h.seen())

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestBusUnknownCall(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	tr := NewBusTransport(nil, bus)
	ch, err := tr.Open(context.Background(), "r1", newCollector().callbacks())
	require.NoError(t, err)
	defer ch.Close()

	err = ch.Write(payload("r1", "nope", 1))
	require.Error(t, err)
	assert.Equal(t, 404, entities.AsError(err, 500).Code)
}

func TestBusTransportClose(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	bus.Serve(context.Background(), entities.Call{ModuleID: "test", MethodID: "block"}, &countingHandler{})

	tr := NewBusTransport(nil, bus)
	c := newCollector()
	ch, err := tr.Open(context.Background(), "r1", c.callbacks())
	require.NoError(t, err)
	require.NoError(t, ch.Write(payload("r1", "block", 0)))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 503, c.awaitError(t).Code)

	_, err = tr.Open(context.Background(), "r2", c.callbacks())
	assert.Equal(t, ErrClosed, err)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	got := make(chan []byte, 4)
	unsubscribe := bus.Subscribe("topic", func(f []byte) { got <- f })

	assert.True(t, bus.Publish("topic", []byte("1")))
	assert.Equal(t, []byte("1"), <-got)

	unsubscribe()
	unsubscribe()
	assert.False(t, bus.Publish("topic", []byte("2")))
	assert.Equal(t, 0, bus.Topics())
}

//---------------------------</BUS>

//---------------------------<WEBSOCKET>

func wsServer(t *testing.T, h Handler) string {
	t.Helper()
	srv := httptest.NewServer(NewRouter(context.Background(), zaptest.NewLogger(t), h))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	h := &countingHandler{}
	addr := wsServer(t, h)

	pool := NewPool(zaptest.NewLogger(t), DialWebSocket)
	defer pool.Close()
	tr := pool.Transport(addr)

	for _, id := range []string{"r1", "r2"} {
		c := newCollector()
		ch, err := tr.Open(context.Background(), id, c.callbacks())
		require.NoError(t, err)
		require.NoError(t, ch.Write(payload(id, "count", 2)))
		assert.Equal(t, "done", c.awaitDone(t))
		assert.Equal(t, []string{"data", "data", "done"}, c.kinds())
		ch.Close()
	}
	//both requests shared one connection
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, "127.0.0.1", h.seen()[0])
}

func TestWebSocketHealth(t *testing.T) {
	srv := httptest.NewServer(NewRouter(context.Background(), nil, &countingHandler{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	addr := wsServer(t, &countingHandler{})

	conn, err := DialWebSocket(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame([]byte(`{"id":"bad","meta":"nope"}`)))
	raw, err := conn.ReadFrame()
	require.NoError(t, err)
	msg, _, err := messages.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, "bad", msg.RequestID)
	assert.Equal(t, 400, msg.Code)

	//no id, dropped silently
	require.NoError(t, conn.WriteFrame([]byte(`garbage`)))

	good, err := json.Marshal(payload("good", "count", 0))
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(good))
	raw, err = conn.ReadFrame()
	require.NoError(t, err)
	msg, _, err = messages.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, "good", msg.RequestID)
	assert.Equal(t, messages.StatusReady, msg.Status)
}

func TestWebSocketConnectionLoss(t *testing.T) {
	addr := wsServer(t, &countingHandler{})

	tr := NewWebSocketTransport(zaptest.NewLogger(t), addr)
	c := newCollector()
	ch, err := tr.Open(context.Background(), "r1", c.callbacks())
	require.NoError(t, err)
	require.NoError(t, ch.Write(payload("r1", "block", 0)))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 503, c.awaitError(t).Code)
}

func TestWebSocketPeerDropDuringStream(t *testing.T) {
	h := &countingHandler{}
	addr := wsServer(t, h)

	for i := 0; i < 20; i++ {
		conn, err := DialWebSocket(context.Background(), addr)
		require.NoError(t, err)

		b, err := json.Marshal(payload(fmt.Sprintf("r%d", i), "flood", 0))
		require.NoError(t, err)
		require.NoError(t, conn.WriteFrame(b))
		_, err = conn.ReadFrame()
		require.NoError(t, err)

		//no close handshake, the tcp connection just goes away
		require.NoError(t, conn.(*wsConn).conn.UnderlyingConn().Close())
	}

	assert.Eventually(t, func() bool {
		return h.flooding.Load() == 0
	}, wait, 10*time.Millisecond)
}

func TestWebSocketCloseDuringWrites(t *testing.T) {
	addr := wsServer(t, &countingHandler{})

	pool := NewPool(zaptest.NewLogger(t), DialWebSocket)
	defer pool.Close()
	tr := pool.Transport(addr)

	c := newCollector()
	ch, err := tr.Open(context.Background(), "r1", c.callbacks())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := ch.Write(payload("r1", "block", 0)); err != nil {
					return
				}
			}
		}()
	}
	require.NoError(t, tr.Close())
	wg.Wait()

	assert.Equal(t, 503, c.awaitError(t).Code)
}

func TestPoolDialsOutsideLock(t *testing.T) {
	dialling := make(chan struct{})
	release := make(chan struct{})
	dial := func(ctx context.Context, addr string) (FrameConn, error) {
		if addr == "slow" {
			close(dialling)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return newIdleConn(), nil
	}
	pool := NewPool(zaptest.NewLogger(t), dial)
	defer pool.Close()

	slow := make(chan error, 1)
	go func() {
		_, err := pool.Transport("slow").Open(context.Background(), "r1", Callbacks{})
		slow <- err
	}()
	<-dialling

	fast := make(chan error, 1)
	go func() {
		_, err := pool.Transport("fast").Open(context.Background(), "r2", Callbacks{})
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("dial of a slow address blocked the pool")
	}
	assert.Equal(t, 1, pool.Len())

	close(release)
	require.NoError(t, <-slow)
	assert.Equal(t, 2, pool.Len())
}

func TestPoolClosedDuringDial(t *testing.T) {
	dialling := make(chan struct{})
	release := make(chan struct{})
	conn := newIdleConn()
	pool := NewPool(zaptest.NewLogger(t), func(context.Context, string) (FrameConn, error) {
		close(dialling)
		<-release
		return conn, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := pool.Transport("a").Open(context.Background(), "r1", Callbacks{})
		done <- err
	}()

	<-dialling
	require.NoError(t, pool.Close())
	close(release)

	assert.Equal(t, ErrClosed, <-done)
	_, err := conn.ReadFrame()
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, 0, pool.Len())
}

func TestWebSocketDialFailure(t *testing.T) {
	tr := NewWebSocketTransport(nil, "127.0.0.1:1")
	_, err := tr.Open(context.Background(), "r1", Callbacks{})
	require.Error(t, err)
	assert.Equal(t, 503, entities.AsError(err, 500).Code)
}

//---------------------------</WEBSOCKET>

func TestP2PRoundTrip(t *testing.T) {
	mn := mocknet.New()
	defer mn.Close()

	client, err := mn.GenPeer()
	require.NoError(t, err)
	server, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	h := &countingHandler{}
	ServeP2P(context.Background(), zaptest.NewLogger(t), server, h)

	tr := NewP2PTransport(zaptest.NewLogger(t), client, server.ID().String())
	defer tr.Close()

	c := newCollector()
	ch, err := tr.Open(context.Background(), "r1", c.callbacks())
	require.NoError(t, err)
	require.NoError(t, ch.Write(payload("r1", "count", 3)))

	assert.Equal(t, "done", c.awaitDone(t))
	assert.Equal(t, []string{"data", "data", "data", "done"}, c.kinds())
	assert.Equal(t, []string{client.ID().String()}, h.seen())
}
