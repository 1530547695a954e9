package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meterd/channel"
	"meterd/entities"
	"meterd/messages"
	"meterd/modules/example"
	"meterd/node"
	"meterd/router"
	"meterd/security"
	"meterd/wallet"
)

type fixture struct {
	node   node.Node
	ledger *wallet.Ledger
	user   *security.KeyPair
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()

	f := &fixture{ledger: wallet.NewLedger(0)}
	cfg := node.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Wallet = f.ledger

	n, err := node.NewNode(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Shutdown() })

	math, err := example.New(interval)
	require.NoError(t, err)
	require.NoError(t, n.RegisterModule(math))
	f.node = n

	f.user, err = security.GenerateKeyPair()
	require.NoError(t, err)
	return f
}

func (f *fixture) offer(t *testing.T, method string) entities.Offer {
	t.Helper()
	offer, err := f.node.SignOffer(entities.Call{ModuleID: "math", MethodID: method})
	require.NoError(t, err)
	return offer
}

func (f *fixture) transports(t *testing.T) map[string]channel.Transport {
	t.Helper()
	ws, err := f.node.Transport(f.node.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return map[string]channel.Transport{
		"bus":       f.node.LocalTransport(),
		"websocket": ws,
	}
}

func TestSumAndMultiply(t *testing.T) {
	f := newFixture(t, time.Millisecond)

	for name, tr := range f.transports(t) {
		t.Run(name, func(t *testing.T) {
			c := New(zaptest.NewLogger(t), tr)
			ctx := context.Background()

			for method, want := range map[string]float64{"sum": 3, "multiply": 2} {
				p, err := c.Request(ctx, RequestOptions{
					User:   f.user,
					Offer:  f.offer(t, method),
					Params: map[string]int{"a": 1, "b": 2},
				})
				require.NoError(t, err)

				var streamed []interface{}
				res, receipt, err := c.Call(ctx, p, func(v interface{}) { streamed = append(streamed, v) })
				require.NoError(t, err)
				assert.Nil(t, receipt)

				var out example.Result
				require.NoError(t, Decode(res, &out))
				assert.Equal(t, want, out.Result)
				assert.Len(t, streamed, 1)
			}
		})
	}
}

func TestPaidCallIssuesReceipt(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.ledger.Deposit(f.user.PublicKeyHex(), 1)
	c := New(zaptest.NewLogger(t), f.node.LocalTransport())
	ctx := context.Background()

	//no ceiling, no call
	p, err := c.Request(ctx, RequestOptions{User: f.user, Offer: f.offer(t, "divide"), Params: map[string]int{"a": 6, "b": 3}})
	require.NoError(t, err)
	_, _, err = c.Call(ctx, p, nil)
	require.Error(t, err)
	assert.Equal(t, 400, entities.AsError(err, 500).Code)

	maxSpent := 1.0
	p, err = c.Request(ctx, RequestOptions{
		User:     f.user,
		Offer:    f.offer(t, "divide"),
		Params:   map[string]int{"a": 6, "b": 3},
		MaxSpent: &maxSpent,
	})
	require.NoError(t, err)
	res, receipt, err := c.Call(ctx, p, nil)
	require.NoError(t, err)

	var out example.Result
	require.NoError(t, Decode(res, &out))
	assert.Equal(t, 2.0, out.Result)

	require.NotNil(t, receipt)
	assert.True(t, security.VerifyReceipt(receipt, f.node.PublicKey()))
	assert.Equal(t, f.user.PublicKeyHex(), receipt.UserID)
	assert.Equal(t, int64(13), receipt.Details.Input.Bytes)
	assert.InDelta(t, float64(receipt.TotalBytes)*example.DivideMultiplier, receipt.TotalTokens, 1e-18)
}

func TestStreamAndAbort(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	c := New(zaptest.NewLogger(t), f.node.LocalTransport())
	ctx := context.Background()

	p, err := c.Request(ctx, RequestOptions{User: f.user, Offer: f.offer(t, "stream_test")})
	require.NoError(t, err)

	var lock sync.Mutex
	var seen []float64
	var abort AbortFunc
	aborted := make(chan struct{})
	errs := make(chan *entities.Error, 1)

	abort, err = c.Compute(ctx, p, channel.Callbacks{
		OnData: func(v interface{}) {
			var out example.Result
			require.NoError(t, Decode(v, &out))
			lock.Lock()
			seen = append(seen, out.Result)
			lock.Unlock()
			if out.Result == 2 {
				close(aborted)
			}
		},
		OnDone:  func(interface{}, *entities.Receipt) { t.Error("stream completed despite abort") },
		OnError: func(err *entities.Error) { errs <- err },
	})
	require.NoError(t, err)

	<-aborted
	require.NoError(t, abort())

	select {
	case err := <-errs:
		assert.Equal(t, "cancelled", err.Message)
		assert.Equal(t, 400, err.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []float64{1, 2}, seen)
}

func TestAbortUnknownRequest(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	c := New(zaptest.NewLogger(t), f.node.LocalTransport())

	errs := make(chan *entities.Error, 1)
	p := &entities.Payload{
		ID:    "never-sent",
		Meta:  entities.Meta{UserID: f.user.PublicKeyHex()},
		Offer: f.offer(t, "sum"),
		Abort: true,
	}
	_, err := c.Compute(context.Background(), p, channel.Callbacks{OnError: func(err *entities.Error) { errs <- err }})
	require.NoError(t, err)
	assert.Equal(t, 404, (<-errs).Code)
}

//silent never answers
type silent struct{}

func (silent) Execute(context.Context, *entities.Payload, string, messages.Sink) {}
func (silent) Abort(string, messages.Sink)                                       {}

func TestHandshakeTimeout(t *testing.T) {
	bus := channel.NewBus(zaptest.NewLogger(t))
	defer bus.Close()
	unbind := bus.Serve(context.Background(), entities.Call{ModuleID: router.HandshakeModule, MethodID: router.HandshakeMethod}, silent{})
	defer unbind()

	user, err := security.GenerateKeyPair()
	require.NoError(t, err)

	c := New(zaptest.NewLogger(t), channel.NewBusTransport(nil, bus), WithHandshakeTimeout(50*time.Millisecond))
	_, err = c.Request(context.Background(), RequestOptions{User: user})
	assert.Equal(t, ErrHandshakeTimeout, err)

	_, err = c.Request(context.Background(), RequestOptions{})
	assert.Error(t, err)
}

func TestDevModeTimeout(t *testing.T) {
	c := New(nil, nil, WithDevMode())
	assert.Equal(t, DevHandshakeTimeout, c.handshakeTimeout)
	assert.Equal(t, DefaultHandshakeTimeout, New(nil, nil).handshakeTimeout)
}
