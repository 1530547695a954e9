package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/channel"
	"meterd/entities"
	"meterd/router"
	"meterd/security"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DevHandshakeTimeout     = 1000 * time.Second
)

var ErrHandshakeTimeout = entities.NewError(504, "handshake timed out")

//AbortFunc asks the node to stop a running request
type AbortFunc func() error

type Option func(c *Client)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

//WithDevMode gives slow, interactive handshakes time to finish
func WithDevMode() Option {
	return WithHandshakeTimeout(DevHandshakeTimeout)
}

//Client issues authenticated, metered calls over one transport
type Client struct {
	logger           *zap.Logger
	transport        channel.Transport
	handshakeTimeout time.Duration
}

func New(logger *zap.Logger, transport channel.Transport, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		logger:           logger,
		transport:        transport,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type RequestOptions struct {
	User   *security.KeyPair
	Offer  entities.Offer
	Params interface{}
	//MaxSpent is the spending ceiling; nil sends no transaction
	MaxSpent *float64
	//RequestID defaults to a fresh uuid
	RequestID string
}

//Request builds a ready to send payload: it runs the handshake, then signs
//the auth and, when a ceiling is given, the transaction
func (c *Client) Request(ctx context.Context, opts RequestOptions) (*entities.Payload, error) {
	if opts.User == nil {
		return nil, errors.New("request needs a user")
	}

	params, err := encodeParams(opts.Params)
	if err != nil {
		return nil, err
	}

	p := &entities.Payload{
		ID:     opts.RequestID,
		Meta:   entities.Meta{UserID: opts.User.PublicKeyHex()},
		Offer:  opts.Offer,
		Params: params,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	logger := c.logger.With(zap.String("requestID", p.ID))

	logger.Debug("performing handshake..")
	nonce, err := c.handshake(ctx, p.ID, p.Meta.UserID)
	if err != nil {
		logger.Info("performing handshake: FAILED", zap.Error(err))
		return nil, err
	}
	logger.Debug("performing handshake: DONE")

	p.Auth, err = security.SignAuth(opts.User, p, nonce)
	if err != nil {
		return nil, errors.Wrap(err, "signing auth")
	}
	if opts.MaxSpent != nil {
		p.SignedTransaction, err = security.SignTransaction(opts.User, p, *opts.MaxSpent)
		if err != nil {
			return nil, errors.Wrap(err, "signing transaction")
		}
	}
	return p, nil
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	switch t := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encoding params")
	}
	return raw, nil
}

type outcome struct {
	data    interface{}
	receipt *entities.Receipt
	err     error
}

//handshake asks the node for a nonce bound to requestID
func (c *Client) handshake(ctx context.Context, requestID, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	p := &entities.Payload{
		ID:    requestID,
		Meta:  entities.Meta{UserID: userID},
		Offer: entities.Offer{ID: "handshake", Call: entities.Call{ModuleID: router.HandshakeModule, MethodID: router.HandshakeMethod}},
	}

	res := c.run(ctx, p, nil)
	if res.err != nil {
		return "", res.err
	}

	var challenge struct {
		Result string `json:"result"`
	}
	if err := decode(res.data, &challenge); err != nil || challenge.Result == "" {
		return "", entities.NewError(502, "unexpected handshake result")
	}
	return challenge.Result, nil
}

//Compute sends p and reports its outcome through cb. The returned func
//writes an abort frame for p on the same channel. Once ctx is done the
//channel is released and no further callbacks fire.
func (c *Client) Compute(ctx context.Context, p *entities.Payload, cb channel.Callbacks) (AbortFunc, error) {
	var ch channel.Channel
	var once sync.Once
	release := func() {
		once.Do(func() {
			if ch != nil {
				ch.Close()
			}
		})
	}

	ready := make(chan struct{})
	wrapped := channel.Callbacks{
		OnData: cb.OnData,
		OnDone: func(data interface{}, receipt *entities.Receipt) {
			<-ready
			release()
			if cb.OnDone != nil {
				cb.OnDone(data, receipt)
			}
		},
		OnError: func(err *entities.Error) {
			<-ready
			release()
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	}

	var err error
	ch, err = c.transport.Open(ctx, p.ID, wrapped)
	close(ready)
	if err != nil {
		return nil, err
	}
	if err := ch.Write(p); err != nil {
		release()
		return nil, err
	}
	context.AfterFunc(ctx, release)

	abort := &entities.Payload{ID: p.ID, Meta: p.Meta, Offer: p.Offer, Abort: true}
	return func() error {
		return ch.Write(abort)
	}, nil
}

//Call sends p and waits for its completion; data events go to onData
func (c *Client) Call(ctx context.Context, p *entities.Payload, onData func(v interface{})) (interface{}, *entities.Receipt, error) {
	res := c.run(ctx, p, onData)
	return res.data, res.receipt, res.err
}

func (c *Client) run(ctx context.Context, p *entities.Payload, onData func(v interface{})) outcome {
	done := make(chan outcome, 1)
	abort, err := c.Compute(ctx, p, channel.Callbacks{
		OnData: onData,
		OnDone: func(data interface{}, receipt *entities.Receipt) {
			done <- outcome{data: data, receipt: receipt}
		},
		OnError: func(err *entities.Error) {
			done <- outcome{err: err}
		},
	})
	if err != nil {
		return outcome{err: err}
	}

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if router.IsHandshake(p.Offer.Call) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return outcome{err: ErrHandshakeTimeout}
			}
		} else {
			abort()
		}
		return outcome{err: errors.Wrap(ctx.Err(), "waiting for completion")}
	}
}

//decode converts a decoded JSON value into out
func decode(v interface{}, out interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding result")
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decoding result")
}

//Decode converts a completion value into out
func Decode(v interface{}, out interface{}) error {
	return decode(v, out)
}

func (c *Client) Close() error {
	return c.transport.Close()
}
