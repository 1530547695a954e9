package router

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meterd/entities"
	"meterd/events"
	"meterd/messages"
	"meterd/registry"
	"meterd/security"
)

const (
	HandshakeModule = "handshake"
	HandshakeMethod = "challenge"
)

//Ledger is how the engine reads balances and bills receipts
type Ledger interface {
	Balance(ctx context.Context, userID string) (float64, error)
	Charge(ctx context.Context, receipt *entities.Receipt) error
}

//Limiter throttles handshakes per peer address
type Limiter interface {
	Allow(key string) bool
}

type Options struct {
	Registry   *registry.Registry
	Requests   *Requests
	Challenges *security.Challenges
	Keys       *security.KeyPair
	Ledger     Ledger
	Limiter    Limiter
	Globals    registry.Globals
	Publish    func(evt events.Event)
	//NoAuth skips offer, challenge and signature checks
	NoAuth bool
}

//Engine executes payloads against the registry
type Engine struct {
	logger *zap.Logger
	opts   Options
}

func New(logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Requests == nil {
		opts.Requests = NewRequests(0)
	}
	if opts.Publish == nil {
		opts.Publish = func(events.Event) {}
	}
	return &Engine{logger: logger, opts: opts}
}

func (e *Engine) Requests() *Requests {
	return e.opts.Requests
}

func IsHandshake(call entities.Call) bool {
	return call.ModuleID == HandshakeModule && call.MethodID == HandshakeMethod
}

//request is the state of one execution
type request struct {
	payload *entities.Payload
	peer    string
	sink    messages.Sink
	logger  *zap.Logger
	//tracked requests live in the request table; handshakes don't
	tracked bool

	method     *registry.Method
	params     json.RawMessage
	paid       bool
	multiplier float64
	inputBytes int64
}

//Execute runs a payload and reports every outcome through sink. It returns
//once the request reached a terminal state, or right away for duplicates.
func (e *Engine) Execute(ctx context.Context, p *entities.Payload, peer string, sink messages.Sink) {
	if err := p.Validate(); err != nil {
		id := ""
		if p != nil {
			id = p.ID
		}
		e.send(sink, messages.Error(id, entities.AsError(err, 400)))
		return
	}
	if p.Abort {
		e.Abort(p.ID, sink)
		return
	}

	r := &request{
		payload: p,
		peer:    peer,
		sink:    sink,
		logger:  e.logger.With(zap.String("requestID", p.ID), zap.Stringer("call", p.Offer.Call)),
		tracked: !IsHandshake(p.Offer.Call),
	}

	var err error
	if r.tracked {
		if !e.opts.Requests.Reserve(p.ID) {
			r.logger.Debug("dropping duplicate request")
			return
		}
		err = e.prepare(ctx, r)
		if err == nil && e.opts.Requests.Aborted(p.ID) {
			err = entities.ErrCancelled
		}
	} else {
		err = e.prepareHandshake(r)
	}
	if err != nil {
		e.fail(r, err, 0)
		return
	}

	e.run(ctx, r)
}

//Abort cancels a running request; without a live abort capability the
//caller is told the request is unknown
func (e *Engine) Abort(id string, sink messages.Sink) {
	if e.opts.Requests.Abort(id) {
		e.logger.Info("aborted request", zap.String("requestID", id))
		return
	}
	e.send(sink, messages.Error(id, entities.ErrUnknownRequest))
}

//---------------------------<STEPS>

func (e *Engine) prepareHandshake(r *request) error {
	if e.opts.Limiter != nil && !e.opts.Limiter.Allow(r.peer) {
		r.logger.Info("handshake rate limited", zap.String("peer", r.peer))
		return entities.NewError(429, "Too many requests")
	}

	_, method, err := e.opts.Registry.Lookup(r.payload.Offer.Call)
	if err != nil {
		return err
	}
	r.method = method

	//the challenge is bound to what the node sees, not to what the caller claims
	r.params, err = json.Marshal(map[string]string{"request_id": r.payload.ID, "ip": r.peer})
	return err
}

//prepare runs every check that must pass before a handler is invoked
func (e *Engine) prepare(ctx context.Context, r *request) error {
	p := r.payload

	offerSigned := false
	if !e.opts.NoAuth {
		if !security.VerifyOffer(p.Offer, e.opts.Keys.PublicKeyHex()) {
			r.logger.Info("offer verification: FAILED")
			return entities.ErrUnauthorized
		}
		offerSigned = true
		if p.Auth.PublicKey != p.Meta.UserID || !security.VerifyAuth(e.opts.Challenges, p, r.peer) {
			r.logger.Info("auth verification: FAILED")
			return entities.ErrUnauthorized
		}
	}

	_, method, err := e.opts.Registry.Lookup(p.Offer.Call)
	if err != nil {
		return err
	}
	r.method = method

	r.params = p.ParamsOrEmpty()
	if err := method.ValidateInput(r.params); err != nil {
		return err
	}

	r.paid = method.Paid()
	if !r.paid {
		return nil
	}

	r.multiplier = method.Settings.Multiplier
	if offerSigned && p.Offer.Multiplier > 0 {
		r.multiplier = p.Offer.Multiplier
	}

	tx := p.SignedTransaction
	if !tx.Valid() || !security.VerifyTransaction(p) {
		return entities.NewError(400, "Invalid transaction")
	}
	if !e.opts.NoAuth && tx.Signature.PublicKey != p.Auth.PublicKey {
		return entities.NewError(400, "Invalid transaction")
	}

	if e.opts.Ledger == nil {
		return entities.NewError(502, "No wallet available")
	}
	balance, err := e.opts.Ledger.Balance(ctx, p.Meta.UserID)
	if err != nil {
		r.logger.Warn("fetching balance: FAILED", zap.Error(err))
		return entities.AsError(err, 502)
	}

	r.inputBytes = Size(r.params)
	estimate := float64(r.inputBytes) * r.multiplier
	if estimate > balance {
		return entities.ErrInsufficientBalance
	}
	if estimate > tx.MaxSpent {
		return entities.NewError(402, "Spending limit exceeded")
	}
	return nil
}

//run invokes the handler and drains its stream to the sink
func (e *Engine) run(ctx context.Context, r *request) {
	p := r.payload

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := registry.NewStream()
	stop := context.AfterFunc(hctx, func() {
		stream.Fail(entities.ErrCancelled)
	})
	defer stop()

	call := &registry.Call{
		RequestID: p.ID,
		UserID:    p.Meta.UserID,
		Peer:      r.peer,
		Params:    r.params,
		Globals:   e.opts.Globals,
	}

	r.logger.Info("executing request..")
	abort, err := registry.Invoke(hctx, r.method, call, stream)
	if err != nil {
		r.logger.Info("executing request: FAILED", zap.Error(err))
		e.fail(r, err, 0)
		return
	}

	if r.tracked {
		stopHandler := func() {
			abort()
			stream.Fail(entities.ErrCancelled)
			cancel()
		}
		if !e.opts.Requests.Run(p.ID, stopHandler) {
			r.logger.Info("request aborted before running")
			stopHandler()
		}
		e.opts.Publish(&events.RequestStarted{RequestID: p.ID, UserID: p.Meta.UserID, Call: p.Offer.Call, Peer: r.peer})
	}
	e.send(r.sink, messages.Ready(p.ID))

	var streamed int64
	for {
		evt, ok := stream.Next(context.Background())
		if !ok {
			return
		}

		switch evt.Kind {
		case registry.EventData:
			streamed += Size(evt.Value)
			e.send(r.sink, messages.Data(p.ID, evt.Value))

		case registry.EventDone:
			outputBytes := streamed
			if evt.Value != nil {
				outputBytes = Size(evt.Value)
			}
			e.complete(ctx, r, evt.Value, outputBytes)
			return

		case registry.EventError:
			r.logger.Info("executing request: FAILED", zap.Error(evt.Err))
			e.fail(r, evt.Err, streamed)
			return
		}
	}
}

//complete bills a paid request and delivers the completion
func (e *Engine) complete(ctx context.Context, r *request, value interface{}, outputBytes int64) {
	p := r.payload

	var receipt *entities.Receipt
	if r.paid {
		receipt = &entities.Receipt{
			ID:     uuid.NewString(),
			UserID: p.Meta.UserID,
			Offer:  p.Offer,
			Details: entities.UsageDetails{
				Input:  entities.Usage{Bytes: r.inputBytes, Tokens: float64(r.inputBytes) * r.multiplier},
				Output: entities.Usage{Bytes: outputBytes, Tokens: float64(outputBytes) * r.multiplier},
			},
			TotalBytes: r.inputBytes + outputBytes,
		}
		receipt.TotalTokens = receipt.Details.Input.Tokens + receipt.Details.Output.Tokens

		if err := security.SignReceipt(e.opts.Keys, receipt); err != nil {
			e.fail(r, entities.NewError(500, "invalid receipt"), outputBytes)
			return
		}
		if err := registry.ValidateValue(receiptSchema, receipt); err != nil {
			r.logger.Error("receipt validation: FAILED", zap.Error(err))
			e.fail(r, entities.NewError(500, "invalid receipt"), outputBytes)
			return
		}
		if receipt.TotalTokens > p.SignedTransaction.MaxSpent {
			e.fail(r, entities.NewError(402, "Spending limit exceeded"), outputBytes)
			return
		}
		if err := e.opts.Ledger.Charge(ctx, receipt); err != nil {
			r.logger.Warn("charging wallet: FAILED", zap.Error(err))
			e.fail(r, entities.AsError(err, 502), outputBytes)
			return
		}
		e.opts.Publish(&events.ReceiptIssued{Receipt: *receipt})
	}

	r.logger.Info("executing request: DONE", zap.Int64("outputBytes", outputBytes))
	e.send(r.sink, messages.Complete(p.ID, value, receipt))
	e.terminate(r, 200, "", outputBytes)
}

func (e *Engine) fail(r *request, err error, outputBytes int64) {
	ee := entities.AsError(err, 500)
	e.send(r.sink, messages.Error(r.payload.ID, ee))
	e.terminate(r, ee.Code, ee.Message, outputBytes)
}

func (e *Engine) terminate(r *request, code int, msg string, outputBytes int64) {
	if !r.tracked {
		return
	}
	e.opts.Requests.Finish(r.payload.ID)
	e.opts.Publish(&events.RequestFinished{
		RequestID:   r.payload.ID,
		Call:        r.payload.Offer.Call,
		Code:        code,
		Error:       msg,
		OutputBytes: outputBytes,
	})
}

func (e *Engine) send(sink messages.Sink, msg *messages.Message) {
	if err := sink.Send(msg); err != nil {
		e.logger.Debug("failed sending message",
			zap.String("requestID", msg.RequestID),
			zap.String("status", string(msg.Status)),
			zap.Error(err),
		)
	}
}

//---------------------------</STEPS>
