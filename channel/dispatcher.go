package channel

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/entities"
	"meterd/messages"
)

//Dispatcher routes inbound frames to the callbacks bound to their request id
type Dispatcher struct {
	logger *zap.Logger

	bound map[string]Callbacks
	lock  sync.Mutex
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, bound: make(map[string]Callbacks)}
}

//Bind registers the callbacks of a request id
func (d *Dispatcher) Bind(id string, cb Callbacks) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if _, ok := d.bound[id]; ok {
		return errors.Errorf("request %s is already bound", id)
	}
	d.bound[id] = cb
	return nil
}

func (d *Dispatcher) Unbind(id string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.bound, id)
}

func (d *Dispatcher) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.bound)
}

func (d *Dispatcher) lookup(id string, unbind bool) (Callbacks, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	cb, ok := d.bound[id]
	if ok && unbind {
		delete(d.bound, id)
	}
	return cb, ok
}

//Dispatch decodes one frame and delivers it; terminal frames unbind the request
func (d *Dispatcher) Dispatch(raw []byte) {
	msg, id, err := messages.Unmarshal(raw)
	if err != nil {
		cb, ok := d.lookup(id, true)
		if !ok {
			d.logger.Debug("dropping malformed frame", zap.Error(err))
			return
		}
		fail(cb, ErrMalformed)
		return
	}

	terminal := msg.Status != messages.StatusReady && msg.Status != messages.StatusData
	cb, ok := d.lookup(id, terminal)
	if !ok {
		d.logger.Debug("dropping frame for unknown request", zap.String("requestID", id))
		return
	}

	switch msg.Status {
	case messages.StatusReady:
	case messages.StatusData:
		if cb.OnData != nil {
			cb.OnData(msg.Data)
		}
	case messages.StatusComplete:
		if cb.OnDone != nil {
			cb.OnDone(msg.Data, msg.Receipt)
		}
	case messages.StatusError:
		fail(cb, msg.Err())
	default:
		fail(cb, ErrUnknownStatus)
	}
}

//FailAll terminates every bound request with err
func (d *Dispatcher) FailAll(err *entities.Error) {
	d.lock.Lock()
	bound := d.bound
	d.bound = make(map[string]Callbacks)
	d.lock.Unlock()

	for _, cb := range bound {
		fail(cb, err)
	}
}

func fail(cb Callbacks, err *entities.Error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}
