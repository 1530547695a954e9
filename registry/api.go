package registry

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"meterd/entities"
)

//API calls the methods of one module in-process and waits for their result
type API struct {
	module  *Module
	userID  string
	globals Globals
}

//AsAPI adapts a module into single-shot calls
func AsAPI(m *Module) *API {
	return &API{module: m}
}

//As returns a copy of the API calling on behalf of userID
func (a *API) As(userID string) *API {
	cp := *a
	cp.userID = userID
	return &cp
}

func (a *API) WithGlobals(g Globals) *API {
	cp := *a
	cp.globals = g
	return &cp
}

//Call invokes method with params. Data events go to onData (when given), the
//completion value is returned, and an error event becomes the returned error.
func (a *API) Call(ctx context.Context, methodID string, params interface{}, onData func(v interface{})) (interface{}, error) {
	method, ok := a.module.Method(methodID)
	if !ok {
		return nil, entities.NewError(404, "Unknown call %s:%s", a.module.ID, methodID)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encoding params")
	}
	if err := method.ValidateInput(raw); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := NewStream()
	call := &Call{
		RequestID: uuid.NewString(),
		UserID:    a.userID,
		Params:    raw,
		Globals:   a.globals,
	}
	abort, err := Invoke(ctx, method, call, stream)
	if err != nil {
		return nil, err
	}

	for {
		evt, ok := stream.Next(ctx)
		if !ok {
			abort()
			return nil, errors.Wrapf(ctx.Err(), "calling %s:%s", a.module.ID, methodID)
		}
		switch evt.Kind {
		case EventData:
			if onData != nil {
				onData(evt.Value)
			}
		case EventDone:
			return evt.Value, nil
		case EventError:
			return nil, evt.Err
		}
	}
}
