package walletmod

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/entities"
	"meterd/registry"
	"meterd/wallet"
)

const ModuleID = "wallet"

const userSchema = `{"type": "object", "properties": {"user_id": {"type": "string"}}}`

type userParams struct {
	UserID string `json:"user_id"`
}

type chargeParams struct {
	Receipt *entities.Receipt `json:"receipt"`
}

//Result wraps every completion value of the module
type Result struct {
	Result interface{} `json:"result"`
}

//owner picks whose wallet a call may read: remote callers only ever see their own
func owner(call *registry.Call) (string, error) {
	var p userParams
	if err := call.Bind(&p); err != nil {
		return "", err
	}
	if call.UserID != "" {
		return call.UserID, nil
	}
	if p.UserID == "" {
		return "", entities.NewError(400, "user_id is required")
	}
	return p.UserID, nil
}

//New exposes a wallet as the wallet module
func New(logger *zap.Logger, w wallet.Wallet) (*registry.Module, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	lookup := func(op string, fn func(ctx context.Context, userID string) (interface{}, error)) registry.Handler {
		return func(ctx context.Context, call *registry.Call, emit registry.Emitter) (registry.AbortFunc, error) {
			userID, err := owner(call)
			if err != nil {
				return nil, err
			}
			go func() {
				res, err := fn(ctx, userID)
				if err != nil {
					logger.Debug("wallet lookup: FAILED", zap.String("op", op), zap.Error(err))
					emit.Fail(entities.AsError(err, 502))
					return
				}
				emit.Done(Result{Result: res})
			}()
			return nil, nil
		}
	}

	charge := func(ctx context.Context, call *registry.Call, emit registry.Emitter) (registry.AbortFunc, error) {
		if call.UserID != "" {
			return nil, entities.NewError(401, "charge is not callable remotely")
		}
		var p chargeParams
		if err := call.Bind(&p); err != nil {
			return nil, err
		}
		go func() {
			balance, err := w.Charge(ctx, p.Receipt)
			if err != nil {
				emit.Fail(entities.AsError(err, 502))
				return
			}
			emit.Done(Result{Result: balance})
		}()
		return nil, nil
	}

	numberOut := `{"type": "object", "required": ["result"], "properties": {"result": {"type": "number"}}}`

	return registry.NewModule(ModuleID, "Wallet module", "1.0.0").
		AddMethod("getStatus", lookup("getStatus", func(ctx context.Context, userID string) (interface{}, error) {
			return w.GetStatus(ctx, userID)
		}), "Get wallet status", registry.Settings{Free: true}).
		AddInput(userSchema).
		AddOutput(`{"type": "object", "required": ["result"], "properties": {"result": {"type": "string"}}}`, "Returns wallet status", 200).
		AddMethod("getBalance", lookup("getBalance", func(ctx context.Context, userID string) (interface{}, error) {
			return w.GetBalance(ctx, userID)
		}), "Get wallet balance", registry.Settings{Free: true}).
		AddInput(userSchema).
		AddOutput(numberOut, "Returns wallet balance", 200).
		AddMethod("getSubsidizedBalance", lookup("getSubsidizedBalance", func(ctx context.Context, userID string) (interface{}, error) {
			return w.GetSubsidizedBalance(ctx, userID)
		}), "Get wallet's subsidized credits", registry.Settings{Free: true}).
		AddInput(userSchema).
		AddOutput(numberOut, "Returns wallet's subsidized credits", 200).
		AddMethod("charge", charge, "Charge wallet", registry.Settings{Free: true}).
		AddInput(`{"type": "object", "required": ["receipt"], "properties": {"receipt": {"type": "object"}}}`).
		AddOutput(numberOut, "Returns the balance left", 200).
		Run()
}

//Client reaches the wallet through the module, the way the engine does
type Client struct {
	api *registry.API
}

func NewClient(m *registry.Module) *Client {
	return &Client{api: registry.AsAPI(m)}
}

func (c *Client) Balance(ctx context.Context, userID string) (float64, error) {
	res, err := c.api.Call(ctx, "getBalance", userParams{UserID: userID}, nil)
	if err != nil {
		return 0, err
	}
	var balance float64
	if err := decodeResult(res, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (c *Client) Charge(ctx context.Context, receipt *entities.Receipt) error {
	_, err := c.api.Call(ctx, "charge", chargeParams{Receipt: receipt}, nil)
	return err
}

func decodeResult(v interface{}, out interface{}) error {
	if r, ok := v.(Result); ok {
		v = r.Result
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding wallet result")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return entities.NewError(502, "unexpected wallet result %s", string(raw))
	}
	return nil
}
