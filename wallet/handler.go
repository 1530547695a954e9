package wallet

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"meterd/entities"
)

//Handler serves a wallet over the same protocol HTTPClient speaks
func Handler(logger *zap.Logger, w Wallet) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	user := func(op func(ctx context.Context, userID string) (interface{}, error)) http.HandlerFunc {
		return func(rw http.ResponseWriter, req *http.Request) {
			var in userRequest
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.UserID == "" {
				writeReply(rw, nil, entities.NewError(400, "user_id is required"))
				return
			}
			res, err := op(req.Context(), in.UserID)
			writeReply(rw, res, err)
		}
	}

	r.Post("/getStatus", user(func(ctx context.Context, userID string) (interface{}, error) {
		return w.GetStatus(ctx, userID)
	}))
	r.Post("/getBalance", user(func(ctx context.Context, userID string) (interface{}, error) {
		return w.GetBalance(ctx, userID)
	}))
	r.Post("/getSubsidizedBalance", user(func(ctx context.Context, userID string) (interface{}, error) {
		return w.GetSubsidizedBalance(ctx, userID)
	}))
	r.Post("/charge", func(rw http.ResponseWriter, req *http.Request) {
		var in chargeRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.Receipt == nil {
			writeReply(rw, nil, entities.NewError(400, "receipt is required"))
			return
		}
		balance, err := w.Charge(req.Context(), in.Receipt)
		if err != nil {
			logger.Info("charge: FAILED", zap.String("receipt", in.Receipt.ID), zap.Error(err))
		} else {
			logger.Info("charge: DONE", zap.String("receipt", in.Receipt.ID), zap.Float64("tokens", in.Receipt.TotalTokens))
		}
		writeReply(rw, balance, err)
	})

	return r
}

func writeReply(rw http.ResponseWriter, result interface{}, err error) {
	rw.Header().Set("Content-Type", "application/json")

	var rep interface{}
	if err != nil {
		e := entities.AsError(err, 500)
		rep = e
	} else {
		rep = map[string]interface{}{"result": result}
	}
	_ = json.NewEncoder(rw).Encode(rep)
}
