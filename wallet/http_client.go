package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"meterd/entities"
)

const DefaultTimeout = 15 * time.Second

//reply is what every wallet operation answers: {result} or {error}
type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   int             `json:"code,omitempty"`
}

//HTTPClient talks to a remote wallet service
type HTTPClient struct {
	logger  *zap.Logger
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPClient(logger *zap.Logger, baseURL string, timeout time.Duration) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &HTTPClient{
		logger: logger,
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "wallet",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("wallet circuit breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *HTTPClient) GetStatus(ctx context.Context, userID string) (string, error) {
	var status string
	err := c.call(ctx, "getStatus", userRequest{UserID: userID}, &status)
	return status, err
}

func (c *HTTPClient) GetBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := c.call(ctx, "getBalance", userRequest{UserID: userID}, &balance)
	return balance, err
}

func (c *HTTPClient) GetSubsidizedBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := c.call(ctx, "getSubsidizedBalance", userRequest{UserID: userID}, &balance)
	return balance, err
}

func (c *HTTPClient) Charge(ctx context.Context, receipt *entities.Receipt) (float64, error) {
	var balance float64
	err := c.call(ctx, "charge", chargeRequest{Receipt: receipt}, &balance)
	return balance, err
}

//call runs one operation; transport failures trip the breaker, {error} replies don't
func (c *HTTPClient) call(ctx context.Context, op string, body, out interface{}) error {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, op, body)
	})
	if err != nil {
		c.logger.Warn("wallet operation: FAILED", zap.String("op", op), zap.Error(err))
		return entities.NewError(502, "wallet %s failed: %s", op, err.Error())
	}

	rep := res.(*reply)
	if rep.Error != "" {
		code := rep.Code
		if code == 0 {
			code = 502
		}
		return entities.NewError(code, "%s", rep.Error)
	}
	if len(rep.Result) == 0 {
		return entities.NewError(502, "wallet %s returned no result", op)
	}
	if err := json.Unmarshal(rep.Result, out); err != nil {
		return entities.NewError(502, "wallet %s returned a malformed result: %s", op, err.Error())
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, op string, body interface{}) (*reply, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling wallet request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.base, op), bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "creating wallet request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending wallet request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading wallet reply")
	}

	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		if resp.StatusCode >= 500 {
			return nil, errors.Errorf("wallet replied %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "unmarshalling wallet reply")
	}
	if resp.StatusCode >= 500 && rep.Error == "" {
		return nil, errors.Errorf("wallet replied %d", resp.StatusCode)
	}
	return &rep, nil
}
