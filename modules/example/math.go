package example

import (
	"context"
	"sync"
	"time"

	"meterd/entities"
	"meterd/registry"
)

const (
	ModuleID = "math"

	DivideMultiplier = 0.000000000000107147

	DefaultStreamInterval = 500 * time.Millisecond
)

const numbersSchema = `{
	"type": "object",
	"required": ["a", "b"],
	"properties": {"a": {"type": "number"}, "b": {"type": "number"}}
}`

const resultSchema = `{"type": "object", "required": ["result"], "properties": {"result": {"type": "number"}}}`

type numbers struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type Result struct {
	Result float64 `json:"result"`
}

//binary builds a handler applying op to {a, b}; some methods echo the result as data first
func binary(echo bool, op func(a, b float64) (float64, error)) registry.Handler {
	return func(_ context.Context, call *registry.Call, emit registry.Emitter) (registry.AbortFunc, error) {
		var in numbers
		if err := call.Bind(&in); err != nil {
			return nil, err
		}
		res, err := op(in.A, in.B)
		if err != nil {
			return nil, err
		}
		if echo {
			emit.Data(Result{Result: res})
		}
		emit.Done(Result{Result: res})
		return nil, nil
	}
}

//counter streams 1..3 with interval between steps
func counter(interval time.Duration) registry.Handler {
	return func(ctx context.Context, _ *registry.Call, emit registry.Emitter) (registry.AbortFunc, error) {
		stop := make(chan struct{})
		var once sync.Once

		go func() {
			tick := time.NewTicker(interval)
			defer tick.Stop()

			for n := 1; ; n++ {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					emit.Fail(entities.ErrCancelled)
					return
				default:
				}

				emit.Data(Result{Result: float64(n)})
				if n == 3 {
					emit.Done(Result{Result: float64(n)})
					return
				}

				select {
				case <-tick.C:
				case <-stop:
					return
				case <-ctx.Done():
					emit.Fail(entities.ErrCancelled)
					return
				}
			}
		}()

		return func() {
			once.Do(func() {
				close(stop)
				emit.Fail(entities.ErrCancelled)
			})
		}, nil
	}
}

//New builds the math demo module. interval paces stream_test.
func New(interval time.Duration) (*registry.Module, error) {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}

	return registry.NewModule(ModuleID, "Math module", "1.0.0").
		AddMethod("sum", binary(true, func(a, b float64) (float64, error) {
			return a + b, nil
		}), "Adds two numbers", registry.Settings{Free: true}).
		AddInput(numbersSchema).
		AddOutput(resultSchema, "Returns the sum of two numbers", 200).
		AddMethod("multiply", binary(true, func(a, b float64) (float64, error) {
			return a * b, nil
		}), "Multiplies two numbers", registry.Settings{Free: true}).
		AddInput(numbersSchema).
		AddOutput(resultSchema, "Returns the multiplication of two numbers", 200).
		AddMethod("stream_test", counter(interval), "Streams numbers", registry.Settings{Free: true}).
		AddOutput(resultSchema, "Streams numbers", 200).
		AddMethod("divide", binary(false, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, entities.NewError(400, "division by zero")
			}
			return a / b, nil
		}), "Divides two numbers", registry.Settings{}).
		SetMultiplier(DivideMultiplier).
		AddInput(numbersSchema).
		AddOutput(resultSchema, "Returns the division of two numbers", 200).
		AddOutput(`{"type": "object", "required": ["error"], "properties": {"error": {"type": "string"}}}`, "Division by zero", 400).
		Run()
}
