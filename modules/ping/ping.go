package ping

import (
	"context"

	"meterd/registry"
)

const ModuleID = "ping"

func pong(_ context.Context, _ *registry.Call, emit registry.Emitter) (registry.AbortFunc, error) {
	emit.Done(map[string]string{"result": "pong"})
	return nil, nil
}

func New() (*registry.Module, error) {
	return registry.NewModule(ModuleID, "ping module", "1.0.0").
		AddMethod("ping", pong, "A pong for your ping", registry.Settings{Free: true}).
		AddOutput(`{"type": "object", "required": ["result"], "properties": {"result": {"type": "string"}}}`, "Returns a pong message", 200).
		Run()
}
