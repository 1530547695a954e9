package handshake

import (
	"context"

	"go.uber.org/zap"

	"meterd/registry"
	"meterd/security"
)

const (
	ModuleID = "handshake"
	MethodID = "challenge"
)

type challengeParams struct {
	RequestID string `json:"request_id"`
	IP        string `json:"ip"`
}

//Result is the completion value of a challenge call
type Result struct {
	Result string `json:"result"`
}

//New builds the module issuing authentication challenges
func New(logger *zap.Logger, challenges *security.Challenges) (*registry.Module, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	challenge := func(_ context.Context, call *registry.Call, emit registry.Emitter) (registry.AbortFunc, error) {
		var p challengeParams
		if err := call.Bind(&p); err != nil {
			return nil, err
		}
		if p.IP == "" {
			p.IP = "localhost"
		}

		nonce := challenges.Create(p.IP, p.RequestID)
		logger.Debug("generated challenge", zap.String("requestID", p.RequestID))
		emit.Done(Result{Result: nonce})
		return nil, nil
	}

	return registry.NewModule(ModuleID, "Handshake module", "1.0.0").
		AddMethod(MethodID, challenge, "Generate security challenge", registry.Settings{Free: true}).
		AddInput(`{
			"type": "object",
			"required": ["request_id", "ip"],
			"properties": {"request_id": {"type": "string"}, "ip": {"type": "string"}}
		}`).
		AddOutput(`{
			"type": "object",
			"required": ["result"],
			"properties": {"result": {"type": "string"}}
		}`, "Returns a random nonce for signing", 200).
		Run()
}
