package entities

import (
	"encoding/json"
)

//Call names the method an offer or payload is bound to
type Call struct {
	ModuleID string `json:"module_id"`
	MethodID string `json:"method_id"`
}

func (c Call) String() string {
	return c.ModuleID + ":" + c.MethodID
}

//Signature is a detached secp256k1 signature over a blake3 content hash
type Signature struct {
	Nonce     string `json:"n,omitempty"`
	Content   string `json:"c"`
	Signature string `json:"s"`
	PublicKey string `json:"pk"`
}

//Offer is a node-signed price quote binding a call to a per-byte multiplier
type Offer struct {
	ID         string    `json:"id"`
	Call       Call      `json:"call"`
	Multiplier float64   `json:"multiplier,omitempty"`
	Sig        Signature `json:"sig"`
}

//Unsigned returns the part of the offer covered by its signature
func (o Offer) Unsigned() interface{} {
	return struct {
		ID         string  `json:"id"`
		Call       Call    `json:"call"`
		Multiplier float64 `json:"multiplier,omitempty"`
	}{o.ID, o.Call, o.Multiplier}
}

//SignedTransaction is the caller's spending ceiling for one call
type SignedTransaction struct {
	MaxSpent  float64   `json:"max_spent"`
	Signature Signature `json:"signature"`
}

//Valid reports whether the transaction is structurally sound
func (t *SignedTransaction) Valid() bool {
	if t == nil {
		return false
	}
	return t.MaxSpent >= 0 && t.Signature.Content != "" && t.Signature.Signature != "" && t.Signature.PublicKey != ""
}

type Meta struct {
	UserID string `json:"user_id"`
}

//Payload is the unit submitted to the engine
type Payload struct {
	ID                string             `json:"id"`
	Meta              Meta               `json:"meta"`
	Offer             Offer              `json:"offer"`
	Auth              Signature          `json:"auth"`
	Params            json.RawMessage    `json:"params,omitempty"`
	SignedTransaction *SignedTransaction `json:"signed_transaction,omitempty"`
	Abort             bool               `json:"abort,omitempty"`
}

//Validate checks the fields every payload must carry
func (p *Payload) Validate() error {
	switch {
	case p == nil:
		return NewError(400, "Invalid payload")
	case p.ID == "":
		return NewError(400, "Invalid payload: missing id")
	case p.Meta.UserID == "":
		return NewError(400, "Invalid payload: missing user_id")
	case p.Offer.Call.ModuleID == "" || p.Offer.Call.MethodID == "":
		return NewError(400, "Invalid payload: missing call")
	}
	return nil
}

//ParamsOrEmpty returns the params, defaulting to an empty object
func (p *Payload) ParamsOrEmpty() json.RawMessage {
	if len(p.Params) == 0 || string(p.Params) == "null" {
		return json.RawMessage("{}")
	}
	return p.Params
}

type Usage struct {
	Bytes  int64   `json:"bytes"`
	Tokens float64 `json:"tokens"`
}

type UsageDetails struct {
	Input  Usage `json:"input"`
	Output Usage `json:"output"`
}

//Receipt is the signed, billed summary of a completed paid call
type Receipt struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Offer       Offer        `json:"offer"`
	Details     UsageDetails `json:"details"`
	TotalBytes  int64        `json:"total_bytes"`
	TotalTokens float64      `json:"total_tokens"`
	Sig         *Signature   `json:"sig,omitempty"`
}

//Unsigned returns a copy of the receipt without its signature
func (r Receipt) Unsigned() Receipt {
	r.Sig = nil
	return r
}

//User holds a caller identity; keys are hex encoded
type User struct {
	UserID     string `json:"user_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}
