package events

import (
	"encoding/json"
	"time"

	"meterd/entities"
)

type Type string

const (
	TypeModuleRegistered Type = "module.registered"
	TypeRequestStarted   Type = "request.started"
	TypeRequestFinished  Type = "request.finished"
	TypeReceiptIssued    Type = "receipt.issued"
	TypeCatalogPub       Type = "catalog.pub"
)

//Event represents a node event.
type Event interface {
	//Type names the event on the wire
	Type() Type
}

//envelope is the JSON shape events take outside the process
type envelope struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload Event     `json:"payload"`
}

//Marshal encodes an event for the admin API stream
func Marshal(evt Event) ([]byte, error) {
	return json.Marshal(envelope{Type: evt.Type(), Time: time.Now().UTC(), Payload: evt})
}

//ModuleRegistered occurs when a module is appended to the registry
type ModuleRegistered struct {
	ModuleID string   `json:"module_id"`
	Methods  []string `json:"methods"`
}

func (e *ModuleRegistered) Type() Type { return TypeModuleRegistered }

//RequestStarted occurs when a handler has been invoked
type RequestStarted struct {
	RequestID string        `json:"request_id"`
	UserID    string        `json:"user_id"`
	Call      entities.Call `json:"call"`
	Peer      string        `json:"peer"`
}

func (e *RequestStarted) Type() Type { return TypeRequestStarted }

//RequestFinished occurs once per request that reached a terminal state
type RequestFinished struct {
	RequestID   string        `json:"request_id"`
	Call        entities.Call `json:"call"`
	Code        int           `json:"code"`
	Error       string        `json:"error,omitempty"`
	OutputBytes int64         `json:"output_bytes"`
}

func (e *RequestFinished) Type() Type { return TypeRequestFinished }

//ReceiptIssued occurs after a receipt was charged
type ReceiptIssued struct {
	Receipt entities.Receipt `json:"receipt"`
}

func (e *ReceiptIssued) Type() Type { return TypeReceiptIssued }

//CatalogPub occurs when a remote node advertises its priced methods
type CatalogPub struct {
	Catalog Catalog `json:"catalog"`
}

func (e *CatalogPub) Type() Type { return TypeCatalogPub }

//Catalog is what a node advertises about itself
type Catalog struct {
	PeerID    string         `json:"peer_id"`
	Multiaddr string         `json:"multiaddr"`
	PublicKey string         `json:"public_key"`
	Methods   []CatalogEntry `json:"methods"`
	Timestamp time.Time      `json:"timestamp"`
}

type CatalogEntry struct {
	Call        entities.Call `json:"call"`
	Description string        `json:"description"`
	Free        bool          `json:"free,omitempty"`
	Multiplier  float64       `json:"multiplier,omitempty"`
}
