package messages

import (
	"encoding/json"

	"github.com/pkg/errors"

	"meterd/entities"
)

type Status string

const (
	StatusReady    Status = "ready"
	StatusData     Status = "data"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

//Message is the single frame type sent from a node back to a caller
type Message struct {
	RequestID string            `json:"request_id"`
	Status    Status            `json:"status"`
	Data      interface{}       `json:"data,omitempty"`
	Receipt   *entities.Receipt `json:"receipt,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      int               `json:"code,omitempty"`
}

//Terminal reports whether no further frames follow for the request
func (m *Message) Terminal() bool {
	return m.Status == StatusComplete || m.Status == StatusError
}

//Err returns the carried error of an error frame
func (m *Message) Err() *entities.Error {
	return &entities.Error{Message: m.Error, Code: m.Code}
}

func Ready(requestID string) *Message {
	return &Message{RequestID: requestID, Status: StatusReady}
}

func Data(requestID string, data interface{}) *Message {
	return &Message{RequestID: requestID, Status: StatusData, Data: data}
}

func Complete(requestID string, data interface{}, receipt *entities.Receipt) *Message {
	return &Message{RequestID: requestID, Status: StatusComplete, Data: data, Receipt: receipt}
}

func Error(requestID string, err *entities.Error) *Message {
	return &Message{RequestID: requestID, Status: StatusError, Error: err.Message, Code: err.Code}
}

//Sink receives the frames of a request; transports implement it per connection
type Sink interface {
	Send(msg *Message) error
}

//SinkFunc adapts a function to a Sink
type SinkFunc func(msg *Message) error

func (f SinkFunc) Send(msg *Message) error {
	return f(msg)
}

func Marshal(msg *Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling message")
	}
	return b, nil
}

//Unmarshal decodes a frame; on failure it still returns the request id when
//one can be recovered from the raw bytes
func Unmarshal(raw []byte) (*Message, string, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, peekRequestID(raw), errors.Wrap(err, "unmarshalling message")
	}
	return &msg, msg.RequestID, nil
}

//DecodePayload decodes a caller frame with the same recovery rule as Unmarshal
func DecodePayload(raw []byte) (*entities.Payload, string, error) {
	var p entities.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		id := peekRequestID(raw)
		if id == "" {
			id = peekPayloadID(raw)
		}
		return nil, id, errors.Wrap(err, "unmarshalling payload")
	}
	return &p, p.ID, nil
}

func peekRequestID(raw []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}

func peekPayloadID(raw []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}
