package channel

import (
	"context"

	"meterd/entities"
	"meterd/messages"
)

//Callbacks receive the outcome of one request; exactly one of OnDone and
//OnError fires, after every OnData
type Callbacks struct {
	OnData  func(data interface{})
	OnDone  func(data interface{}, receipt *entities.Receipt)
	OnError func(err *entities.Error)
}

//Channel carries the frames of one request from a caller to a node
type Channel interface {
	Write(p *entities.Payload) error
	//Close is idempotent
	Close() error
}

//Transport opens channels towards one node
type Transport interface {
	Open(ctx context.Context, requestID string, cb Callbacks) (Channel, error)
	//Close is idempotent
	Close() error
}

//Handler is the node side of every transport
type Handler interface {
	Execute(ctx context.Context, p *entities.Payload, peer string, sink messages.Sink)
	Abort(id string, sink messages.Sink)
}

//FrameConn is a bidirectional, message oriented connection
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

var (
	ErrClosed         = entities.NewError(503, "transport closed")
	ErrConnectionLost = entities.NewError(503, "connection lost")
	ErrMalformed      = entities.NewError(400, "malformed message")
	ErrUnknownStatus  = entities.NewError(500, "unknown message status")
)
