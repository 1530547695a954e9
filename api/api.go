package api

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"meterd/entities"
	"meterd/events"
	"meterd/node"
)

type Server struct {
	UnimplementedApiServer

	logger *zap.Logger
	node   node.Node
}

func NewServer(logger *zap.Logger, node node.Node) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		logger: logger,
		node:   node,
	}
}

func jsonValue(v interface{}) (*wrapperspb.StringValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.String(string(b)), nil
}

//toStatus maps request error codes onto grpc codes
func toStatus(err error) error {
	e := entities.AsError(err, 500)
	code := codes.Internal
	switch e.Code {
	case 400:
		code = codes.InvalidArgument
	case 401:
		code = codes.Unauthenticated
	case 402:
		code = codes.FailedPrecondition
	case 404:
		code = codes.NotFound
	case 429:
		code = codes.ResourceExhausted
	case 502, 503:
		code = codes.Unavailable
	}
	return status.Error(code, e.Message)
}

//PING
func (s *Server) Ping(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	s.logger.Info("handling Ping")

	return wrapperspb.String("pong"), nil
}

//GET MODULES
func (s *Server) GetModules(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	s.logger.Info("handling GetModules")

	return jsonValue(s.node.GetModules())
}

//SIGN OFFER
func (s *Server) SignOffer(_ context.Context, request *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	s.logger.Info("handling SignOffer")

	var call entities.Call
	if err := json.Unmarshal([]byte(request.GetValue()), &call); err != nil {
		return nil, status.Error(codes.InvalidArgument, "call must be {module_id, method_id}")
	}

	offer, err := s.node.SignOffer(call)
	if err != nil {
		s.logger.Error("failed signing offer", zap.Error(err))
		return nil, toStatus(err)
	}
	return jsonValue(offer)
}

//GET PROVIDERS
func (s *Server) GetProviders(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	s.logger.Info("handling GetProviders")

	return jsonValue(s.node.Providers())
}

//SUBSCRIBE TO EVENTS
func (s *Server) SubscribeToEvents(_ *emptypb.Empty, stream Api_SubscribeToEventsServer) error {
	s.logger.Info("handling SubscribeToEvents")

	sub, err := s.node.SubscribeToEvents()
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()
	stop := context.AfterFunc(stream.Context(), sub.Close)
	defer stop()

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for {
		evt, err := sub.Next()
		if err != nil {
			return nil
		}

		b, err := events.Marshal(evt)
		if err != nil {
			s.logger.Error("failed marshalling event", zap.Error(err))
			continue
		}
		if err := stream.Send(wrapperspb.String(string(b))); err != nil {
			return err
		}
	}
}
