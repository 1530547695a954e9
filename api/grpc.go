package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

//ApiServer is the admin service of a node. Structured values travel as JSON
//inside protobuf well-known wrapper types.
type ApiServer interface {
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	GetModules(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	SignOffer(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	GetProviders(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	SubscribeToEvents(*emptypb.Empty, Api_SubscribeToEventsServer) error
}

type UnimplementedApiServer struct{}

func (UnimplementedApiServer) Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedApiServer) GetModules(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetModules not implemented")
}
func (UnimplementedApiServer) SignOffer(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SignOffer not implemented")
}
func (UnimplementedApiServer) GetProviders(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetProviders not implemented")
}
func (UnimplementedApiServer) SubscribeToEvents(*emptypb.Empty, Api_SubscribeToEventsServer) error {
	return status.Error(codes.Unimplemented, "method SubscribeToEvents not implemented")
}

func RegisterApiServer(s grpc.ServiceRegistrar, srv ApiServer) {
	s.RegisterService(&Api_ServiceDesc, srv)
}

type Api_SubscribeToEventsServer interface {
	Send(*wrapperspb.StringValue) error
	grpc.ServerStream
}

type apiSubscribeToEventsServer struct {
	grpc.ServerStream
}

func (x *apiSubscribeToEventsServer) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

//---------------------------<CLIENT>

type ApiClient interface {
	Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	GetModules(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	SignOffer(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	GetProviders(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	SubscribeToEvents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (Api_SubscribeToEventsClient, error)
}

type apiClient struct{ cc grpc.ClientConnInterface }

func NewApiClient(cc grpc.ClientConnInterface) ApiClient { return &apiClient{cc: cc} }

func (c *apiClient) unary(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/meterd.api.v1.Api/"+method, in, out, opts...)
}

func (c *apiClient) Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.unary(ctx, "Ping", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) GetModules(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.unary(ctx, "GetModules", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) SignOffer(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.unary(ctx, "SignOffer", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) GetProviders(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.unary(ctx, "GetProviders", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type Api_SubscribeToEventsClient interface {
	Recv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

type apiSubscribeToEventsClient struct {
	grpc.ClientStream
}

func (x *apiSubscribeToEventsClient) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *apiClient) SubscribeToEvents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (Api_SubscribeToEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &Api_ServiceDesc.Streams[0], "/meterd.api.v1.Api/SubscribeToEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &apiSubscribeToEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

//---------------------------</CLIENT>

//---------------------------<HANDLERS>

func _Api_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApiServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meterd.api.v1.Api/Ping"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ApiServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Api_GetModules_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApiServer).GetModules(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meterd.api.v1.Api/GetModules"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ApiServer).GetModules(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Api_SignOffer_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApiServer).SignOffer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meterd.api.v1.Api/SignOffer"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ApiServer).SignOffer(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Api_GetProviders_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApiServer).GetProviders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meterd.api.v1.Api/GetProviders"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ApiServer).GetProviders(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Api_SubscribeToEvents_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ApiServer).SubscribeToEvents(m, &apiSubscribeToEventsServer{stream})
}

//---------------------------</HANDLERS>

var Api_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "meterd.api.v1.Api",
	HandlerType: (*ApiServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: _Api_Ping_Handler},
		{MethodName: "GetModules", Handler: _Api_GetModules_Handler},
		{MethodName: "SignOffer", Handler: _Api_SignOffer_Handler},
		{MethodName: "GetProviders", Handler: _Api_GetProviders_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeToEvents",
			Handler:       _Api_SubscribeToEvents_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "api.proto",
}
