package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "quartz.Core"

	Core_Instantiate_FullMethodName      = "/quartz.Core/Instantiate"
	Core_SessionCreate_FullMethodName    = "/quartz.Core/SessionCreate"
	Core_SessionSetPubKey_FullMethodName = "/quartz.Core/SessionSetPubKey"
	Core_Sign_FullMethodName             = "/quartz.Core/Sign"
)

// Request and Response carry a JSON document in field 1. On the wire they are the protobuf
// message `{ string message = 1; }`, which is the layout of google.protobuf.StringValue.
type (
	Request  = wrapperspb.StringValue
	Response = wrapperspb.StringValue
)

// CoreServer is the server API for the quartz.Core service.
type CoreServer interface {
	Instantiate(context.Context, *Request) (*Response, error)
	SessionCreate(context.Context, *Request) (*Response, error)
	SessionSetPubKey(context.Context, *Request) (*Response, error)
	Sign(context.Context, *Request) (*Response, error)
}

func RegisterCoreServer(s grpc.ServiceRegistrar, srv CoreServer) {
	s.RegisterService(&Core_ServiceDesc, srv)
}

func unaryHandler(fullMethod string, call func(CoreServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Request)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CoreServer), ctx, req.(*Request))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var Core_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Instantiate",
			Handler:    unaryHandler(Core_Instantiate_FullMethodName, CoreServer.Instantiate),
		},
		{
			MethodName: "SessionCreate",
			Handler:    unaryHandler(Core_SessionCreate_FullMethodName, CoreServer.SessionCreate),
		},
		{
			MethodName: "SessionSetPubKey",
			Handler:    unaryHandler(Core_SessionSetPubKey_FullMethodName, CoreServer.SessionSetPubKey),
		},
		{
			MethodName: "Sign",
			Handler:    unaryHandler(Core_Sign_FullMethodName, CoreServer.Sign),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quartz.proto",
}

// CoreClient is the client API for the quartz.Core service.
type CoreClient interface {
	Instantiate(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error)
	SessionCreate(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error)
	SessionSetPubKey(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error)
	Sign(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error)
}

type coreClient struct {
	cc grpc.ClientConnInterface
}

func NewCoreClient(cc grpc.ClientConnInterface) CoreClient {
	return &coreClient{cc}
}

func (c *coreClient) invoke(ctx context.Context, method string, in *Request, opts []grpc.CallOption) (*Response, error) {
	out := new(Response)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coreClient) Instantiate(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, Core_Instantiate_FullMethodName, in, opts)
}

func (c *coreClient) SessionCreate(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, Core_SessionCreate_FullMethodName, in, opts)
}

func (c *coreClient) SessionSetPubKey(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, Core_SessionSetPubKey_FullMethodName, in, opts)
}

func (c *coreClient) Sign(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, Core_Sign_FullMethodName, in, opts)
}
