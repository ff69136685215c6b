package grpckv

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// KVServer is the server API for the KV gRPC service.
//
// We intentionally use protobuf well-known types so this package does not
// require a protoc/codegen toolchain. Composite requests travel as
// structpb.ListValue: [key, base64(value)] for writes, [key, member...]
// for set updates.
//
// Proto definition: kv.proto.
type KVServer interface {
	Get(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Put(context.Context, *structpb.ListValue) (*emptypb.Empty, error)
	PutIfAbsent(context.Context, *structpb.ListValue) (*wrapperspb.BoolValue, error)
	SetAdd(context.Context, *structpb.ListValue) (*emptypb.Empty, error)
	SetMembers(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

// UnimplementedKVServer can be embedded to have forward compatible implementations.
type UnimplementedKVServer struct{}

func (UnimplementedKVServer) Get(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Get not implemented")
}
func (UnimplementedKVServer) Put(context.Context, *structpb.ListValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Put not implemented")
}
func (UnimplementedKVServer) PutIfAbsent(context.Context, *structpb.ListValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method PutIfAbsent not implemented")
}
func (UnimplementedKVServer) SetAdd(context.Context, *structpb.ListValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetAdd not implemented")
}
func (UnimplementedKVServer) SetMembers(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SetMembers not implemented")
}

// RegisterKVServer registers the KV service on a gRPC server.
func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&KV_ServiceDesc, srv)
}

// KVClient is the client API for the KV gRPC service.
type KVClient interface {
	Get(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Put(ctx context.Context, in *structpb.ListValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	PutIfAbsent(ctx context.Context, in *structpb.ListValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	SetAdd(ctx context.Context, in *structpb.ListValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	SetMembers(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error)
}

type kvClient struct{ cc grpc.ClientConnInterface }

func NewKVClient(cc grpc.ClientConnInterface) KVClient { return &kvClient{cc: cc} }

const serviceName = "wasmreg.storage.grpckv.v1.KV"

func (c *kvClient) Get(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Get", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Put(ctx context.Context, in *structpb.ListValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Put", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) PutIfAbsent(ctx context.Context, in *structpb.ListValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/PutIfAbsent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) SetAdd(ctx context.Context, in *structpb.ListValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetAdd", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) SetMembers(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetMembers", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _KV_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Put(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_PutIfAbsent_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).PutIfAbsent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PutIfAbsent"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).PutIfAbsent(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_SetAdd_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).SetAdd(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetAdd"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).SetAdd(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_SetMembers_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).SetMembers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetMembers"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).SetMembers(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// KV_ServiceDesc is the grpc.ServiceDesc for the KV service.
var KV_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: _KV_Get_Handler},
		{MethodName: "Put", Handler: _KV_Put_Handler},
		{MethodName: "PutIfAbsent", Handler: _KV_PutIfAbsent_Handler},
		{MethodName: "SetAdd", Handler: _KV_SetAdd_Handler},
		{MethodName: "SetMembers", Handler: _KV_SetMembers_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kv.proto",
}
