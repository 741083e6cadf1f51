package executor

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceDesc describes the executor service for servers that host an
// Executor in-process, such as simulators and tests.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Executor)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kubilitics/operator/v1/executor.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		res, err := srv.(Executor).Execute(ctx, decodeRequest(req.(*structpb.Struct)))
		if err != nil {
			return nil, err
		}
		return encodeResult(res)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	return interceptor(ctx, in, info, call)
}

// RegisterServer exposes exec on s under ServiceName.
func RegisterServer(s *grpc.Server, exec Executor) {
	s.RegisterService(&serviceDesc, exec)
}
