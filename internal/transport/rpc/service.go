package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "resilience.group.v1.Group"

const (
	methodJoin        = "/" + serviceName + "/Join"
	methodMembership  = "/" + serviceName + "/Membership"
	methodAllReduce   = "/" + serviceName + "/AllReduce"
	methodSend        = "/" + serviceName + "/Send"
	methodRecv        = "/" + serviceName + "/Recv"
	methodDrain       = "/" + serviceName + "/Drain"
	methodRaiseFault  = "/" + serviceName + "/RaiseFault"
	methodAbort       = "/" + serviceName + "/Abort"
	methodLeave       = "/" + serviceName + "/Leave"
	methodWatchFaults = "/" + serviceName + "/WatchFaults"
)

// GroupServer is the server side of the group service. Every message is a
// BytesValue whose value is a protobuf encoded body from messages.go.
type GroupServer interface {
	Join(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Membership(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	AllReduce(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Send(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Recv(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Drain(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	RaiseFault(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Abort(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Leave(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	WatchFaults(*wrapperspb.BytesValue, grpc.ServerStream) error
}

type unaryFunc func(GroupServer, context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)

func unaryHandler(fullMethod string, call unaryFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GroupServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GroupServer), ctx, req.(*wrapperspb.BytesValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchFaultsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GroupServer).WatchFaults(in, stream)
}

var watchFaultsDesc = grpc.StreamDesc{
	StreamName:    "WatchFaults",
	Handler:       watchFaultsHandler,
	ServerStreams: true,
}

var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GroupServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: unaryHandler(methodJoin, GroupServer.Join)},
		{MethodName: "Membership", Handler: unaryHandler(methodMembership, GroupServer.Membership)},
		{MethodName: "AllReduce", Handler: unaryHandler(methodAllReduce, GroupServer.AllReduce)},
		{MethodName: "Send", Handler: unaryHandler(methodSend, GroupServer.Send)},
		{MethodName: "Recv", Handler: unaryHandler(methodRecv, GroupServer.Recv)},
		{MethodName: "Drain", Handler: unaryHandler(methodDrain, GroupServer.Drain)},
		{MethodName: "RaiseFault", Handler: unaryHandler(methodRaiseFault, GroupServer.RaiseFault)},
		{MethodName: "Abort", Handler: unaryHandler(methodAbort, GroupServer.Abort)},
		{MethodName: "Leave", Handler: unaryHandler(methodLeave, GroupServer.Leave)},
	},
	Streams:  []grpc.StreamDesc{watchFaultsDesc},
	Metadata: "resilience/group/v1/group.proto",
}

func RegisterGroupServer(s grpc.ServiceRegistrar, srv GroupServer) {
	s.RegisterService(&groupServiceDesc, srv)
}
