package grpc

import "context"

// MethodHandler is the unary RPC handler a generated server stub
// registers. dec is used to unmarshal the incoming message; interceptor
// is currently always nil (this module has no interceptor chain).
type MethodHandler func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor UnaryServerInterceptor) (interface{}, error)

// UnaryServerInterceptor is reserved for future use; the engine always
// invokes handlers directly (no interceptor chain in this module).
type UnaryServerInterceptor func(ctx context.Context, req interface{}, info *UnaryServerInfo, handler UnaryHandler) (interface{}, error)

// UnaryHandler defines the handler invoked by UnaryServerInterceptor to
// complete the normal execution of a unary RPC.
type UnaryHandler func(ctx context.Context, req interface{}) (interface{}, error)

// UnaryServerInfo consists of various information about a unary RPC on
// server side. All per-rpc information may be mutated by the interceptor.
type UnaryServerInfo struct {
	Server     interface{}
	FullMethod string
}

// MethodDesc represents an RPC service's method specification.
type MethodDesc struct {
	MethodName string
	Handler    MethodHandler
}

// ServiceDesc represents an RPC service's specification for registration
// to a server (spec §5: the registry that resolves an inbound /service/
// method path to a MethodDesc or StreamDesc).
type ServiceDesc struct {
	ServiceName string
	// HandlerType is used to ensure ss (a subset of the services method
	// set) implements a backend for this service.
	HandlerType interface{}
	Methods     []MethodDesc
	Streams     []StreamDesc
	Metadata    interface{}
}

// serviceInfo wraps a ServiceDesc with the concrete registered
// implementation, indexed by method/stream name for dispatch.
type serviceInfo struct {
	serviceImpl interface{}
	methods     map[string]*MethodDesc
	streams     map[string]*StreamDesc
	mdata       interface{}
}
