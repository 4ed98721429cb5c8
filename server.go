package grpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/credentials"
	"github.com/c-ryan747/grpclib/credentials/insecure"
	"github.com/c-ryan747/grpclib/encoding"
	"github.com/c-ryan747/grpclib/encoding/proto"
	"github.com/c-ryan747/grpclib/internal/grpclog"
	"github.com/c-ryan747/grpclib/internal/transport"
	"github.com/c-ryan747/grpclib/status"
)

// serverOptions mirrors dialOptions on the server side: everything about
// how a Server behaves is assembled from functional ServerOptions, never
// a config struct or DI framework (spec's ambient configuration surface).
type serverOptions struct {
	creds             credentials.TransportCredentials
	maxConcurrentStreams uint32
	maxReceiveMessageSize int
	maxSendMessageSize    int
}

// ServerOption configures a Server.
type ServerOption interface {
	apply(*serverOptions)
}

type funcServerOption struct {
	f func(*serverOptions)
}

func (o *funcServerOption) apply(so *serverOptions) { o.f(so) }

func newFuncServerOption(f func(*serverOptions)) *funcServerOption {
	return &funcServerOption{f: f}
}

// Creds returns a ServerOption that sets credentials for server
// connections.
func Creds(c credentials.TransportCredentials) ServerOption {
	return newFuncServerOption(func(o *serverOptions) {
		o.creds = c
	})
}

// MaxConcurrentStreams returns a ServerOption that sets the maximum
// number of concurrent streams per-connection the server will accept.
func MaxConcurrentStreams(n uint32) ServerOption {
	return newFuncServerOption(func(o *serverOptions) {
		o.maxConcurrentStreams = n
	})
}

// MaxRecvMsgSize returns a ServerOption to set the max message size the
// server can receive for unary methods. Streaming handlers' RecvMsg uses
// the 4 MiB default instead.
func MaxRecvMsgSize(m int) ServerOption {
	return newFuncServerOption(func(o *serverOptions) {
		o.maxReceiveMessageSize = m
	})
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		maxReceiveMessageSize: defaultMaxReceiveMessageSize,
		maxSendMessageSize:    1<<31 - 1,
	}
}

// Server is a gRPC server accepting connections and dispatching RPCs to
// registered services (spec §5 server accept loop).
type Server struct {
	opts serverOptions

	mu       sync.Mutex
	services map[string]*serviceInfo
	lis      map[net.Listener]bool
	conns    map[transport.ServerTransport]bool
	serve    bool
	drain    bool
	done     chan struct{}

	quit *sync.WaitGroup
}

// NewServer creates a gRPC server with no registered service which has not
// started to accept requests yet.
func NewServer(opts ...ServerOption) *Server {
	so := defaultServerOptions()
	for _, o := range opts {
		o.apply(&so)
	}
	s := &Server{
		opts:     so,
		services: make(map[string]*serviceInfo),
		lis:      make(map[net.Listener]bool),
		conns:    make(map[transport.ServerTransport]bool),
		done:     make(chan struct{}),
		quit:     &sync.WaitGroup{},
	}
	return s
}

// RegisterService registers a service and its implementation to the gRPC
// server.
func (s *Server) RegisterService(sd *ServiceDesc, ss interface{}) {
	if ss != nil {
		ht := reflect.TypeOf(sd.HandlerType).Elem()
		st := reflect.TypeOf(ss)
		if !st.Implements(ht) {
			grpclog.Errorf("grpclib: Server.RegisterService found the handler of type %v that does not satisfy %v", st, ht)
		}
	}
	s.register(sd, ss)
}

func (s *Server) register(sd *ServiceDesc, ss interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serve {
		grpclog.Errorf("grpclib: Server.RegisterService after Server.Serve for %q is not allowed", sd.ServiceName)
	}
	if _, ok := s.services[sd.ServiceName]; ok {
		grpclog.Errorf("grpclib: Server.RegisterService found duplicate service registration for %q", sd.ServiceName)
	}
	info := &serviceInfo{
		serviceImpl: ss,
		methods:     make(map[string]*MethodDesc),
		streams:     make(map[string]*StreamDesc),
		mdata:       sd.Metadata,
	}
	for i := range sd.Methods {
		d := &sd.Methods[i]
		info.methods[d.MethodName] = d
	}
	for i := range sd.Streams {
		d := &sd.Streams[i]
		info.streams[d.StreamName] = d
	}
	s.services[sd.ServiceName] = info
}

// Serve accepts incoming connections on lis, creating a new server
// transport and goroutine for each (spec §5: "one goroutine per
// connection reads and dispatches frames; one goroutine serializes
// writes").
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.serve = true
	s.lis[lis] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.lis, lis)
		s.mu.Unlock()
		lis.Close()
	}()

	for {
		rawConn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return err
		}
		s.quit.Add(1)
		go func() {
			defer s.quit.Done()
			s.handleRawConn(rawConn)
		}()
	}
}

func (s *Server) handleRawConn(rawConn net.Conn) {
	conn := rawConn
	creds := s.opts.creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	authConn, _, err := creds.ServerHandshake(rawConn)
	if err != nil {
		grpclog.Warningf("grpclib: ServerHandshake failed: %v", err)
		rawConn.Close()
		return
	}
	conn = authConn

	st, err := transport.NewServerTransport(conn, &transport.ServerConfig{
		MaxStreams: s.opts.maxConcurrentStreams,
	})
	if err != nil {
		grpclog.Warningf("grpclib: NewServerTransport failed: %v", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.drain {
		s.mu.Unlock()
		st.Close()
		return
	}
	s.conns[st] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, st)
		s.mu.Unlock()
	}()

	st.HandleStreams(func(stream *transport.Stream) {
		s.handleStream(st, stream)
	})
}

func (s *Server) handleStream(t transport.ServerTransport, stream *transport.Stream) {
	method := strings.TrimPrefix(stream.Method(), "/")
	service, methodName, err := splitMethod(method)
	if err != nil {
		t.WriteStatus(stream, status.New(codes.Unimplemented, err.Error()))
		return
	}

	s.mu.Lock()
	info, ok := s.services[service]
	s.mu.Unlock()
	if !ok {
		t.WriteStatus(stream, status.Newf(codes.Unimplemented, "grpclib: unknown service %s", service))
		return
	}

	codec := encoding.GetCodec(stream.ContentSubtype())
	if codec == nil {
		codec = encoding.GetCodec(proto.Name)
	}
	p := &parser{r: stream}

	if md, ok := info.methods[methodName]; ok {
		s.processUnary(t, stream, info, md, codec, p)
		return
	}
	if sd, ok := info.streams[methodName]; ok {
		s.processStream(t, stream, info, sd, codec, p)
		return
	}
	t.WriteStatus(stream, status.Newf(codes.Unimplemented, "grpclib: unknown method %s for service %s", methodName, service))
}

func splitMethod(method string) (service, name string, err error) {
	i := strings.LastIndex(method, "/")
	if i < 0 {
		return "", "", fmt.Errorf("malformed method name: %q", method)
	}
	return method[:i], method[i+1:], nil
}

func (s *Server) processUnary(t transport.ServerTransport, stream *transport.Stream, info *serviceInfo, md *MethodDesc, codec encoding.Codec, p *parser) {
	ctx := stream.Context()
	dec := func(v interface{}) error {
		return recv(p, codec, stream.RecvCompress(), s.opts.maxReceiveMessageSize, v)
	}
	reply, appErr := md.Handler(info.serviceImpl, ctx, dec, nil)
	if appErr != nil {
		st, _ := status.FromError(appErr)
		t.WriteStatus(stream, st)
		return
	}
	if err := sendUnaryReply(t, stream, codec, reply); err != nil {
		st, _ := status.FromError(err)
		t.WriteStatus(stream, st)
		return
	}
	t.WriteStatus(stream, status.New(codes.OK, ""))
}

func sendUnaryReply(t transport.ServerTransport, stream *transport.Stream, codec encoding.Codec, reply interface{}) error {
	hdr, payload, err := encode(codec, reply, "")
	if err != nil {
		return err
	}
	return t.Write(stream, hdr, payload, &transport.Options{})
}

func (s *Server) processStream(t transport.ServerTransport, stream *transport.Stream, info *serviceInfo, sd *StreamDesc, codec encoding.Codec, p *parser) {
	ss := &serverStream{
		ctx:   stream.Context(),
		st:    t,
		s:     stream,
		desc:  sd,
		codec: codec,
		p:     p,
	}
	appErr := sd.Handler(info.serviceImpl, ss)
	if appErr != nil && appErr != io.EOF {
		st, _ := status.FromError(appErr)
		t.WriteStatus(stream, st)
		return
	}
	t.WriteStatus(stream, status.New(codes.OK, ""))
}

// Stop stops the gRPC server, immediately closing all open connections and
// listeners, cancelling in-flight RPCs.
func (s *Server) Stop() {
	s.mu.Lock()
	close(s.done)
	lis := s.lis
	s.lis = nil
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for l := range lis {
		l.Close()
	}
	for c := range conns {
		c.Close()
	}
	s.quit.Wait()
}

// GracefulStop stops the server by first draining every open connection
// (a GOAWAY per spec §4.4), then waiting for in-flight RPCs to finish
// before returning.
func (s *Server) GracefulStop() {
	s.mu.Lock()
	s.drain = true
	lis := s.lis
	s.lis = nil
	for l := range lis {
		l.Close()
	}
	for c := range s.conns {
		c.Drain()
	}
	s.mu.Unlock()
	s.quit.Wait()
}
