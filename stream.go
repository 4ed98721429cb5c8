/*
 *
 * Copyright 2014 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package grpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/encoding"
	"github.com/c-ryan747/grpclib/encoding/proto"
	"github.com/c-ryan747/grpclib/internal/transport"
	"github.com/c-ryan747/grpclib/metadata"
	"github.com/c-ryan747/grpclib/status"
	"golang.org/x/net/trace"
)

// EnableTracing controls whether new client streams are recorded with
// golang.org/x/net/trace, viewable on a debug HTTP server that imports
// net/http/pprof and golang.org/x/net/trace's handler. Off by default:
// tracing holds recent RPC history in memory for every call.
var EnableTracing = false

// StreamHandler defines the handler called by the server engine to
// complete the execution of a streaming RPC. It is the server half of a
// StreamDesc.
type StreamHandler func(srv interface{}, stream ServerStream) error

// StreamDesc represents a streaming RPC's registration, carrying the
// cardinality the handler expects (spec §5: "cardinality ... enforced per
// StreamDesc registered for the method").
type StreamDesc struct {
	StreamName string
	Handler    StreamHandler

	ServerStreams bool
	ClientStreams bool
}

// Stream defines the common interface a client or server stream has to
// satisfy.
type Stream interface {
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// ClientStream defines the client-side behavior of a streaming RPC.
type ClientStream interface {
	Header() (metadata.MD, error)
	Trailer() metadata.MD
	CloseSend() error
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// ServerStream defines the server-side behavior of a streaming RPC.
type ServerStream interface {
	SetHeader(metadata.MD) error
	SendHeader(metadata.MD) error
	SetTrailer(metadata.MD)
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// NewStream creates a new Stream for the client side, applying the
// cardinality and per-call options a generated stub normally supplies
// (spec §5 new_stream).
func NewStream(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, opts ...CallOption) (ClientStream, error) {
	return newClientStream(ctx, desc, cc, method, opts...)
}

func newClientStream(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, opts ...CallOption) (_ ClientStream, err error) {
	c := defaultCallInfo()
	var mcCancel context.CancelFunc
	if mc, ok := cc.dopts.defaultServiceConfig.methodConfigFor(method); ok {
		if mc.WaitForReady != nil {
			c.failFast = !*mc.WaitForReady
		}
		c.maxReceiveMessageSize = getMaxSize(mc.MaxRespSize, nil, defaultMaxReceiveMessageSize)
		c.maxSendMessageSize = getMaxSize(mc.MaxReqSize, nil, maxInt)
		if mc.Timeout != nil && *mc.Timeout > 0 {
			if _, ok := ctx.Deadline(); !ok {
				ctx, mcCancel = context.WithTimeout(ctx, *mc.Timeout)
			}
		}
	}
	for _, o := range opts {
		if err := o.before(c); err != nil {
			return nil, toRPCErr(err)
		}
	}
	defer func() {
		for _, o := range opts {
			o.after(c)
		}
	}()

	codec := c.codec
	if codec == nil && c.contentSubtype != "" {
		codec = encoding.GetCodec(c.contentSubtype)
	}
	if codec == nil {
		codec = encoding.GetCodec(proto.Name)
	}

	ct, err := cc.getTransport(ctx)
	if err != nil {
		if mcCancel != nil {
			mcCancel()
		}
		return nil, toRPCErr(err)
	}

	callHdr := &transport.CallHdr{
		Host:           cc.authority,
		Method:         method,
		ContentSubtype: c.contentSubtype,
		SendCompress:   c.compressorName,
	}

	s, err := ct.NewStream(ctx, callHdr)
	if err != nil {
		if mcCancel != nil {
			mcCancel()
		}
		return nil, toRPCErr(err)
	}

	cancel := func() {}
	if mcCancel != nil {
		cancel = mcCancel
	}
	cs := &clientStream{
		ctx:    s.Context(),
		cancel: cancel,
		cc:     cc,
		ct:     ct,
		s:      s,
		c:      c,
		desc:   desc,
		codec:  codec,
		p:      &parser{r: s},
	}
	if EnableTracing {
		cs.tr = trace.New("grpclib.Sent", method)
		if dl, ok := ctx.Deadline(); ok {
			cs.tr.LazyPrintf("deadline in %v", time.Until(dl))
		}
	}
	return cs, nil
}

// clientStream implements ClientStream over a single internal/transport
// Stream, enforcing the cardinality recorded in desc (spec invariant:
// exactly the messages the StreamDesc's cardinality allows).
type clientStream struct {
	ctx    context.Context
	cancel func()

	cc   *ClientConn
	ct   transport.ClientTransport
	s    *transport.Stream
	c    *callInfo
	desc *StreamDesc
	codec encoding.Codec
	p    *parser
	tr   trace.Trace

	mu       sync.Mutex
	sentLast bool
	finished bool
}

func (cs *clientStream) Context() context.Context { return cs.ctx }

func (cs *clientStream) Header() (metadata.MD, error) {
	hdr, err := cs.s.Header()
	if err != nil {
		return nil, toRPCErr(err)
	}
	return metadata.MD(hdr), nil
}

func (cs *clientStream) Trailer() metadata.MD {
	return metadata.MD(cs.s.Trailer())
}

func (cs *clientStream) SendMsg(m interface{}) error {
	cs.mu.Lock()
	if !cs.desc.ClientStreams && cs.sentLast {
		cs.mu.Unlock()
		return status.Error(codes.Internal, "grpc: client-streaming cardinality violated: SendMsg called more than once on a unary-request stream")
	}
	cs.sentLast = !cs.desc.ClientStreams
	cs.mu.Unlock()

	hdr, payload, err := encode(cs.codec, m, cs.c.compressorName)
	if err != nil {
		return err
	}
	if limit := cs.c.maxSendMessageSize; limit != nil && len(payload) > *limit {
		return status.Errorf(codes.ResourceExhausted, "grpc: trying to send message larger than max (%d vs. %d)", len(payload), *limit)
	}
	return cs.ct.Write(cs.s, hdr, payload, &transport.Options{Last: !cs.desc.ClientStreams})
}

func (cs *clientStream) RecvMsg(m interface{}) error {
	maxRecv := defaultMaxReceiveMessageSize
	if cs.c.maxReceiveMessageSize != nil {
		maxRecv = *cs.c.maxReceiveMessageSize
	}
	err := recv(cs.p, cs.codec, cs.c.compressorName, maxRecv, m)
	if err == nil {
		if !cs.desc.ServerStreams {
			// Unary or client-streaming response: a second message (or a
			// status without EOF) is a protocol violation.
			if rerr := recv(cs.p, cs.codec, cs.c.compressorName, maxRecv, m); rerr != io.EOF {
				return toRPCErr(status.Error(codes.Internal, "grpc: server streamed multiple responses for a unary-response call"))
			}
		}
		return nil
	}
	cs.finish()
	if err == io.EOF {
		if st := cs.s.Status(); st != nil && st.Code() != codes.OK {
			return st.Err()
		}
		return io.EOF
	}
	return toRPCErr(err)
}

func (cs *clientStream) CloseSend() error {
	cs.mu.Lock()
	already := cs.sentLast
	cs.sentLast = true
	cs.mu.Unlock()
	if already {
		return nil
	}
	return cs.ct.Write(cs.s, nil, nil, &transport.Options{Last: true})
}

func (cs *clientStream) finish() {
	cs.mu.Lock()
	if cs.finished {
		cs.mu.Unlock()
		return
	}
	cs.finished = true
	cs.mu.Unlock()
	cs.ct.CloseStream(cs.s, nil)
	cs.cancel()
	if cs.tr != nil {
		cs.tr.Finish()
		cs.tr = nil
	}
}

// toRPCErr normalizes err to a status-compatible error, attributing
// context deadline/cancel to the matching gRPC code (spec §4.2 deadlines
// and cancellation composition).
func toRPCErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// serverStream implements ServerStream for a single inbound
// internal/transport Stream handled by the server engine (spec §5
// dispatch).
type serverStream struct {
	ctx  context.Context
	st   transport.ServerTransport
	s    *transport.Stream
	desc *StreamDesc
	codec encoding.Codec
	p    *parser
	compressorName string

	mu            sync.Mutex
	headerSent    bool
	pendingHeader metadata.MD
	trailer       metadata.MD
}

func (ss *serverStream) Context() context.Context { return ss.ctx }

func (ss *serverStream) SetHeader(md metadata.MD) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.headerSent {
		return status.Error(codes.Internal, "grpc: SetHeader called after headers were already sent")
	}
	ss.pendingHeader = metadata.Join(ss.pendingHeader, md)
	return nil
}

func (ss *serverStream) SendHeader(md metadata.MD) error {
	ss.mu.Lock()
	if ss.headerSent {
		ss.mu.Unlock()
		return status.Error(codes.Internal, "grpc: SendHeader called more than once")
	}
	ss.headerSent = true
	out := metadata.Join(ss.pendingHeader, md)
	ss.mu.Unlock()
	return ss.st.WriteHeader(ss.s, out)
}

func (ss *serverStream) SetTrailer(md metadata.MD) {
	ss.mu.Lock()
	ss.trailer = metadata.Join(ss.trailer, md)
	ss.mu.Unlock()
}

func (ss *serverStream) SendMsg(m interface{}) error {
	if err := ss.sendHeaderIfNeeded(); err != nil {
		return err
	}
	hdr, payload, err := encode(ss.codec, m, ss.compressorName)
	if err != nil {
		return err
	}
	return ss.st.Write(ss.s, hdr, payload, &transport.Options{})
}

func (ss *serverStream) RecvMsg(m interface{}) error {
	return recv(ss.p, ss.codec, ss.s.RecvCompress(), defaultMaxReceiveMessageSize, m)
}

func (ss *serverStream) sendHeaderIfNeeded() error {
	ss.mu.Lock()
	if ss.headerSent {
		ss.mu.Unlock()
		return nil
	}
	ss.headerSent = true
	md := ss.pendingHeader
	ss.mu.Unlock()
	return ss.st.WriteHeader(ss.s, md)
}

// MethodFromServerStream returns the method string for the server-side
// stream ss.
func MethodFromServerStream(ss ServerStream) (string, bool) {
	s, ok := ss.(*serverStream)
	if !ok {
		return "", false
	}
	return s.s.Method(), true
}

const defaultMaxReceiveMessageSize = 1024 * 1024 * 4
