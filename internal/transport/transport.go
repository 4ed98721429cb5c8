// Package transport defines and implements the gRPC-over-HTTP/2 transport:
// frame handling, the stream state machine, flow control and HPACK are
// layered on top of golang.org/x/net/http2's Framer, exactly as the
// reference grpc-go implementation does it (spec §4.1). This package is
// internal; the grpc package above it is the only public API surface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/status"
	"golang.org/x/net/http2"
)

// ClientPreface is the string sent as the first bytes of an HTTP/2
// connection by clients, per RFC 7540 §3.5.
const ClientPreface = http2.ClientPreface

// recvMsg represents the received msg from the transport. All transport
// protocol specific info has been removed.
type recvMsg struct {
	data []byte
	// nil: received some data
	// io.EOF: stream is completed. data is nil.
	// other non-nil error: transport failure. data is nil.
	err error
}

func (*recvMsg) item() {}

// recvBuffer is an unbounded channel of item. Used as the inbound message
// queue (spec §3 Stream: "inbound and outbound message queues with
// backpressure" — backpressure on the inbound side comes not from this
// buffer's size but from flow-control window exhaustion, so the buffer
// itself is unbounded and cheap to enqueue to).
type recvBuffer struct {
	c       chan recvMsg
	mu      sync.Mutex
	backlog []recvMsg
	err     error
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{
		c: make(chan recvMsg, 1),
	}
}

func (b *recvBuffer) put(r recvMsg) {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = r.err
	if len(b.backlog) == 0 {
		select {
		case b.c <- r:
			b.mu.Unlock()
			return
		default:
		}
	}
	b.backlog = append(b.backlog, r)
	b.mu.Unlock()
}

func (b *recvBuffer) load() {
	b.mu.Lock()
	if len(b.backlog) > 0 {
		select {
		case b.c <- b.backlog[0]:
			b.backlog[0] = recvMsg{}
			b.backlog = b.backlog[1:]
		default:
		}
	}
	b.mu.Unlock()
}

// get returns the channel that receives a recvMsg in the buffer. Upon
// receipt of a message, the caller should call load to send the next
// queued message onto the channel if there is any.
func (b *recvBuffer) get() <-chan recvMsg {
	return b.c
}

// StreamState mirrors the seven HTTP/2 stream states named in spec §4.1.
type StreamState uint8

const (
	StreamIdle StreamState = iota
	StreamReservedLocal
	StreamReservedRemote
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamReservedLocal:
		return "reserved(local)"
	case StreamReservedRemote:
		return "reserved(remote)"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed(local)"
	case StreamHalfClosedRemote:
		return "half-closed(remote)"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallHdr carries the information used to construct the request headers of
// a client-initiated stream.
type CallHdr struct {
	Host           string
	Method         string
	SendCompress   string
	ContentSubtype string
	// Flush indicates the header block should be flushed to the wire
	// immediately, because the client does not yet have a message to
	// piggyback it with (spec §4.2 client-streaming calls).
	Flush bool
}

// Options provides additional hints and information for Write.
type Options struct {
	// Last indicates whether this write is the last piece for this stream.
	Last bool
}

// GoAwayReason is the reason why the server sends a GOAWAY frame.
type GoAwayReason uint8

const (
	GoAwayInvalid GoAwayReason = iota
	GoAwayNoReason
	GoAwayTooManyPings
)

// ContextErr converts the error from context package into a status error.
func ContextErr(err error) error {
	switch err {
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// StreamError is an error that only affects one stream within a
// connection (spec §4.1: "a stream error (RST_STREAM, code
// PROTOCOL_ERROR)").
type StreamError struct {
	StreamID uint32
	Code     codes.Code
	Desc     string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream error: stream ID %d; code = %s; desc = %q", e.StreamID, e.Code, e.Desc)
}

// ConnectionError is an error that results in the termination of the
// entire connection and the substitution of a new one (spec §4.1:
// "Connection-level failure").
type ConnectionError struct {
	Desc string
	err  error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: desc = %q", e.Desc)
}

func (e ConnectionError) Origin() error {
	if e.err == nil {
		return e
	}
	return e.err
}

func connectionErrorf(format string, a ...interface{}) ConnectionError {
	return ConnectionError{Desc: fmt.Sprintf(format, a...)}
}

var (
	// ErrConnClosing indicates that the transport is closing.
	ErrConnClosing = connectionErrorf("transport: the connection is closing")
	// ErrStreamDrain indicates that the stream is rejected because the
	// connection is draining in preparation for a graceful shutdown.
	ErrStreamDrain = errors.New("transport: the connection is draining and no new streams are allowed")
)

// ServerConfig consolidates the configuration used to construct an
// http2Server.
type ServerConfig struct {
	MaxStreams            uint32
	ConnectionTimeout     time.Duration
	InitialWindowSize     int32
	InitialConnWindowSize int32
	MaxFrameSize          uint32
	MaxHeaderListSize     uint32
}

// ConnectOptions covers all relevant options for communicating with the
// server.
type ConnectOptions struct {
	UserAgent             string
	InitialWindowSize     int32
	InitialConnWindowSize int32
	WriteBufferSize       int
	ReadBufferSize        int
}

// NewServerTransport creates a ServerTransport with conn or non-nil error
// if it fails.
func NewServerTransport(conn net.Conn, config *ServerConfig) (ServerTransport, error) {
	return newHTTP2Server(conn, config)
}

// NewClientTransport establishes the transport with the required ConnectOptions
// and returns it to the caller.
func NewClientTransport(ctx context.Context, conn net.Conn, opts ConnectOptions) (ClientTransport, error) {
	return newHTTP2Client(ctx, conn, opts)
}

// ServerTransport is the common interface for all gRPC server-side
// transport implementations (spec §4.1 public contract).
type ServerTransport interface {
	// HandleStreams receives incoming streams using the given handler.
	HandleStreams(func(*Stream))
	// WriteHeader sends the header metadata for the given stream.
	WriteHeader(s *Stream, md map[string][]string) error
	// Write sends the data for the given stream.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error
	// WriteStatus sends the status of a stream to the client, terminating
	// the stream.
	WriteStatus(s *Stream, st *status.Status) error
	// Close tears down the transport.
	Close() error
	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr
	// Drain notifies the client this ServerTransport stops accepting new
	// RPCs.
	Drain()
}

// ClientTransport is the common interface for all gRPC client-side
// transport implementations.
type ClientTransport interface {
	// Close tears down this transport.
	Close() error
	// GracefulClose starts to tear down the transport: it stops accepting
	// new RPCs and let the existing RPCs proceed.
	GracefulClose()
	// Write sends the data for the given stream.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error
	// NewStream creates a Stream for an RPC.
	NewStream(ctx context.Context, callHdr *CallHdr) (*Stream, error)
	// CloseStream clears the footprint of a stream when the stream is not
	// needed any more.
	CloseStream(s *Stream, err error)
	// Error returns a channel that is closed when some I/O error happens.
	Error() <-chan struct{}
	// GoAway returns a channel that is closed when ClientTransport receives
	// the draining signal from the server (GOAWAY frame).
	GoAway() <-chan struct{}
	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr
}

var errStreamDone = io.EOF
