package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/credentials"
	"github.com/c-ryan747/grpclib/credentials/insecure"
	"github.com/c-ryan747/grpclib/internal/backoff"
	"github.com/c-ryan747/grpclib/internal/grpclog"
	"github.com/c-ryan747/grpclib/internal/transport"
	"github.com/c-ryan747/grpclib/keepalive"
	"github.com/c-ryan747/grpclib/metadata"
	"github.com/c-ryan747/grpclib/status"
)

func init() {
	transport.SetOutgoingMetadataExtractor(func(ctx context.Context) (map[string][]string, bool) {
		md, ok := metadata.FromOutgoingContext(ctx)
		return map[string][]string(md), ok
	})
}

// ConnectivityState mirrors the client channel's coarse connectivity,
// simplified from the full grpc-go state machine to the five states a
// single-transport channel (no balancer, no name resolution) moves
// through (spec Non-goals: no load balancing or service discovery).
type ConnectivityState int

const (
	Idle ConnectivityState = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

func (s ConnectivityState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "INVALID_STATE"
	}
}

// dialOptions holds the assembled configuration for a ClientConn, built up
// by the functional DialOptions passed to Dial (spec's ambient
// configuration surface: no config framework, only functional options, as
// the teacher does it).
type dialOptions struct {
	creds             credentials.TransportCredentials
	callOptions       []CallOption
	keepaliveParams   keepalive.ClientParameters
	userAgent         string
	bs                backoff.Strategy
	block             bool
	connectTimeout    time.Duration
	defaultServiceConfig *ServiceConfig
}

// DialOption configures how Dial creates the ClientConn.
type DialOption interface {
	apply(*dialOptions)
}

type funcDialOption struct {
	f func(*dialOptions)
}

func (o *funcDialOption) apply(do *dialOptions) { o.f(do) }

func newFuncDialOption(f func(*dialOptions)) *funcDialOption {
	return &funcDialOption{f: f}
}

// WithTransportCredentials configures the transport credentials used to
// establish the connection (spec §6: transport security is an external
// collaborator).
func WithTransportCredentials(creds credentials.TransportCredentials) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.creds = creds
	})
}

// WithInsecure disables transport security for this ClientConn. This is
// equivalent to WithTransportCredentials(insecure.NewCredentials()).
func WithInsecure() DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.creds = insecure.NewCredentials()
	})
}

// WithDefaultCallOptions returns a DialOption which sets the default
// CallOptions for calls over the connection.
func WithDefaultCallOptions(cos ...CallOption) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.callOptions = append(o.callOptions, cos...)
	})
}

// WithKeepaliveParams returns a DialOption that stores keepalive
// parameters on the ClientConn. The transport does not read them and
// sends no keepalive pings.
func WithKeepaliveParams(kp keepalive.ClientParameters) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.keepaliveParams = kp
	})
}

// WithUserAgent returns a DialOption that specifies a user agent string
// for all the RPCs sent over this connection.
func WithUserAgent(s string) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.userAgent = s
	})
}

// WithConnectParams configures the dialer's reconnection backoff
// strategy.
func WithConnectParams(bs backoff.Strategy) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.bs = bs
	})
}

// WithBlock returns a DialOption which makes caller of Dial blocks until
// the underlying connection is up.
func WithBlock() DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		o.block = true
	})
}

// ClientConn represents a client connection to an RPC endpoint, bound to
// exactly one transport connection for its lifetime (spec Non-goals: no
// load balancing or service discovery across multiple backends).
type ClientConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	target    string
	authority string
	dopts     dialOptions

	mu    sync.Mutex
	state ConnectivityState
	ct    transport.ClientTransport
	ctErr error
	ready chan struct{}

	stateNotify chan struct{}
}

// Dial creates a ClientConn for the given target, e.g. "host:port".
func Dial(target string, opts ...DialOption) (*ClientConn, error) {
	return DialContext(context.Background(), target, opts...)
}

// DialContext creates a ClientConn and starts dialing the target in the
// background at once, not on the first RPC. ctx controls the connection's
// initial, blocking attempt when WithBlock is set.
func DialContext(ctx context.Context, target string, opts ...DialOption) (*ClientConn, error) {
	cc := &ClientConn{
		target: target,
		state:  Idle,
		ready:  make(chan struct{}),
	}
	cc.ctx, cc.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt.apply(&cc.dopts)
	}
	if cc.dopts.creds == nil {
		cc.dopts.creds = insecure.NewCredentials()
	}
	if cc.dopts.bs == nil {
		cc.dopts.bs = backoff.Exponential{Config: backoff.DefaultConfig}
	}
	cc.authority = authorityFromTarget(target, cc.dopts.userAgent)

	go cc.connectLoop()

	if cc.dopts.block {
		select {
		case <-cc.ready:
		case <-ctx.Done():
			cc.Close()
			return nil, ctx.Err()
		}
	}
	return cc, nil
}

func authorityFromTarget(target, override string) string {
	if override != "" {
		return override
	}
	return target
}

// connectLoop dials the target, retrying with backoff on failure, until
// the ClientConn is closed (spec §4.4 reconnection).
func (cc *ClientConn) connectLoop() {
	var retries int
	for {
		select {
		case <-cc.ctx.Done():
			return
		default:
		}

		cc.setState(Connecting)
		ct, err := cc.dial()
		if err != nil {
			cc.mu.Lock()
			cc.ctErr = err
			cc.mu.Unlock()
			cc.setState(TransientFailure)
			grpclog.Warningf("grpclib: failed to dial %s: %v", cc.target, err)

			delay := cc.dopts.bs.Backoff(retries)
			retries++
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-cc.ctx.Done():
				t.Stop()
				return
			}
			continue
		}

		retries = 0
		cc.mu.Lock()
		cc.ct = ct
		cc.ctErr = nil
		cc.mu.Unlock()
		cc.setState(Ready)
		select {
		case <-cc.ready:
		default:
			close(cc.ready)
		}

		select {
		case <-ct.Error():
		case <-ct.GoAway():
		case <-cc.ctx.Done():
			ct.Close()
			return
		}
		cc.mu.Lock()
		if cc.ct == ct {
			cc.ct = nil
		}
		cc.mu.Unlock()
	}
}

func (cc *ClientConn) setState(s ConnectivityState) {
	cc.mu.Lock()
	cc.state = s
	cc.mu.Unlock()
}

// GetState returns the ClientConn's current connectivity state.
func (cc *ClientConn) GetState() ConnectivityState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

func (cc *ClientConn) dial() (transport.ClientTransport, error) {
	timeout := cc.dopts.connectTimeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(cc.ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cc.target)
	if err != nil {
		return nil, fmt.Errorf("grpclib: transport: %w", err)
	}

	if cc.dopts.creds != nil {
		authConn, _, err := cc.dopts.creds.ClientHandshake(dialCtx, cc.authority, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("grpclib: transport: authentication handshake failed: %w", err)
		}
		conn = authConn
	}

	ct, err := transport.NewClientTransport(cc.ctx, conn, transport.ConnectOptions{
		UserAgent: cc.dopts.userAgent,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ct, nil
}

// getTransport blocks, up to ctx's deadline, until a live transport is
// available for use by a new stream.
func (cc *ClientConn) getTransport(ctx context.Context) (transport.ClientTransport, error) {
	for {
		cc.mu.Lock()
		ct := cc.ct
		state := cc.state
		cc.mu.Unlock()

		if state == Shutdown {
			return nil, status.Error(codes.Canceled, "grpclib: the client connection is closing")
		}
		if ct != nil {
			return ct, nil
		}

		select {
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close tears down the ClientConn and its underlying transport.
func (cc *ClientConn) Close() error {
	cc.mu.Lock()
	if cc.state == Shutdown {
		cc.mu.Unlock()
		return nil
	}
	cc.state = Shutdown
	ct := cc.ct
	cc.mu.Unlock()

	cc.cancel()
	if ct != nil {
		return ct.Close()
	}
	return nil
}

// Target returns the target string used when constructing the ClientConn.
func (cc *ClientConn) Target() string {
	return cc.target
}

