package grpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/encoding"
	"github.com/c-ryan747/grpclib/status"
)

// CallOption configures a Call before it starts or extracts information
// from a Call after it completes.
type CallOption interface {
	before(*callInfo) error
	after(*callInfo)
}

// callInfo holds the effective per-call configuration assembled from
// DialOption defaults and per-call CallOptions.
type callInfo struct {
	failFast        bool
	maxReceiveMessageSize *int
	maxSendMessageSize    *int
	creds           interface{}
	contentSubtype  string
	codec           encoding.Codec
	compressorName  string
}

func defaultCallInfo() *callInfo {
	return &callInfo{failFast: true}
}

type funcCallOption struct {
	beforeFn func(*callInfo) error
	afterFn  func(*callInfo)
}

func (o *funcCallOption) before(c *callInfo) error {
	if o.beforeFn != nil {
		return o.beforeFn(c)
	}
	return nil
}

func (o *funcCallOption) after(c *callInfo) {
	if o.afterFn != nil {
		o.afterFn(c)
	}
}

// FailFast sets the call's fail-fast flag. Fail-fast and non-fail-fast
// calls both wait for a transport until the call's context ends; the flag
// only decides whether invoke retries a stream reported as Unprocessed,
// which it does once for non-fail-fast calls.
func FailFast(failFast bool) CallOption {
	return &funcCallOption{beforeFn: func(c *callInfo) error {
		c.failFast = failFast
		return nil
	}}
}

// MaxCallRecvMsgSize returns a CallOption which sets the maximum message
// size the client can receive.
func MaxCallRecvMsgSize(bytes int) CallOption {
	return &funcCallOption{beforeFn: func(c *callInfo) error {
		c.maxReceiveMessageSize = &bytes
		return nil
	}}
}

// MaxCallSendMsgSize returns a CallOption which sets the maximum message
// size the client can send.
func MaxCallSendMsgSize(bytes int) CallOption {
	return &funcCallOption{beforeFn: func(c *callInfo) error {
		c.maxSendMessageSize = &bytes
		return nil
	}}
}

// CallContentSubtype returns a CallOption that sets the content-subtype
// used for the call (e.g. "json" selects the registered "json" codec
// instead of the default proto codec).
func CallContentSubtype(subtype string) CallOption {
	return &funcCallOption{beforeFn: func(c *callInfo) error {
		c.contentSubtype = subtype
		return nil
	}}
}

// CallCustomCodec returns a CallOption that sets a Codec for a call to one
// other than the default codec registered for the call's content-subtype.
func CallCustomCodec(codec encoding.Codec) CallOption {
	return &funcCallOption{beforeFn: func(c *callInfo) error {
		c.codec = codec
		return nil
	}}
}

// UseCompressor returns a CallOption which sets the compressor used when
// sending the request.
func UseCompressor(name string) CallOption {
	return &funcCallOption{beforeFn: func(c *callInfo) error {
		c.compressorName = name
		return nil
	}}
}

const (
	payloadLen = 1
	sizeLen    = 4
	headerLen  = payloadLen + sizeLen
)

// msgHeader returns a 5-byte gRPC message header: a 1-byte compression
// flag and a 4-byte big-endian length prefix, per spec §4.2 message
// framing.
func msgHeader(data, compData []byte) (hdr []byte, payload []byte) {
	hdr = make([]byte, headerLen)
	if compData != nil {
		hdr[0] = 1
		payload = compData
	} else {
		hdr[0] = 0
		payload = data
	}
	length := uint32(len(payload))
	binary.BigEndian.PutUint32(hdr[payloadLen:], length)
	return hdr, payload
}

// compress runs in-data through the encoding.Compressor registered under
// compressorName, returning the compressed bytes. An empty name or
// "identity" returns nil, meaning no compression.
func compress(in []byte, compressorName string) ([]byte, error) {
	if compressorName == "" || compressorName == encoding.Identity {
		return nil, nil
	}
	comp := encoding.GetCompressor(compressorName)
	if comp == nil {
		return nil, status.Errorf(codes.Internal, "unable to find compressor %q", compressorName)
	}
	var buf bytes.Buffer
	wc, err := comp.Compress(&buf)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "error compressing: %v", err)
	}
	if _, err := wc.Write(in); err != nil {
		return nil, status.Errorf(codes.Internal, "error compressing: %v", err)
	}
	if err := wc.Close(); err != nil {
		return nil, status.Errorf(codes.Internal, "error compressing: %v", err)
	}
	return buf.Bytes(), nil
}

func decompress(in []byte, compressorName string, maxReceiveMessageSize int) ([]byte, error) {
	comp := encoding.GetCompressor(compressorName)
	if comp == nil {
		return nil, status.Errorf(codes.Unimplemented, "grpc: unknown compression algorithm %q", compressorName)
	}
	dcReader, err := comp.Decompress(bytes.NewReader(in))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err)
	}
	out, err := io.ReadAll(io.LimitReader(dcReader, int64(maxReceiveMessageSize)+1))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err)
	}
	if len(out) > maxReceiveMessageSize {
		return nil, status.Errorf(codes.ResourceExhausted, "grpc: received message after decompression larger than max (%d bytes)", maxReceiveMessageSize)
	}
	return out, nil
}

// encode marshals msg with c, optionally compresses it with the compressor
// named compressorName, and returns the resulting header and payload
// halves ready for internal/transport.Write.
func encode(c encoding.Codec, msg interface{}, compressorName string) (hdr []byte, payload []byte, err error) {
	if msg == nil {
		hdr, payload = msgHeader(nil, nil)
		return hdr, payload, nil
	}
	b, err := c.Marshal(msg)
	if err != nil {
		return nil, nil, status.Errorf(codes.Internal, "grpc: error while marshaling: %v", err)
	}
	if uint(len(b)) > math.MaxUint32 {
		return nil, nil, status.Errorf(codes.ResourceExhausted, "grpc: message too large (%d bytes)", len(b))
	}
	var compData []byte
	if compressorName != "" && compressorName != encoding.Identity {
		compData, err = compress(b, compressorName)
		if err != nil {
			return nil, nil, err
		}
	}
	hdr, payload = msgHeader(b, compData)
	return hdr, payload, nil
}

// parser reassembles length-prefixed gRPC messages from a stream's byte
// reader, reading across DATA frame boundaries as internal/transport
// hands them out (spec §4.2).
type parser struct {
	r io.Reader
	header [5]byte
}

type payloadFormat uint8

const (
	compressionNone payloadFormat = 0
	compressionMade payloadFormat = 1
)

// recvMsg reads a complete gRPC message (header + payload) from p.r,
// enforcing maxReceiveMessageSize (spec invariant: oversized messages are
// rejected with ResourceExhausted rather than read into memory).
func (p *parser) recvMsg(maxReceiveMessageSize int) (pf payloadFormat, msg []byte, err error) {
	if _, err := io.ReadFull(p.r, p.header[:]); err != nil {
		return 0, nil, err
	}
	pf = payloadFormat(p.header[0])
	length := binary.BigEndian.Uint32(p.header[1:])
	if length == 0 {
		return pf, nil, nil
	}
	if int64(length) > int64(maxReceiveMessageSize) {
		return 0, nil, status.Errorf(codes.ResourceExhausted, "grpc: received message larger than max (%d vs. %d)", length, maxReceiveMessageSize)
	}
	msg = make([]byte, int(length))
	if _, err := io.ReadFull(p.r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return pf, msg, nil
}

// recv reads exactly one gRPC message from p, decompressing and
// unmarshaling it with c/compressorName into v.
func recv(p *parser, c encoding.Codec, compressorName string, maxReceiveMessageSize int, v interface{}) error {
	pf, d, err := p.recvMsg(maxReceiveMessageSize)
	if err != nil {
		return err
	}
	if pf == compressionMade {
		d, err = decompress(d, compressorName, maxReceiveMessageSize)
		if err != nil {
			return err
		}
	}
	if err := c.Unmarshal(d, v); err != nil {
		return status.Errorf(codes.Internal, "grpc: failed to unmarshal the received message: %v", err)
	}
	return nil
}
