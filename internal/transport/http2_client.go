package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/status"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// http2Client implements ClientTransport over a single HTTP/2 connection,
// the client-side mirror of http2Server (spec §4.1, §4.4 client channel
// over one transport connection).
type http2Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn
	framer *http2.Framer

	userAgent string

	hEnc *hpack.Encoder
	hBuf *strBuf

	mu          sync.Mutex
	nextID      uint32
	streams     map[uint32]*Stream
	state       transportState
	maxStreamID uint32 // highest stream id seen back from the server's GOAWAY

	fc            *trInFlow
	sendQuotaPool *writeQuota

	controlBuf *controlBuffer
	done       chan struct{}

	errCh    chan struct{}
	errOnce  sync.Once
	goAwayCh chan struct{}
	goAwayOnce sync.Once

	initialWindowSize int32
}

func newHTTP2Client(ctx context.Context, conn net.Conn, opts ConnectOptions) (_ ClientTransport, err error) {
	iws := opts.InitialWindowSize
	if iws == 0 {
		iws = defaultWindowSize
	}

	if _, err := conn.Write([]byte(ClientPreface)); err != nil {
		return nil, connectionErrorf("transport: failed to write client preface: %v", err)
	}

	framer := http2.NewFramer(conn, conn)
	if err := framer.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(iws)},
	); err != nil {
		return nil, connectionErrorf("transport: failed to write initial settings: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t := &http2Client{
		ctx:               cctx,
		cancel:            cancel,
		conn:              conn,
		framer:            framer,
		userAgent:         opts.UserAgent,
		hBuf:              &strBuf{},
		nextID:            1,
		streams:           make(map[uint32]*Stream),
		fc:                &trInFlow{limit: uint32(iws)},
		done:              done,
		errCh:             make(chan struct{}),
		goAwayCh:          make(chan struct{}),
		initialWindowSize: iws,
		controlBuf:        newControlBuffer(done),
	}
	t.hEnc = hpack.NewEncoder(t.hBuf)
	t.sendQuotaPool = newWriteQuota(defaultWindowSize, done)

	go t.writeLoop()
	go t.readLoop()
	return t, nil
}

// NewStream allocates a new client-initiated HTTP/2 stream and sends its
// HEADERS frame (spec §4.3 new_stream).
func (t *http2Client) NewStream(ctx context.Context, callHdr *CallHdr) (*Stream, error) {
	t.mu.Lock()
	if t.state != reachable {
		t.mu.Unlock()
		return nil, ErrConnClosing
	}
	id := t.nextID
	t.nextID += 2
	t.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:           id,
		ct:           t,
		ctx:          sctx,
		cancel:       cancel,
		method:       callHdr.Method,
		sendCompress: callHdr.SendCompress,
		buf:          newRecvBuffer(),
		fc:           &inFlow{limit: uint32(t.initialWindowSize)},
		headerChan:   make(chan struct{}),
		state:        StreamOpen,
		writeQuota:   t.sendQuotaPool,
	}
	s.trReader = &recvBufferReader{ctx: sctx, recv: s.buf}

	t.mu.Lock()
	if t.state != reachable {
		t.mu.Unlock()
		cancel()
		return nil, ErrConnClosing
	}
	t.streams[id] = s
	t.mu.Unlock()

	hf := t.createHeaderFields(callHdr, sctx)
	if err := t.controlBuf.put(&headerFrame{streamID: id, hf: hf}); err != nil {
		t.mu.Lock()
		delete(t.streams, id)
		t.mu.Unlock()
		cancel()
		return nil, err
	}
	return s, nil
}

func (t *http2Client) createHeaderFields(callHdr *CallHdr, ctx context.Context) []headerField {
	host := callHdr.Host
	hf := []headerField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: callHdr.Method},
		{Name: ":authority", Value: host},
		{Name: "te", Value: "trailers"},
		{Name: "content-type", Value: contentType(callHdr.ContentSubtype)},
	}
	ua := t.userAgent
	if ua == "" {
		ua = "grpclib-go"
	}
	hf = append(hf, headerField{Name: "user-agent", Value: ua})
	if callHdr.SendCompress != "" {
		hf = append(hf, headerField{Name: "grpc-encoding", Value: callHdr.SendCompress})
	}
	if dl, ok := ctx.Deadline(); ok {
		hf = append(hf, headerField{Name: "grpc-timeout", Value: encodeTimeout(time.Until(dl))})
	}
	if md, ok := mdFromOutgoingContext(ctx); ok {
		for k, vv := range md {
			if IsReservedHeader(k) {
				continue
			}
			for _, v := range vv {
				hf = append(hf, headerField{Name: strings.ToLower(k), Value: v})
			}
		}
	}
	return hf
}

// mdFromOutgoingContextFunc is set by the grpc package to avoid an import
// cycle between internal/transport and metadata; it defaults to returning
// nothing so this package remains self-sufficient for tests.
var mdFromOutgoingContextFunc func(ctx context.Context) (map[string][]string, bool)

func mdFromOutgoingContext(ctx context.Context) (map[string][]string, bool) {
	if mdFromOutgoingContextFunc == nil {
		return nil, false
	}
	return mdFromOutgoingContextFunc(ctx)
}

// SetOutgoingMetadataExtractor installs the function used to pull outgoing
// metadata pairs out of a context.Context, so request headers can carry
// the caller's metadata.New/AppendToOutgoingContext pairs (spec §4.2).
func SetOutgoingMetadataExtractor(f func(ctx context.Context) (map[string][]string, bool)) {
	mdFromOutgoingContextFunc = f
}

func (t *http2Client) readLoop() {
	defer t.onError()
	for {
		frame, err := t.framer.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.HeadersFrame:
			t.operateHeaders(f)
		case *http2.DataFrame:
			t.handleData(f)
		case *http2.RSTStreamFrame:
			t.handleRSTStream(f)
		case *http2.SettingsFrame:
			t.handleSettings(f)
		case *http2.PingFrame:
			t.handlePing(f)
		case *http2.WindowUpdateFrame:
			t.handleWindowUpdate(f)
		case *http2.GoAwayFrame:
			t.handleGoAway(f)
			return
		}
	}
}

func (t *http2Client) getStream(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *http2Client) operateHeaders(frame *http2.HeadersFrame) {
	s := t.getStream(frame.Header().StreamID)
	if s == nil {
		return
	}

	header := map[string][]string{}
	var statusCode string
	var sawGRPCStatus bool
	var grpcStatus, grpcMessage, grpcDetails string

	decoder := hpack.NewDecoder(http2InitHeaderTableSize, func(f hpack.HeaderField) {
		switch f.Name {
		case ":status":
			statusCode = f.Value
		case "grpc-status":
			grpcStatus = f.Value
			sawGRPCStatus = true
		case "grpc-message":
			grpcMessage = f.Value
		case "grpc-status-details-bin":
			grpcDetails = f.Value
		default:
			if !strings.HasPrefix(f.Name, ":") {
				header[f.Name] = append(header[f.Name], f.Value)
			}
		}
	})
	decoder.Write(frame.HeaderBlockFragment())
	_ = statusCode

	isTrailersOnly := sawGRPCStatus

	if !isTrailersOnly {
		s.mu.Lock()
		if s.header == nil {
			s.header = header
		}
		s.mu.Unlock()
		select {
		case <-s.headerChan:
		default:
			close(s.headerChan)
		}
	}

	if frame.StreamEnded() || isTrailersOnly {
		st := status.New(codes.OK, "")
		if sawGRPCStatus {
			code, err := strconv.ParseInt(grpcStatus, 10, 32)
			if err == nil {
				st = status.New(codes.Code(code), decodeGrpcMessage(grpcMessage))
				if grpcDetails != "" {
					if raw, err := decodeBinHeader(grpcDetails); err == nil {
						st = st.WithDetails(raw)
					}
				}
			}
		}
		s.mu.Lock()
		s.status = st
		if s.trailer == nil {
			s.trailer = header
		} else {
			for k, v := range header {
				s.trailer[k] = append(s.trailer[k], v...)
			}
		}
		s.mu.Unlock()
		select {
		case <-s.headerChan:
		default:
			close(s.headerChan)
		}
		s.buf.put(recvMsg{err: io.EOF})
		t.deleteStream(s.id)
	}
}

func (t *http2Client) handleData(f *http2.DataFrame) {
	size := f.Header().Length
	t.mu.Lock()
	wu := t.fc.onData(size)
	t.mu.Unlock()
	if wu > 0 {
		t.controlBuf.put(&windowUpdate{streamID: 0, increment: wu})
	}
	s := t.getStream(f.Header().StreamID)
	if s == nil {
		return
	}
	if size > 0 {
		if err := s.fc.onData(size); err != nil {
			t.CloseStream(s, err)
			return
		}
		atomic.StoreUint32(&s.bytesReceived, 1)
		data := append([]byte(nil), f.Data()...)
		s.buf.put(recvMsg{data: data})
	}
	if f.StreamEnded() {
		s.buf.put(recvMsg{err: io.EOF})
	}
}

func (t *http2Client) handleRSTStream(f *http2.RSTStreamFrame) {
	s := t.getStream(f.Header().StreamID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.status == nil {
		s.status = status.New(codes.Internal, "stream reset by server")
	}
	s.mu.Unlock()
	s.buf.put(recvMsg{err: io.EOF})
	s.cancel()
	t.deleteStream(s.id)
}

func (t *http2Client) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	t.controlBuf.put(&settingsAck{})
}

func (t *http2Client) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	t.controlBuf.put(&ping{ack: true, data: f.Data})
}

func (t *http2Client) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.Header().StreamID == 0 {
		t.sendQuotaPool.replenish(int(f.Increment))
		return
	}
	if s := t.getStream(f.Header().StreamID); s != nil {
		s.writeQuota.replenish(int(f.Increment))
	}
}

func (t *http2Client) handleGoAway(f *http2.GoAwayFrame) {
	t.mu.Lock()
	t.state = draining
	t.maxStreamID = f.LastStreamID
	t.mu.Unlock()
	t.goAwayOnce.Do(func() { close(t.goAwayCh) })
}

func (t *http2Client) deleteStream(id uint32) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// CloseStream clears the footprint of a stream when the stream is not
// needed any more (spec §4.3 cancel).
func (t *http2Client) CloseStream(s *Stream, err error) {
	s.mu.Lock()
	if s.status == nil {
		code := codes.Canceled
		if err != nil {
			code = status.Code(err)
		}
		s.status = status.New(code, "")
	}
	s.mu.Unlock()
	s.cancel()
	t.deleteStream(s.id)
	t.controlBuf.put(&resetStream{streamID: s.id, code: uint32(http2.ErrCodeCancel)})
}

// Write sends the data for the given stream (spec §4.3 send_message).
func (t *http2Client) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	if err := s.writeQuota.get(int32(len(hdr) + len(data))); err != nil {
		return err
	}
	return t.controlBuf.put(&dataFrame{streamID: s.id, endStream: opts != nil && opts.Last, h: hdr, d: data})
}

// Close tears down this transport, cancelling every in-flight stream.
func (t *http2Client) Close() error {
	t.mu.Lock()
	if t.state == closing {
		t.mu.Unlock()
		return nil
	}
	t.state = closing
	streams := t.streams
	t.streams = make(map[uint32]*Stream)
	t.mu.Unlock()

	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.controlBuf.finish()
	for _, s := range streams {
		s.buf.put(recvMsg{err: io.EOF})
		s.cancel()
	}
	t.cancel()
	t.onError()
	return t.conn.Close()
}

// GracefulClose stops accepting new RPCs and lets in-flight RPCs proceed
// to completion, per spec §4.4 graceful shutdown.
func (t *http2Client) GracefulClose() {
	t.mu.Lock()
	if t.state == reachable {
		t.state = draining
	}
	t.mu.Unlock()
}

func (t *http2Client) onError() {
	t.errOnce.Do(func() { close(t.errCh) })
}

// Error returns a channel that is closed when some I/O error happens.
func (t *http2Client) Error() <-chan struct{} {
	return t.errCh
}

// GoAway returns a channel that is closed when ClientTransport receives the
// draining signal from the server (GOAWAY frame).
func (t *http2Client) GoAway() <-chan struct{} {
	return t.goAwayCh
}

func (t *http2Client) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *http2Client) writeLoop() {
	for {
		it, err := t.controlBuf.get(true)
		if err != nil {
			return
		}
		if err := t.writeItem(it); err != nil {
			t.onError()
			return
		}
	}
}

func (t *http2Client) writeItem(it controlItem) error {
	switch i := it.(type) {
	case *headerFrame:
		return t.writeHeaderFrame(i.streamID, i.hf, i.endStream)
	case *dataFrame:
		if len(i.h) > 0 {
			if err := t.framer.WriteData(i.streamID, false, i.h); err != nil {
				return err
			}
		}
		return t.framer.WriteData(i.streamID, i.endStream, i.d)
	case *windowUpdate:
		return t.framer.WriteWindowUpdate(i.streamID, i.increment)
	case *settingsAck:
		return t.framer.WriteSettingsAck()
	case *resetStream:
		return t.framer.WriteRSTStream(i.streamID, http2.ErrCode(i.code))
	case *ping:
		return t.framer.WritePing(i.ack, i.data)
	default:
		return fmt.Errorf("transport: unknown control item %T", it)
	}
}

func (t *http2Client) writeHeaderFrame(streamID uint32, hf []headerField, endStream bool) error {
	t.hBuf.Reset()
	for _, f := range hf {
		if err := t.hEnc.WriteField(f); err != nil {
			return err
		}
	}
	block := t.hBuf.Bytes()
	first := block
	rest := []byte(nil)
	if len(first) > http2MaxFrameLen {
		first = block[:http2MaxFrameLen]
		rest = block[http2MaxFrameLen:]
	}
	if err := t.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndHeaders:    len(rest) == 0,
		EndStream:     endStream,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > http2MaxFrameLen {
			chunk = rest[:http2MaxFrameLen]
		}
		rest = rest[len(chunk):]
		if err := t.framer.WriteContinuation(streamID, len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

