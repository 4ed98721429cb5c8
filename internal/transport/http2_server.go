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
	"github.com/c-ryan747/grpclib/internal/grpclog"
	"github.com/c-ryan747/grpclib/status"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Stream is a logical gRPC stream running over one HTTP/2 stream (spec §3
// Stream data model). Exactly one Stream exists per RPC.
type Stream struct {
	id     uint32
	ctx    context.Context
	cancel context.CancelFunc

	st ServerTransport
	ct ClientTransport

	method  string
	contentSubtype string
	recvCompress string
	sendCompress string

	buf *recvBuffer
	fc  *inFlow

	trReader io.Reader

	header      map[string][]string
	headerDone  uint32 // never set or read; Header waits on headerChan instead
	headerChan  chan struct{}

	trailer map[string][]string

	state StreamState
	mu    sync.RWMutex

	status *status.Status

	writeQuota *writeQuota

	unprocessed bool // read by Unprocessed; no code in this package sets it, so it stays false

	bytesReceived uint32
}

// Context returns the stream's context, which carries the deadline and
// cancellation derived per spec §4.2 (deadlines and cancellation).
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Method returns the /service/method path negotiated for this stream.
func (s *Stream) Method() string {
	return s.method
}

// ID returns the HTTP/2 stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// RecvCompress returns the grpc-encoding of inbound messages, if any.
func (s *Stream) RecvCompress() string {
	return s.recvCompress
}

// ContentSubtype returns the content-type subtype negotiated for this
// stream (e.g. "proto", "json"), used to select the matching codec.
func (s *Stream) ContentSubtype() string {
	return s.contentSubtype
}

// SetSendCompress sets the grpc-encoding to use for outbound messages.
func (s *Stream) SetSendCompress(name string) {
	s.sendCompress = name
}

// Read reads a length-prefixed message chunk from the stream, implementing
// io.Reader so the gRPC message parser in rpc_util.go can reassemble
// messages across DATA frame boundaries (spec §4.2: "readers must
// reassemble across DATA frame boundaries").
func (s *Stream) Read(p []byte) (n int, err error) {
	return s.trReader.Read(p)
}

// Header blocks until the stream's initial metadata has arrived (spec
// §4.3 recv_initial_metadata).
func (s *Stream) Header() (map[string][]string, error) {
	<-s.headerChan
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != nil && s.status.Code() != codes.OK {
		return nil, s.status.Err()
	}
	return s.header, nil
}

// Trailer returns the trailer metadata received after the stream
// completes.
func (s *Stream) Trailer() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trailer
}

// SetHeader merges md into the stream's header map, the map Header
// returns. WriteHeader sends only the metadata passed to it and does not
// read this map.
func (s *Stream) SetHeader(md map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		s.header = map[string][]string{}
	}
	for k, v := range md {
		s.header[k] = append(s.header[k], v...)
	}
	return nil
}

// SetTrailer merges md into the stream's to-be-sent trailing metadata.
func (s *Stream) SetTrailer(md map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trailer == nil {
		s.trailer = map[string][]string{}
	}
	for k, v := range md {
		s.trailer[k] = append(s.trailer[k], v...)
	}
}

// Status returns the stream's terminal status once it has been delivered.
func (s *Stream) Status() *status.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Unprocessed reports the stream's unprocessed flag, which the root
// package's invoke uses to retry a non-fail-fast call once (the shape of
// grpc-go's transparent-retry signal). No code in this transport sets the
// flag, so Unprocessed always returns false.
func (s *Stream) Unprocessed() bool {
	return s.unprocessed
}

// BytesReceived reports whether any bytes were ever read from the peer.
func (s *Stream) BytesReceived() bool {
	return atomic.LoadUint32(&s.bytesReceived) != 0
}

func (s *Stream) swapState(st StreamState) StreamState {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	return old
}

func (s *Stream) getState() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// http2Server implements ServerTransport, wiring golang.org/x/net/http2's
// Framer (spec: the framing layer is the same primitive the ecosystem's
// own HTTP/2 server builds on) into the gRPC stream state machine,
// per-stream and per-connection flow control, and HPACK header coding
// (spec §4.1).
type http2Server struct {
	conn   net.Conn
	framer *http2.Framer

	// connID correlates this connection's log lines across its lifetime;
	// it has no wire meaning.
	connID string

	maxStreams uint32

	hEnc *hpack.Encoder
	hBuf *strBuf

	// loopGuard is named after baranov1ch-http2's serveG but enforces
	// nothing: goroutineLock.check is empty and is never called.
	loopGuard goroutineLock

	mu          sync.Mutex
	streams     map[uint32]*Stream
	maxStreamID uint32
	drainDone   chan struct{}
	state       transportState

	fc       *trInFlow
	sendQuotaPool *writeQuota

	controlBuf *controlBuffer
	done       chan struct{}

	initialWindowSize int32

	handler func(*Stream)

	framesWritten chan struct{} // never initialised or used
}

type transportState uint8

const (
	reachable transportState = iota
	draining
	closing
)

// strBuf is a tiny reusable buffer wrapping hpack.Encoder's destination.
type strBuf struct {
	b []byte
}

func (s *strBuf) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

func (s *strBuf) Reset() { s.b = s.b[:0] }
func (s *strBuf) Bytes() []byte { return s.b }

// goroutineLock is a placeholder for a single-goroutine assertion; its
// check method does nothing in every build.
type goroutineLock struct{}

func (goroutineLock) check() {}

func newHTTP2Server(conn net.Conn, config *ServerConfig) (_ ServerTransport, err error) {
	if config == nil {
		config = &ServerConfig{}
	}
	maxStreams := config.MaxStreams
	if maxStreams == 0 {
		maxStreams = 1 << 20
	}
	iws := config.InitialWindowSize
	if iws == 0 {
		iws = defaultWindowSize
	}

	framer := http2.NewFramer(conn, conn)
	framer.ReadMetaHeaders = nil // we decode headers ourselves to stay in control of pseudo-header validation

	buf := make([]byte, len(ClientPreface))
	conn.SetReadDeadline(time.Now().Add(connectionTimeout(config)))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, connectionErrorf("transport: failed to read client preface: %v", err)
	}
	if string(buf) != ClientPreface {
		return nil, connectionErrorf("transport: received bogus greeting from client: %q", buf)
	}
	conn.SetReadDeadline(time.Time{})

	sf, err := framer.ReadFrame()
	if err != nil {
		return nil, connectionErrorf("transport: failed to read initial settings frame: %v", err)
	}
	settingsFr, ok := sf.(*http2.SettingsFrame)
	if !ok {
		return nil, connectionErrorf("transport: first frame from client was not SETTINGS")
	}
	_ = settingsFr

	done := make(chan struct{})
	t := &http2Server{
		conn:              conn,
		framer:            framer,
		connID:            uuid.NewString(),
		maxStreams:        maxStreams,
		hBuf:              &strBuf{},
		streams:           make(map[uint32]*Stream),
		fc:                &trInFlow{limit: uint32(iws)},
		done:              done,
		initialWindowSize: iws,
		controlBuf:        newControlBuffer(done),
	}
	t.hEnc = hpack.NewEncoder(t.hBuf)
	t.sendQuotaPool = newWriteQuota(defaultWindowSize, done)

	if err := framer.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: maxStreams},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(iws)},
	); err != nil {
		return nil, connectionErrorf("transport: failed to write initial settings: %v", err)
	}
	if err := framer.WriteSettingsAck(); err != nil {
		return nil, connectionErrorf("transport: failed to ack client settings: %v", err)
	}

	grpclog.Infof("grpclib: accepted connection %s from %s", t.connID, conn.RemoteAddr())
	return t, nil
}

func connectionTimeout(c *ServerConfig) time.Duration {
	if c.ConnectionTimeout > 0 {
		return c.ConnectionTimeout
	}
	return 120 * time.Second
}

// HandleStreams receives incoming streams using the given handler. This
// runs the reader loop and the writer loop; it returns once the
// connection is torn down.
func (t *http2Server) HandleStreams(handle func(*Stream)) {
	t.handler = handle
	go t.writeLoop()
	t.readLoop()
}

func (t *http2Server) readLoop() {
	defer t.Close()
	for {
		frame, err := t.framer.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.HeadersFrame:
			if t.operateHeaders(f) != nil {
				return
			}
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
			return
		default:
			// PRIORITY is accepted and ignored (spec §4.1); unknown frames
			// are ignored per RFC 7540 §4.1's extensibility rule.
		}
	}
}

func (t *http2Server) operateHeaders(frame *http2.HeadersFrame) error {
	streamID := frame.Header().StreamID
	if streamID%2 != 1 {
		return connectionErrorf("transport: received HEADERS on an even stream id %d", streamID)
	}

	var httpMethod, path, authority, scheme, grpcTimeout, grpcEncoding, te, contentTypeHdr string
	header := map[string][]string{}
	var sawTE bool

	decoder := hpack.NewDecoder(http2InitHeaderTableSize, func(f hpack.HeaderField) {
		switch f.Name {
		case ":method":
			httpMethod = f.Value
		case ":path":
			path = f.Value
		case ":authority":
			authority = f.Value
		case ":scheme":
			scheme = f.Value
		case "grpc-timeout":
			grpcTimeout = f.Value
		case "grpc-encoding":
			grpcEncoding = f.Value
		case "content-type":
			contentTypeHdr = f.Value
		case "te":
			te = f.Value
			sawTE = true
		default:
			if !strings.HasPrefix(f.Name, ":") {
				header[f.Name] = append(header[f.Name], f.Value)
			}
		}
	})
	if _, err := decoder.Write(frame.HeaderBlockFragment()); err != nil {
		return t.writeRSTFromErr(streamID, codes.Internal, "hpack decode error")
	}
	if !frame.HeadersEnded() {
		// The Framer runs without ReadMetaHeaders, so CONTINUATION
		// frames are not merged into this block and readLoop does not
		// process them: a header block split across HEADERS and
		// CONTINUATION frames is treated as a connection error.
		return connectionErrorf("transport: HEADERS block did not end and no CONTINUATION followed")
	}

	_ = scheme
	if httpMethod != "POST" {
		return t.rejectTrailersOnly(streamID, codes.Internal, "unexpected :method "+httpMethod)
	}
	ct, ok := contentSubtype(contentTypeHdr)
	if !ok {
		// spec §4.2: non-gRPC content-type -> HTTP 415. We approximate
		// this with a trailers-only Internal status since this transport
		// only speaks gRPC-shaped responses.
		return t.rejectTrailersOnly(streamID, codes.Internal, "invalid content-type "+contentTypeHdr)
	}
	if !sawTE || !strings.Contains(te, "trailers") {
		return t.rejectTrailersOnly(streamID, codes.Unimplemented, "missing te: trailers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if grpcTimeout != "" {
		if d, err := decodeTimeout(grpcTimeout); err == nil {
			ctx, cancel = context.WithTimeout(ctx, d)
		}
	}

	s := &Stream{
		id:           streamID,
		st:           t,
		ctx:          ctx,
		cancel:       cancel,
		method:       path,
		contentSubtype: ct,
		recvCompress: grpcEncoding,
		buf:          newRecvBuffer(),
		fc:           &inFlow{limit: uint32(t.initialWindowSize)},
		header:       header,
		headerChan:   closedChan,
		state:        StreamOpen,
		writeQuota:   t.sendQuotaPool,
	}
	s.trReader = &recvBufferReader{ctx: ctx, recv: s.buf}
	_ = authority

	if frame.StreamEnded() {
		s.swapState(StreamHalfClosedRemote)
	}

	t.mu.Lock()
	if t.state != reachable {
		t.mu.Unlock()
		cancel()
		return nil
	}
	if uint32(len(t.streams)) >= t.maxStreams {
		t.mu.Unlock()
		cancel()
		return t.writeRSTFromErr(streamID, codes.ResourceExhausted, "max concurrent streams exceeded")
	}
	t.streams[streamID] = s
	if streamID > t.maxStreamID {
		t.maxStreamID = streamID
	}
	t.mu.Unlock()

	go t.handler(s)
	return nil
}

// rejectTrailersOnly sends a trailers-only response (a single HEADERS
// frame with END_STREAM) before any handler runs, per spec §4.2's
// "trailers-only response ... required shape when the server rejects the
// call before producing any message".
func (t *http2Server) rejectTrailersOnly(streamID uint32, code codes.Code, msg string) error {
	st := status.New(code, msg)
	hf := []headerField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentType("")},
		{Name: "grpc-status", Value: strconv.Itoa(int(st.Code()))},
		{Name: "grpc-message", Value: encodeGrpcMessage(st.Message())},
	}
	return t.controlBuf.put(&headerFrame{streamID: streamID, hf: hf, endStream: true})
}

func (t *http2Server) writeRSTFromErr(streamID uint32, code codes.Code, msg string) error {
	return t.rejectTrailersOnly(streamID, code, msg)
}

func (t *http2Server) handleData(f *http2.DataFrame) {
	size := f.Header().Length
	var sendUpdate uint32
	t.mu.Lock()
	sendUpdate = t.fc.onData(size)
	t.mu.Unlock()
	if sendUpdate > 0 {
		t.controlBuf.put(&windowUpdate{streamID: 0, increment: sendUpdate})
	}

	s := t.getStream(f.Header().StreamID)
	if s == nil {
		return
	}
	if size > 0 {
		if err := s.fc.onData(size); err != nil {
			t.closeStream(s, true, codes.ResourceExhausted, err.Error())
			return
		}
		atomic.StoreUint32(&s.bytesReceived, 1)
		data := append([]byte(nil), f.Data()...)
		s.buf.put(recvMsg{data: data})
	}
	if f.StreamEnded() {
		s.buf.put(recvMsg{err: io.EOF})
		old := s.swapState(StreamHalfClosedRemote)
		if old == StreamHalfClosedLocal {
			t.finishStream(s)
		}
	}
}

func (t *http2Server) handleRSTStream(f *http2.RSTStreamFrame) {
	s := t.getStream(f.Header().StreamID)
	if s == nil {
		return
	}
	s.swapState(StreamClosed)
	s.buf.put(recvMsg{err: io.EOF})
	s.cancel()
	t.deleteStream(s.id)
}

func (t *http2Server) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	f.ForeachSetting(func(s http2.Setting) error {
		return nil
	})
	t.controlBuf.put(&settingsAck{})
}

func (t *http2Server) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	t.controlBuf.put(&ping{ack: true, data: f.Data})
}

func (t *http2Server) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.Header().StreamID == 0 {
		t.sendQuotaPool.replenish(int(f.Increment))
		return
	}
	if s := t.getStream(f.Header().StreamID); s != nil {
		s.writeQuota.replenish(int(f.Increment))
	}
}

func (t *http2Server) getStream(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *http2Server) deleteStream(id uint32) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

func (t *http2Server) finishStream(s *Stream) {
	s.swapState(StreamClosed)
	t.deleteStream(s.id)
}

func (t *http2Server) closeStream(s *Stream, rst bool, code codes.Code, msg string) {
	s.swapState(StreamClosed)
	s.buf.put(recvMsg{err: io.EOF})
	s.cancel()
	t.deleteStream(s.id)
	if rst {
		t.controlBuf.put(&resetStream{streamID: s.id, code: uint32(http2.ErrCodeFlowControl)})
	}
}

// WriteHeader sends the header metadata for the given stream (spec §4.3
// send_initial_metadata).
func (t *http2Server) WriteHeader(s *Stream, md map[string][]string) error {
	hf := []headerField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentType(s.contentSubtype)},
	}
	if s.sendCompress != "" {
		hf = append(hf, headerField{Name: "grpc-encoding", Value: s.sendCompress})
	}
	for k, vv := range md {
		if IsReservedHeader(k) {
			continue
		}
		for _, v := range vv {
			hf = append(hf, headerField{Name: strings.ToLower(k), Value: v})
		}
	}
	return t.controlBuf.put(&headerFrame{streamID: s.id, hf: hf})
}

// Write sends a chunk of gRPC-framed message bytes on s (spec §4.3
// send_message): hdr is the 5-byte gRPC message prefix, data the codec
// output.
func (t *http2Server) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	if err := s.writeQuota.get(int32(len(hdr) + len(data))); err != nil {
		return err
	}
	return t.controlBuf.put(&dataFrame{streamID: s.id, h: hdr, d: data})
}

// WriteStatus sends the status of a stream to the client, terminating the
// stream (spec §4.3 send_trailing_metadata, §3 invariant I5: trailers are
// the last thing sent).
func (t *http2Server) WriteStatus(s *Stream, st *status.Status) error {
	s.mu.Lock()
	s.status = st
	trailer := s.trailer
	s.mu.Unlock()

	hf := []headerField{
		{Name: "grpc-status", Value: strconv.Itoa(int(st.Code()))},
	}
	if msg := st.Message(); msg != "" {
		hf = append(hf, headerField{Name: "grpc-message", Value: encodeGrpcMessage(msg)})
	}
	if d := st.Details(); len(d) > 0 {
		hf = append(hf, headerField{Name: "grpc-status-details-bin", Value: encodeBinHeader(d)})
	}
	for k, vv := range trailer {
		for _, v := range vv {
			hf = append(hf, headerField{Name: strings.ToLower(k), Value: v})
		}
	}
	err := t.controlBuf.put(&headerFrame{streamID: s.id, hf: hf, endStream: true})
	t.finishStream(s)
	return err
}

// Drain notifies the client this ServerTransport stops accepting new RPCs
// (spec §4.4 graceful shutdown: "on each connection emit GOAWAY with the
// highest processed stream identifier").
func (t *http2Server) Drain() {
	t.mu.Lock()
	if t.state != reachable {
		t.mu.Unlock()
		return
	}
	t.state = draining
	last := t.maxStreamID
	t.mu.Unlock()
	t.controlBuf.put(&goAway{code: uint32(http2.ErrCodeNo), closeConn: false, debugData: []byte(strconv.FormatUint(uint64(last), 10))})
}

// Close tears down the transport, cancelling all in-flight streams (spec
// §4.1: "others are cancelled").
func (t *http2Server) Close() error {
	t.mu.Lock()
	if t.state == closing {
		t.mu.Unlock()
		return nil
	}
	t.state = closing
	grpclog.Infof("grpclib: closing connection %s", t.connID)
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
	return t.conn.Close()
}

func (t *http2Server) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// writeLoop is the single goroutine that serializes all outbound frames
// for this connection (spec §5 shared-resource policy).
func (t *http2Server) writeLoop() {
	for {
		it, err := t.controlBuf.get(true)
		if err != nil {
			return
		}
		if err := t.writeItem(it); err != nil {
			return
		}
	}
}

func (t *http2Server) writeItem(it controlItem) error {
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
	case *goAway:
		t.mu.Lock()
		last := t.maxStreamID
		t.mu.Unlock()
		return t.framer.WriteGoAway(last, http2.ErrCode(i.code), i.debugData)
	case *ping:
		return t.framer.WritePing(i.ack, i.data)
	default:
		return fmt.Errorf("transport: unknown control item %T", it)
	}
}

func (t *http2Server) writeHeaderFrame(streamID uint32, hf []headerField, endStream bool) error {
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

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// recvBufferReader implements io.Reader over a recvBuffer, honouring
// context cancellation (spec §5: "All suspensions are cancellable").
type recvBufferReader struct {
	ctx     context.Context
	recv    *recvBuffer
	last    []byte
	err     error
}

func (r *recvBufferReader) Read(p []byte) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}
	if len(r.last) > 0 {
		n = copy(p, r.last)
		r.last = r.last[n:]
		return n, nil
	}
	select {
	case <-r.ctx.Done():
		r.err = ContextErr(r.ctx.Err())
		return 0, r.err
	case m := <-r.recv.get():
		r.recv.load()
		if m.err != nil {
			r.err = m.err
			return 0, m.err
		}
		n = copy(p, m.data)
		r.last = m.data[n:]
		return n, nil
	}
}
