package transport

import (
	"encoding/base64"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c-ryan747/grpclib/codes"
	"github.com/c-ryan747/grpclib/status"
	"golang.org/x/net/http2/hpack"
)

const (
	// http2MaxFrameLen is the default value of SETTINGS_MAX_FRAME_SIZE.
	http2MaxFrameLen = 16384
	// http2InitHeaderTableSize is the default SETTINGS_HEADER_TABLE_SIZE.
	http2InitHeaderTableSize = 4096

	baseContentType = "application/grpc"
)

// reservedHeaders are protocol-owned per spec §3 ("Reserved pseudo-headers
// and reserved gRPC headers ... are owned by the protocol layer and
// rejected if set by user code").
var reservedHeaders = map[string]bool{
	":method":        true,
	":path":          true,
	":authority":     true,
	":scheme":        true,
	"te":             true,
	"content-type":   true,
	"user-agent":     true,
	"grpc-message":   true,
	"grpc-status":    true,
	"grpc-timeout":   true,
	"grpc-encoding":  true,
	"grpc-accept-encoding":    true,
	"grpc-status-details-bin": true,
}

// IsReservedHeader reports whether hdr is a protocol-owned header that
// user metadata must not set directly (spec §3).
func IsReservedHeader(hdr string) bool {
	if hdr != "" && hdr[0] == ':' {
		return true
	}
	return reservedHeaders[strings.ToLower(hdr)]
}

func contentType(contentSubtype string) string {
	if contentSubtype == "" {
		return baseContentType
	}
	return baseContentType + "+" + contentSubtype
}

// contentSubtype returns the content-subtype for the given content-type.
// The input content-type must be a valid content-type that starts with
// "application/grpc". It returns false if the content-type is not valid.
func contentSubtype(contentType string) (string, bool) {
	if contentType == baseContentType {
		return "", true
	}
	if !strings.HasPrefix(contentType, baseContentType) {
		return "", false
	}
	if contentType[len(baseContentType)] != '+' {
		return "", false
	}
	return contentType[len(baseContentType)+1:], true
}

// timeoutUnit values, per spec §4.2: a decimal integer followed by a unit
// character H, M, S, m, u, n.
type timeoutUnit byte

const (
	hour        timeoutUnit = 'H'
	minute      timeoutUnit = 'M'
	second      timeoutUnit = 'S'
	millisecond timeoutUnit = 'm'
	microsecond timeoutUnit = 'u'
	nanosecond  timeoutUnit = 'n'
)

func timeoutUnitToDuration(u timeoutUnit) (d time.Duration, ok bool) {
	switch u {
	case hour:
		return time.Hour, true
	case minute:
		return time.Minute, true
	case second:
		return time.Second, true
	case millisecond:
		return time.Millisecond, true
	case microsecond:
		return time.Microsecond, true
	case nanosecond:
		return time.Nanosecond, true
	default:
		return
	}
}

// decodeTimeout parses the grpc-timeout header value into a time.Duration,
// per spec §4.2 ("the header is parsed to an absolute deadline immediately
// on receipt", here returning the relative duration the caller adds to
// time.Now()). Grounded on original_source's grpclib/utils.py encode/decode
// of TIMEOUT values.
func decodeTimeout(s string) (time.Duration, error) {
	size := len(s)
	if size < 2 {
		return 0, fmt.Errorf("transport: timeout string is too short: %q", s)
	}
	unit := timeoutUnit(s[size-1])
	d, ok := timeoutUnitToDuration(unit)
	if !ok {
		return 0, fmt.Errorf("transport: timeout unit is not recognized: %q", s)
	}
	t, err := strconv.ParseInt(s[:size-1], 10, 64)
	if err != nil {
		return 0, err
	}
	const maxHours = time.Duration(math.MaxInt64) / time.Hour
	if d == time.Hour && t > int64(maxHours) {
		return time.Duration(math.MaxInt64), nil
	}
	return d * time.Duration(t), nil
}

// encodeTimeout picks, per spec §4.2, "the smallest unit that keeps the
// numeric value within 8 decimal digits" so the wire value round-trips
// with full precision.
func encodeTimeout(t time.Duration) string {
	if t <= 0 {
		return "0n"
	}
	const maxDigits = 8
	cur := int64(t)
	unit := nanosecond
	for _, step := range []struct {
		u    timeoutUnit
		unit time.Duration
	}{
		{microsecond, time.Microsecond},
		{millisecond, time.Millisecond},
		{second, time.Second},
		{minute, time.Minute},
		{hour, time.Hour},
	} {
		if cur < pow10(maxDigits) {
			break
		}
		cur = int64(t / step.unit)
		unit = step.u
	}
	return strconv.FormatInt(cur, 10) + string(unit)
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// encodeGrpcMessage percent-encodes msg for the grpc-message trailer, per
// spec §4.2 ("grpc-message (percent-encoded UTF-8)").
func encodeGrpcMessage(msg string) string {
	if msg == "" {
		return ""
	}
	needEscape := false
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			needEscape = true
			break
		}
	}
	if !needEscape {
		return msg
	}
	var out strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			out.WriteString(fmt.Sprintf("%%%02X", c))
		} else {
			out.WriteByte(c)
		}
	}
	return out.String()
}

// decodeGrpcMessage percent-decodes a grpc-message trailer value.
func decodeGrpcMessage(msg string) string {
	if msg == "" {
		return ""
	}
	lenMsg := len(msg)
	var out strings.Builder
	for i := 0; i < lenMsg; i++ {
		c := msg[i]
		if c == '%' && i+2 < lenMsg {
			parsed, err := strconv.ParseUint(msg[i+1:i+3], 16, 8)
			if err != nil {
				out.WriteByte(c)
				continue
			}
			out.WriteByte(byte(parsed))
			i += 2
		} else {
			out.WriteByte(c)
		}
	}
	return out.String()
}

// encodeBinHeader encodes binary bytes, such as the status details sent in
// grpc-status-details-bin, as the value of a "-bin" header: standard
// base64 without padding (spec §3).
func encodeBinHeader(v []byte) string {
	return base64.RawStdEncoding.EncodeToString(v)
}

func decodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		// Padded
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// statusFromTrailers reconstructs a *status.Status from the gRPC trailer
// fields, per spec §4.2.
func statusFromTrailers(trailers map[string][]string) (*status.Status, error) {
	codeStrs := trailers["grpc-status"]
	if len(codeStrs) == 0 {
		return nil, fmt.Errorf("transport: missing grpc-status trailer")
	}
	code, err := strconv.ParseInt(codeStrs[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("transport: malformed grpc-status: %v", err)
	}
	msg := ""
	if m := trailers["grpc-message"]; len(m) > 0 {
		msg = decodeGrpcMessage(m[0])
	}
	st := status.New(codes.Code(code), msg)
	if d := trailers["grpc-status-details-bin"]; len(d) > 0 {
		raw, err := decodeBinHeader(d[0])
		if err == nil {
			st = st.WithDetails(raw)
		}
	}
	return st, nil
}

// headerField is re-exported to avoid every caller importing
// golang.org/x/net/http2/hpack directly.
type headerField = hpack.HeaderField

// validMethodPath reports whether p starts with "/" and parses as a
// request URI. A query component is not rejected. The server's header
// handling does not call it.
func validMethodPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if _, err := url.ParseRequestURI(p); err != nil {
		return false
	}
	return true
}
