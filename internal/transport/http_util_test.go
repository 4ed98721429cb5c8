package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentTypeAndSubtypeRoundTrip(t *testing.T) {
	assert.Equal(t, "application/grpc", contentType(""))
	assert.Equal(t, "application/grpc+proto", contentType("proto"))
	assert.Equal(t, "application/grpc+json", contentType("json"))

	sub, ok := contentSubtype("application/grpc")
	require.True(t, ok)
	assert.Equal(t, "", sub)

	sub, ok = contentSubtype("application/grpc+json")
	require.True(t, ok)
	assert.Equal(t, "json", sub)

	_, ok = contentSubtype("text/plain")
	assert.False(t, ok)
}

func TestIsReservedHeader(t *testing.T) {
	assert.True(t, IsReservedHeader(":path"))
	assert.True(t, IsReservedHeader("grpc-timeout"))
	assert.True(t, IsReservedHeader("Content-Type"))
	assert.False(t, IsReservedHeader("x-custom-header"))
}

func TestDecodeTimeoutUnits(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"100m", 100 * time.Millisecond},
		{"5S", 5 * time.Second},
		{"2M", 2 * time.Minute},
		{"1H", time.Hour},
		{"500u", 500 * time.Microsecond},
		{"7n", 7 * time.Nanosecond},
	}
	for _, c := range cases {
		got, err := decodeTimeout(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestDecodeTimeoutRejectsMalformed(t *testing.T) {
	_, err := decodeTimeout("x")
	assert.Error(t, err)

	_, err = decodeTimeout("12X")
	assert.Error(t, err)

	_, err = decodeTimeout("abcS")
	assert.Error(t, err)
}

func TestEncodeTimeoutStaysWithinEightDigits(t *testing.T) {
	enc := encodeTimeout(30 * time.Second)
	dec, err := decodeTimeout(enc)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, dec)

	// A very large duration must still encode to <= 8 significant digits.
	huge := 100000 * time.Hour
	enc = encodeTimeout(huge)
	assert.LessOrEqual(t, len(enc)-1, 8)
}

func TestEncodeTimeoutNonPositive(t *testing.T) {
	assert.Equal(t, "0n", encodeTimeout(0))
	assert.Equal(t, "0n", encodeTimeout(-time.Second))
}

func TestEncodeDecodeGrpcMessage(t *testing.T) {
	msg := "boom: \x01%weird\x7f"
	enc := encodeGrpcMessage(msg)
	assert.NotEqual(t, msg, enc)
	assert.Equal(t, msg, decodeGrpcMessage(enc))

	plain := "plain ascii message"
	assert.Equal(t, plain, encodeGrpcMessage(plain))
}

func TestBinHeaderRoundTrip(t *testing.T) {
	data := []byte{0, 1, 2, 3, 255, 254}
	enc := encodeBinHeader(data)
	dec, err := decodeBinHeader(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestStatusFromTrailers(t *testing.T) {
	trailers := map[string][]string{
		"grpc-status":  {"5"},
		"grpc-message": {"not found"},
	}
	st, err := statusFromTrailers(trailers)
	require.NoError(t, err)
	assert.Equal(t, "not found", st.Message())
}

func TestStatusFromTrailersMissingStatus(t *testing.T) {
	_, err := statusFromTrailers(map[string][]string{})
	assert.Error(t, err)
}

func TestValidMethodPath(t *testing.T) {
	assert.True(t, validMethodPath("/helloworld.Greeter/SayHello"))
	assert.False(t, validMethodPath(""))
	assert.False(t, validMethodPath("no-leading-slash"))
}
