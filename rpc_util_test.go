package grpc

import (
	"bytes"
	stdjson "encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-ryan747/grpclib/encoding"
	_ "github.com/c-ryan747/grpclib/encoding/gzip"
)

// testCodec is a minimal encoding.Codec used only to exercise
// encode/recv/parser without depending on generated proto types.
type testCodec struct{}

func (testCodec) Marshal(v interface{}) ([]byte, error) { return stdjson.Marshal(v) }
func (testCodec) Unmarshal(data []byte, v interface{}) error {
	return stdjson.Unmarshal(data, v)
}
func (testCodec) Name() string { return "test" }

func TestMsgHeaderUncompressed(t *testing.T) {
	data := []byte("hello")
	hdr, payload := msgHeader(data, nil)
	require.Len(t, hdr, headerLen)
	assert.Equal(t, byte(0), hdr[0])
	assert.Equal(t, data, payload)
	assert.Equal(t, []byte{0, 0, 0, 0, 5}, hdr)
}

func TestMsgHeaderCompressed(t *testing.T) {
	data := []byte("hello")
	compData := []byte("cc")
	hdr, payload := msgHeader(data, compData)
	assert.Equal(t, byte(1), hdr[0])
	assert.Equal(t, compData, payload)
	assert.Equal(t, []byte{1, 0, 0, 0, 2}, hdr)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	in := []byte("the quick brown fox jumps over the lazy dog")
	compressed, err := compress(in, "gzip")
	require.NoError(t, err)
	require.NotNil(t, compressed)

	out, err := decompress(compressed, "gzip", len(in)+16)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCompressIdentityIsNoop(t *testing.T) {
	out, err := compress([]byte("data"), "")
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = compress([]byte("data"), encoding.Identity)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecompressUnknownCompressor(t *testing.T) {
	_, err := decompress([]byte("x"), "bogus", 1024)
	require.Error(t, err)
}

func TestDecompressRejectsOversizedOutput(t *testing.T) {
	in := bytes.Repeat([]byte("a"), 1024)
	compressed, err := compress(in, "gzip")
	require.NoError(t, err)

	_, err = decompress(compressed, "gzip", 10)
	require.Error(t, err)
}

func TestParserRecvMsgExactFrame(t *testing.T) {
	hdr, payload, err := encode(testCodec{}, map[string]string{"value": "ping"}, "")
	require.NoError(t, err)

	buf := bytes.NewBuffer(nil)
	buf.Write(hdr)
	buf.Write(payload)

	p := &parser{r: buf}
	pf, msg, err := p.recvMsg(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, compressionNone, pf)
	assert.Equal(t, payload, msg)
}

func TestParserRecvMsgRejectsOversizedFrame(t *testing.T) {
	hdr := make([]byte, headerLen)
	hdr[0] = 0
	hdr[1], hdr[2], hdr[3], hdr[4] = 0, 0, 0, 200

	p := &parser{r: bytes.NewReader(hdr)}
	_, _, err := p.recvMsg(10)
	require.Error(t, err)
}

func TestParserRecvMsgTruncatedFrameIsUnexpectedEOF(t *testing.T) {
	hdr := make([]byte, headerLen)
	hdr[4] = 5
	p := &parser{r: bytes.NewReader(append(hdr, []byte("ab")...))}
	_, _, err := p.recvMsg(1 << 20)
	require.Error(t, err)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
