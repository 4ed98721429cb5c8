package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLowercasesKeys(t *testing.T) {
	md := New(map[string]string{"Authorization": "Bearer x"})
	assert.Equal(t, []string{"Bearer x"}, md.Get("authorization"))
	assert.Equal(t, []string{"Bearer x"}, md.Get("AUTHORIZATION"))
}

func TestPairsOddPanics(t *testing.T) {
	assert.Panics(t, func() { Pairs("only-key") })
}

func TestPairsBuildsMD(t *testing.T) {
	md := Pairs("k1", "v1", "k1", "v2", "k2", "v3")
	assert.Equal(t, []string{"v1", "v2"}, md.Get("k1"))
	assert.Equal(t, []string{"v3"}, md.Get("k2"))
}

func TestSetOverwritesAppendAdds(t *testing.T) {
	md := Pairs("k", "v1")
	md.Append("k", "v2")
	assert.Equal(t, []string{"v1", "v2"}, md.Get("k"))

	md.Set("k", "only")
	assert.Equal(t, []string{"only"}, md.Get("k"))
}

func TestDelete(t *testing.T) {
	md := Pairs("k", "v")
	md.Delete("K")
	assert.Empty(t, md.Get("k"))
}

func TestJoinAppendsDuplicateKeys(t *testing.T) {
	a := Pairs("k", "v1")
	b := Pairs("k", "v2")
	joined := Join(a, b)
	assert.ElementsMatch(t, []string{"v1", "v2"}, joined.Get("k"))
}

func TestIsBinary(t *testing.T) {
	assert.True(t, IsBinary("trace-bin"))
	assert.True(t, IsBinary("Trace-Bin"))
	assert.False(t, IsBinary("trace"))
}

func TestIncomingOutgoingContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := FromIncomingContext(ctx)
	assert.False(t, ok)

	ctx = NewIncomingContext(ctx, Pairs("k", "v"))
	md, ok := FromIncomingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"v"}, md.Get("k"))
}

func TestAppendToOutgoingContextAccumulates(t *testing.T) {
	ctx := AppendToOutgoingContext(context.Background(), "k1", "v1")
	ctx = AppendToOutgoingContext(ctx, "k2", "v2")

	md, ok := FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"v1"}, md.Get("k1"))
	assert.Equal(t, []string{"v2"}, md.Get("k2"))
}
