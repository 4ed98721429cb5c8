package grpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceConfigExactAndDefaultMatch(t *testing.T) {
	js := `{
		"methodConfig": [{
			"name": [{"service": "helloworld.Greeter", "method": "SayHello"}],
			"waitForReady": true,
			"timeout": "2.5s",
			"maxRequestMessageBytes": 1024,
			"maxResponseMessageBytes": 2048
		}, {
			"name": [{"service": "helloworld.Greeter"}],
			"timeout": "1s"
		}]
	}`

	sc, err := parseServiceConfig(js)
	require.NoError(t, err)

	exact, ok := sc.methodConfigFor("/helloworld.Greeter/SayHello")
	require.True(t, ok)
	require.NotNil(t, exact.WaitForReady)
	assert.True(t, *exact.WaitForReady)
	require.NotNil(t, exact.Timeout)
	assert.Equal(t, 2500*time.Millisecond, *exact.Timeout)
	require.NotNil(t, exact.MaxReqSize)
	assert.Equal(t, 1024, *exact.MaxReqSize)
	require.NotNil(t, exact.MaxRespSize)
	assert.Equal(t, 2048, *exact.MaxRespSize)

	fallback, ok := sc.methodConfigFor("/helloworld.Greeter/SomeOtherMethod")
	require.True(t, ok)
	require.NotNil(t, fallback.Timeout)
	assert.Equal(t, time.Second, *fallback.Timeout)
}

func TestMethodConfigForNoMatch(t *testing.T) {
	sc, err := parseServiceConfig(`{"methodConfig": []}`)
	require.NoError(t, err)

	_, ok := sc.methodConfigFor("/unknown.Service/Method")
	assert.False(t, ok)
}

func TestMethodConfigForNilServiceConfig(t *testing.T) {
	var sc *ServiceConfig
	_, ok := sc.methodConfigFor("/anything/Method")
	assert.False(t, ok)
}

func TestParseServiceConfigMalformedTimeout(t *testing.T) {
	js := `{"methodConfig": [{"name": [{"service": "x"}], "timeout": "not-a-duration"}]}`
	_, err := parseServiceConfig(js)
	assert.Error(t, err)
}

func TestParseServiceConfigInvalidJSON(t *testing.T) {
	_, err := parseServiceConfig("not json at all")
	assert.Error(t, err)
}

func TestGetMaxSizePrefersSmaller(t *testing.T) {
	mcMax := newInt(100)
	doptMax := newInt(50)
	assert.Equal(t, 50, *getMaxSize(mcMax, doptMax, 10))

	assert.Equal(t, 100, *getMaxSize(mcMax, nil, 10))
	assert.Equal(t, 50, *getMaxSize(nil, doptMax, 10))
	assert.Equal(t, 10, *getMaxSize(nil, nil, 10))
}
