package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c-ryan747/grpclib/codes"
)

func TestInFlowAcceptsWithinLimit(t *testing.T) {
	f := &inFlow{limit: 65535}
	assert.NoError(t, f.onData(1000))
	assert.NoError(t, f.onData(2000))
}

func TestInFlowRejectsOverLimit(t *testing.T) {
	f := &inFlow{limit: 100}
	assert.NoError(t, f.onData(100))
	err := f.onData(1)
	if err == nil {
		t.Fatal("expected flow control violation")
	}
	se, ok := err.(*StreamError)
	if !ok {
		t.Fatalf("expected *StreamError, got %T", err)
	}
	assert.Equal(t, codes.ResourceExhausted, se.Code)
}

func TestInFlowOnReadReturnsIncrementAtQuarterThreshold(t *testing.T) {
	f := &inFlow{limit: 100}
	assert.NoError(t, f.onData(100))

	// below the limit/4 threshold: no WINDOW_UPDATE yet
	assert.Equal(t, uint32(0), f.onRead(10))
	// crossing it now returns the accumulated increment
	assert.Equal(t, uint32(30), f.onRead(20))
}

func TestOutFlowAddAndAvailable(t *testing.T) {
	f := newOutFlow(1000)
	assert.Equal(t, int32(1000), f.available())
	assert.True(t, f.add(500))
	assert.Equal(t, int32(1500), f.available())
	assert.True(t, f.add(-2000))
	assert.Equal(t, int32(-500), f.available())
}

func TestOutFlowAddRejectsOverflow(t *testing.T) {
	f := newOutFlow(infinity)
	assert.False(t, f.add(1))
}

func TestTrInFlowThresholdAccounting(t *testing.T) {
	f := &trInFlow{limit: 100}
	assert.Equal(t, uint32(0), f.onData(10))
	assert.Equal(t, uint32(35), f.onData(25))
	assert.Equal(t, uint32(100), f.getSize())
}

func TestTrInFlowNewLimitReturnsDelta(t *testing.T) {
	f := &trInFlow{limit: 100}
	assert.Equal(t, uint32(50), f.newLimit(150))
	assert.Equal(t, uint32(150), f.getSize())
}

func TestWriteQuotaGetBlocksUntilReplenished(t *testing.T) {
	done := make(chan struct{})
	w := newWriteQuota(10, done)

	if err := w.get(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- w.get(5)
	}()

	w.replenish(10)

	if err := <-resultCh; err != nil {
		t.Fatalf("unexpected error after replenish: %v", err)
	}
}

func TestWriteQuotaGetReturnsErrorWhenDone(t *testing.T) {
	done := make(chan struct{})
	w := newWriteQuota(0, done)
	close(done)
	err := w.get(1)
	if err != errStreamDone {
		t.Fatalf("expected errStreamDone, got %v", err)
	}
}
