package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c-ryan747/grpclib/codes"
)

const (
	// defaultWindowSize is the default, RFC 7540 §6.9.2 mandated initial
	// flow-control window size.
	defaultWindowSize = 65535
	// infinity is effectively disabling BDP estimation, keeping window
	// sizes static as negotiated via SETTINGS (spec does not mandate
	// dynamic BDP probing).
	infinity = 1 << 31 - 1
)

// writeQuota is a soft limit on the amount of data a stream can schedule
// before it must wait for the peer to grant more send window (spec
// invariant I3: outbound-in-flight bytes never exceed the send window).
type writeQuota struct {
	quota int32
	ch    chan struct{}
	done  <-chan struct{}
	replenish func(n int)
}

func newWriteQuota(sz int32, done <-chan struct{}) *writeQuota {
	w := &writeQuota{
		quota: sz,
		ch:    make(chan struct{}, 1),
		done:  done,
	}
	w.replenish = w.realReplenish
	return w
}

func (w *writeQuota) get(sz int32) error {
	for {
		if atomic.LoadInt32(&w.quota) > 0 {
			atomic.AddInt32(&w.quota, -sz)
			return nil
		}
		select {
		case <-w.ch:
			continue
		case <-w.done:
			return errStreamDone
		}
	}
}

func (w *writeQuota) realReplenish(n int) {
	sum := atomic.AddInt32(&w.quota, int32(n))
	if sum > 0 && sum-int32(n) <= 0 {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// trInFlow tracks connection-level inbound window accounting so the
// endpoint knows when to send a WINDOW_UPDATE back to the peer (spec
// §4.1: "Refill receive windows ... whenever the consumed-but-
// unacknowledged amount crosses a threshold").
type trInFlow struct {
	limit               uint32
	unacked             uint32
	effectiveWindowSize uint32
}

func (f *trInFlow) newLimit(n uint32) uint32 {
	d := n - f.limit
	f.limit = n
	f.updateEffectiveWindowSize()
	return d
}

func (f *trInFlow) onData(n uint32) uint32 {
	f.unacked += n
	if f.unacked >= f.limit/4 {
		w := f.unacked
		f.unacked = 0
		f.updateEffectiveWindowSize()
		return w
	}
	f.updateEffectiveWindowSize()
	return 0
}

func (f *trInFlow) reset() uint32 {
	w := f.unacked
	f.unacked = 0
	f.updateEffectiveWindowSize()
	return w
}

func (f *trInFlow) updateEffectiveWindowSize() {
	f.effectiveWindowSize = f.limit - f.unacked
}

func (f *trInFlow) getSize() uint32 {
	return f.effectiveWindowSize
}

// inFlow deals with inbound flow control for a single stream.
type inFlow struct {
	mu               sync.Mutex
	limit            uint32
	pendingData      uint32
	pendingUpdate    uint32
	delta            uint32
}

func (f *inFlow) newLimit(n uint32) {
	f.mu.Lock()
	f.limit = n
	f.mu.Unlock()
}

// onData is invoked when some data frame is received. It updates
// pendingData.
func (f *inFlow) onData(n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingData += n
	if f.pendingData+f.pendingUpdate > f.limit+f.delta {
		limit := f.limit
		rcvd := f.pendingData + f.pendingUpdate
		return &StreamError{Code: codes.ResourceExhausted, Desc: flowOverflowDesc(limit, rcvd)}
	}
	return nil
}

// onRead is invoked when the application reads data, returning the
// increment value to send via WINDOW_UPDATE if it crosses the threshold.
func (f *inFlow) onRead(n uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingData == 0 {
		return 0
	}
	f.pendingData -= n
	f.pendingUpdate += n
	if f.pendingUpdate >= f.limit/4 {
		wu := f.pendingUpdate
		f.pendingUpdate = 0
		return wu
	}
	return 0
}

func flowOverflowDesc(limit, rcvd uint32) string {
	return fmt.Sprintf("received more data than the flow control window permits: limit %d rcvd %d", limit, rcvd)
}

// outFlow mirrors an endpoint's view of credit granted by the peer for a
// single stream (spec §4.1: "send window (credit granted by peer)").
type outFlow struct {
	mu    sync.Mutex
	avail int32
}

func newOutFlow(initial int32) *outFlow {
	return &outFlow{avail: initial}
}

// add applies a (possibly negative, per a retroactive
// SETTINGS_INITIAL_WINDOW_SIZE change) delta to the window. It reports
// false if doing so overflows the 31-bit window, a connection error per
// RFC 7540 §6.9.2.
func (f *outFlow) add(n int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := int64(f.avail) + int64(n)
	if sum > int64(infinity) || sum < -int64(infinity) {
		return false
	}
	f.avail = int32(sum)
	return true
}

func (f *outFlow) available() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail
}
