package transport

import "sync"

// controlItem is anything that can be scheduled on a connection's single
// frame-writer goroutine. Only that goroutine may ever write a frame to
// the wire (spec §5: "the connection's frame writer is a single serialised
// sink; only it touches the wire").
type controlItem interface {
	isTransportResponseFrame() bool
}

type controlBuffer struct {
	mu       sync.Mutex
	consumer chan struct{}
	closed   bool
	list     []controlItem
	done     <-chan struct{}
}

func newControlBuffer(done <-chan struct{}) *controlBuffer {
	return &controlBuffer{
		consumer: make(chan struct{}, 1),
		done:     done,
	}
}

func (c *controlBuffer) put(it controlItem) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosing
	}
	c.list = append(c.list, it)
	c.mu.Unlock()
	select {
	case c.consumer <- struct{}{}:
	default:
	}
	return nil
}

// get blocks until an item is available, the buffer closes, or done fires.
func (c *controlBuffer) get(block bool) (controlItem, error) {
	for {
		c.mu.Lock()
		if len(c.list) > 0 {
			it := c.list[0]
			c.list = c.list[1:]
			c.mu.Unlock()
			return it, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnClosing
		}
		c.mu.Unlock()
		if !block {
			return nil, nil
		}
		select {
		case <-c.consumer:
			continue
		case <-c.done:
			return nil, ErrConnClosing
		}
	}
}

func (c *controlBuffer) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.list = nil
}

// the concrete control-frame kinds the loop writer understands.

type headerFrame struct {
	streamID  uint32
	hf        []headerField
	endStream bool
	onWrite   func()
}

func (*headerFrame) isTransportResponseFrame() bool { return false }

type dataFrame struct {
	streamID  uint32
	endStream bool
	h         []byte
	d         []byte
	onEachWrite func()
}

func (*dataFrame) isTransportResponseFrame() bool { return false }

type windowUpdate struct {
	streamID  uint32
	increment uint32
}

func (*windowUpdate) isTransportResponseFrame() bool { return true }

type settingsFrame struct {
	ss []httpSetting
}

func (*settingsFrame) isTransportResponseFrame() bool { return false }

type settingsAck struct{}

func (*settingsAck) isTransportResponseFrame() bool { return true }

type resetStream struct {
	streamID uint32
	code     uint32
}

func (*resetStream) isTransportResponseFrame() bool { return true }

type goAway struct {
	code      uint32
	debugData []byte
	headsUp   bool
	closeConn bool
}

func (*goAway) isTransportResponseFrame() bool { return false }

type ping struct {
	ack  bool
	data [8]byte
}

func (*ping) isTransportResponseFrame() bool { return true }

type httpSetting struct {
	ID  uint16
	Val uint32
}
