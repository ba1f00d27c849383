// Package virtual implements an in-process virtual CAN bus: every Bus
// opened on the same channel name shares the same segment and sees
// every frame any other Bus on that segment sends, just like a real
// CAN bus without the kernel or any hardware. It exists for tests that
// want several head-unit components talking over "the same wire"
// without opening sockets.
package virtual

import (
	"sync"

	"github.com/kressner/jeepradio/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
	can.RegisterInterface("virtualcan", NewBus)
}

type segment struct {
	mu        sync.Mutex
	listeners []*Bus
}

var (
	segmentsMu sync.Mutex
	segments   = make(map[string]*segment)
)

func segmentFor(channel string) *segment {
	segmentsMu.Lock()
	defer segmentsMu.Unlock()
	seg, ok := segments[channel]
	if !ok {
		seg = &segment{}
		segments[channel] = seg
	}
	return seg
}

type Bus struct {
	channel    string
	seg        *segment
	receiveOwn bool
	rxCallback can.FrameListener
	connected  bool
}

func NewBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, seg: segmentFor(channel)}, nil
}

func (b *Bus) Connect(...any) error {
	b.seg.mu.Lock()
	defer b.seg.mu.Unlock()
	b.connected = true
	b.seg.listeners = append(b.seg.listeners, b)
	return nil
}

func (b *Bus) Disconnect() error {
	b.seg.mu.Lock()
	defer b.seg.mu.Unlock()
	b.connected = false
	for i, l := range b.seg.listeners {
		if l == b {
			b.seg.listeners = append(b.seg.listeners[:i], b.seg.listeners[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	b.seg.mu.Lock()
	listeners := make([]*Bus, len(b.seg.listeners))
	copy(listeners, b.seg.listeners)
	b.seg.mu.Unlock()
	for _, l := range listeners {
		if l == b && !b.receiveOwn {
			continue
		}
		if l.rxCallback != nil {
			l.rxCallback.Handle(frame)
		}
	}
	return nil
}

func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

// SetReceiveOwn controls whether this bus observes its own transmissions.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
