// Package socketcan wraps github.com/brutella/can as an alternate Bus
// backend, reachable through pkg/can/bridge wherever pkg/transport's
// raw AF_CAN sockets aren't available (platforms without raw socket
// support, or a bench running against a USB-CAN adapter brutella/can
// already knows how to open by name). The production CAN reader
// (pkg/transport) opens raw sockets directly so a single thread can
// select() across every configured interface; this backend accepts a
// one-goroutine-per-bus model instead, the same tradeoff brutella/can
// itself makes.
package socketcan

import (
	"fmt"

	sockcan "github.com/brutella/can"
	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

// Bus is one brutella/can-backed interface, named for logging by the
// interface string it was opened with.
type Bus struct {
	log        *logrus.Entry
	name       string
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

func (b *Bus) Connect(...any) error {
	b.log.Info("connecting")
	go func() {
		if err := b.bus.ConnectAndPublish(); err != nil {
			b.log.WithError(err).Warn("socketcan publish loop exited")
		}
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	if err := b.bus.Disconnect(); err != nil {
		return fmt.Errorf("socketcan: disconnect %s: %w", b.name, err)
	}
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	if err := b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	}); err != nil {
		return fmt.Errorf("socketcan: send on %s: %w", b.name, err)
	}
	return nil
}

func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's receive callback interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.rxCallback.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

// NewBus opens a brutella/can bus bound to the named interface (e.g.
// "can0"). Registered under the "socketcan" backend name.
func NewBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %s: %w", name, err)
	}
	return &Bus{
		log:  logrus.NewEntry(logrus.StandardLogger()).WithField("component", "socketcan").WithField("interface", name),
		name: name,
		bus:  bus,
	}, nil
}
