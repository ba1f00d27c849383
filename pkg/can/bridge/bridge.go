// Package bridge wires a pkg/can.Bus backend into the frame database
// and ISO-TP engine, the same two calls pkg/transport's raw-socket
// reader makes per received frame (save to the database, then hand to
// the ISO-TP dispatcher). It exists for the platforms and tests
// pkg/transport's raw AF_CAN sockets aren't available on: anywhere
// brutella/can's socketcan binding works without a raw socket, and any
// test that wants several components talking over pkg/can/virtual
// instead of opening real interfaces.
package bridge

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
	"github.com/kressner/jeepradio/pkg/isotp"
)

// ErrWrongInterface is returned by SendFrame when asked to send on an
// interface this bridge isn't bound to; a Bridge only ever owns the
// one Bus it was constructed with.
type ErrWrongInterface struct {
	Want, Got string
}

func (e *ErrWrongInterface) Error() string {
	return fmt.Sprintf("bridge: bound to interface %q, asked to send on %q", e.Want, e.Got)
}

// Bridge adapts one can.Bus into the frame database / ISO-TP pipeline,
// so everything built against a raw-socket transport.Manager also
// works unmodified over any registered Bus backend.
type Bridge struct {
	log    *logrus.Entry
	iface  string
	bus    can.Bus
	db     *framedb.DB
	engine *isotp.Engine
}

// New builds a bridge over an already-constructed Bus, named iface for
// the purposes of the frame database and ISO-TP dispatch.
func New(log *logrus.Entry, iface string, bus can.Bus, db *framedb.DB, engine *isotp.Engine) *Bridge {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		log:    log.WithField("component", "can-bridge").WithField("interface", iface),
		iface:  iface,
		bus:    bus,
		db:     db,
		engine: engine,
	}
}

// Start subscribes the bridge as the bus's frame listener and connects
// it. Every frame the bus delivers afterward flows through Handle.
func (br *Bridge) Start() error {
	if err := br.bus.Subscribe(br); err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", br.iface, err)
	}
	if err := br.bus.Connect(); err != nil {
		return fmt.Errorf("bridge: connect %s: %w", br.iface, err)
	}
	br.log.Info("bridge connected")
	return nil
}

// Stop disconnects the underlying bus.
func (br *Bridge) Stop() error {
	return br.bus.Disconnect()
}

// Handle implements can.FrameListener: every frame delivered by the
// bus is saved to the frame database and handed to the ISO-TP engine,
// the same two steps pkg/transport performs per raw-socket read.
func (br *Bridge) Handle(frame can.Frame) {
	now := time.Now()
	if err := br.db.SaveFrame(br.iface, frame, now); err != nil {
		br.log.WithError(err).Warn("save_frame failed")
		return
	}
	br.engine.Dispatch(br.iface, frame, now)
}

// SendFrame implements isotp.Sender, obd.Sender, scheduler.Sender, and
// dtc.RawSender, so this bridge can be handed anywhere transport.Manager
// would otherwise go. iface must match the interface this bridge was
// constructed with. DLC is forced to 8 on the wire with right-padding,
// matching transport.Manager.SendFrame.
func (br *Bridge) SendFrame(iface string, id uint32, data []byte) error {
	if iface != br.iface {
		return &ErrWrongInterface{Want: br.iface, Got: iface}
	}
	f := can.NewFrame(id, 8)
	copy(f.Data[:], data)
	return br.bus.Send(f)
}
