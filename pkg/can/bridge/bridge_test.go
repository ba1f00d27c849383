package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/can/virtual"
	"github.com/kressner/jeepradio/pkg/decoders/obd"
	"github.com/kressner/jeepradio/pkg/framedb"
	"github.com/kressner/jeepradio/pkg/isotp"
)

// engineSender breaks the isotp.Engine / Bridge construction cycle the
// same way cmd/jeepradio's transportSender does: the engine is built
// first holding this cell, and the cell's br field is filled in once
// the bridge exists.
type engineSender struct {
	br *Bridge
}

func (s *engineSender) SendFrame(iface string, id uint32, data []byte) error {
	return s.br.SendFrame(iface, id, data)
}

// peerRecorder stands in for the instrument cluster / ECU side of the
// wire: every frame the bridge sends arrives here over the virtual bus.
type peerRecorder struct {
	frames []can.Frame
}

func (p *peerRecorder) Handle(frame can.Frame) {
	p.frames = append(p.frames, frame)
}

// TestMultiFrameVINReadOverVirtualBus drives a full OBD multi-frame
// VIN read through pkg/can/virtual, Bridge, framedb, and isotp.Engine
// together: the ECU side of the wire sends the first frame of a
// fragmented reply, the OBD decoder answers with a flow-control
// Continue-To-Send that must cross the bus and reach the peer, and the
// two consecutive frames that follow complete the reassembly into the
// frame database.
func TestMultiFrameVINReadOverVirtualBus(t *testing.T) {
	const iface = "can0"
	channel := "bridge-test-vin"

	headUnitBus, err := virtual.NewBus(channel)
	require.NoError(t, err)
	peerBus, err := virtual.NewBus(channel)
	require.NoError(t, err)

	peer := &peerRecorder{}
	require.NoError(t, peerBus.Subscribe(peer))
	require.NoError(t, peerBus.Connect())

	db := framedb.New(nil)
	cell := &engineSender{}
	engine := isotp.New(nil, cell)
	br := New(nil, iface, headUnitBus, db, engine)
	cell.br = br

	dec := obd.New(nil, db, br)
	db.RegisterProtocol(iface, dec)
	require.NoError(t, br.Start())

	// First frame (FF) of a fragmented response to the VIN PID.
	first := can.Frame{ID: 0x7E8, DLC: 8}
	copy(first.Data[:], []byte{0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x46, 0x41})
	require.NoError(t, peerBus.Send(first))

	require.Eventually(t, func() bool {
		return len(peer.frames) == 1
	}, time.Second, time.Millisecond, "flow control must reach the peer over the virtual bus")

	require.Equal(t, uint32(0x7E0), peer.frames[0].ID, "flow control must be addressed to can_id-8")
	require.Equal(t, []byte{0x30, 0x00, 0x0A}, peer.frames[0].Data[:3])

	// Second frame (CF, sequence 1): reassembly still incomplete.
	second := can.Frame{ID: 0x7E8, DLC: 8}
	copy(second.Data[:], []byte{0x21, 0x48, 0x50, 0x30, 0x4C, 0x45, 0x46, 0x37})
	require.NoError(t, peerBus.Send(second))

	require.Never(t, func() bool {
		_, ok := db.Value("OBD_VIN")
		return ok
	}, 100*time.Millisecond, 10*time.Millisecond, "VIN must not appear before the final consecutive frame")

	// Third frame (CF, sequence 2) completes the reassembly.
	third := can.Frame{ID: 0x7E8, DLC: 8}
	copy(third.Data[:], []byte{0x22, 0x37, 0x52, 0x30, 0x42, 0x36, 0x30, 0x30})
	require.NoError(t, peerBus.Send(third))

	require.Eventually(t, func() bool {
		_, ok := db.Value("OBD_VIN")
		return ok
	}, time.Second, time.Millisecond)

	v, ok := db.Value("OBD_VIN")
	require.True(t, ok)
	require.Equal(t, "1FAHP0LEF77R0B600", v.Value)
}

func TestSendFrameRejectsWrongInterface(t *testing.T) {
	bus, err := virtual.NewBus("bridge-test-wrong-iface")
	require.NoError(t, err)

	db := framedb.New(nil)
	cell := &engineSender{}
	engine := isotp.New(nil, cell)
	br := New(nil, "can0", bus, db, engine)
	cell.br = br

	err = br.SendFrame("can1", 0x123, []byte{1, 2, 3})
	require.Error(t, err)

	var wrongIface *ErrWrongInterface
	require.ErrorAs(t, err, &wrongIface)
	require.Equal(t, "can0", wrongIface.Want)
	require.Equal(t, "can1", wrongIface.Got)
}
