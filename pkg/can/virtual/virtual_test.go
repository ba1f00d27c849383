package virtual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kressner/jeepradio/pkg/can"
)

type frameReceiver struct {
	frames []can.Frame
}

func (r *frameReceiver) Handle(frame can.Frame) {
	r.frames = append(r.frames, frame)
}

func newTestBus(t *testing.T, channel string) *Bus {
	t.Helper()
	bus, err := NewBus(channel)
	require.NoError(t, err)
	vbus, ok := bus.(*Bus)
	require.True(t, ok)
	return vbus
}

func TestSendAndSubscribe(t *testing.T) {
	tx := newTestBus(t, t.Name())
	rx := newTestBus(t, t.Name())
	require.NoError(t, tx.Connect())
	require.NoError(t, rx.Connect())
	defer tx.Disconnect()
	defer rx.Disconnect()

	recv := &frameReceiver{}
	require.NoError(t, rx.Subscribe(recv))

	frame := can.Frame{ID: 0x111, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		require.NoError(t, tx.Send(frame))
	}

	require.Len(t, recv.frames, 10)
	for i, f := range recv.frames {
		assert.EqualValues(t, 0x111, f.ID)
		assert.EqualValues(t, uint8(i), f.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	bus := newTestBus(t, t.Name())
	require.NoError(t, bus.Connect())
	defer bus.Disconnect()

	recv := &frameReceiver{}
	require.NoError(t, bus.Subscribe(recv))

	frame := can.Frame{ID: 0x111, DLC: 8}
	require.NoError(t, bus.Send(frame))
	assert.Empty(t, recv.frames)

	bus.SetReceiveOwn(true)
	require.NoError(t, bus.Send(frame))
	assert.Len(t, recv.frames, 1)
}

func TestSegmentsAreIsolatedByChannel(t *testing.T) {
	a := newTestBus(t, "segment-a")
	b := newTestBus(t, "segment-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	defer a.Disconnect()
	defer b.Disconnect()

	recv := &frameReceiver{}
	require.NoError(t, b.Subscribe(recv))

	require.NoError(t, a.Send(can.Frame{ID: 0x200, DLC: 1}))
	assert.Empty(t, recv.frames)
}
