package isotp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kressner/jeepradio/pkg/can"
)

type recordingSender struct {
	frames []sentFrame
}

type sentFrame struct {
	iface string
	id    uint32
	data  []byte
}

func (s *recordingSender) SendFrame(iface string, id uint32, data []byte) error {
	cp := append([]byte(nil), data...)
	s.frames = append(s.frames, sentFrame{iface, id, cp})
	return nil
}

func frame(id uint32, data ...byte) can.Frame {
	var f can.Frame
	f.ID = id
	f.DLC = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

func TestSendShortPayloadEmitsSingleFrame(t *testing.T) {
	sender := &recordingSender{}
	e := New(nil, sender)

	err := e.Send("can0", 0x6B0, 0x516, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.Len(t, sender.frames, 1)
	require.Equal(t, byte(3), sender.frames[0].data[0])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, sender.frames[0].data[1:4])
	require.Equal(t, 0, e.PendingSessions())
}

func TestSendLongPayloadWaitsForFlowControl(t *testing.T) {
	// Scenario 3 from spec §8: a 12-byte send.
	sender := &recordingSender{}
	e := New(nil, sender)
	payload := make([]byte, 12)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, e.Send("can0", 0x6B0, 0x516, payload))
	require.Len(t, sender.frames, 1, "no CFs before flow control arrives")
	ff := sender.frames[0].data
	require.Equal(t, byte(0x10), ff[0])
	require.Equal(t, byte(0x0C), ff[1])
	require.Equal(t, payload[:6], ff[2:8])
	require.Equal(t, 1, e.PendingSessions())

	e.Dispatch("can0", frame(0x516, 0x30, 0x00, 0x0A), time.Now())

	require.Len(t, sender.frames, 2, "exactly one CF for a 12-byte payload")
	cf := sender.frames[1].data
	require.Equal(t, byte(0x21), cf[0])
	require.Equal(t, payload[6:12], cf[1:7])
	require.Equal(t, byte(0), cf[7], "right-padded to 8 bytes")
	require.Equal(t, 0, e.PendingSessions(), "session destroyed after last CF")
}

func TestFrameCountMatchesSpecFormula(t *testing.T) {
	// For every ISO-TP send with payload length L: ceil((L-6)/7)+1 frames
	// when L >= 8, one frame when L < 8.
	cases := []struct {
		length int
		frames int
	}{
		{3, 1},
		{7, 1},
		{8, 2},
		{12, 2},
		{13, 2},
		{20, 3},
	}
	for _, c := range cases {
		sender := &recordingSender{}
		e := New(nil, sender)
		payload := make([]byte, c.length)
		require.NoError(t, e.Send("can0", 0x100, 0x200, payload))
		if c.length >= 8 {
			e.Dispatch("can0", frame(0x200, 0x30, 0x00, 0x00), time.Now())
		}
		require.Equal(t, c.frames, len(sender.frames), "length %d", c.length)
	}
}

func TestSingleFrameHandlerReceivesExactPayload(t *testing.T) {
	e := New(nil, &recordingSender{})
	var got []byte
	require.True(t, e.RegisterHandler("can0", 0x6B0, func(iface string, canID uint32, payload []byte, when time.Time, context any) {
		got = payload
	}, "ctx1"))

	e.Dispatch("can0", frame(0x6B0, 0x02, 0x1A, 0x87), time.Now())
	require.Equal(t, []byte{0x1A, 0x87}, got)
}

func TestDuplicateHandlerRegistrationRejected(t *testing.T) {
	e := New(nil, &recordingSender{})
	cb := func(string, uint32, []byte, time.Time, any) {}
	require.True(t, e.RegisterHandler("can0", 0x6B0, cb, "ctx"))
	require.False(t, e.RegisterHandler("can0", 0x6B0, cb, "ctx"))
	require.True(t, e.RegisterHandler("can0", 0x6B0, cb, "other-ctx"))
}

func TestFlowControlWaitKeepsSessionAlive(t *testing.T) {
	sender := &recordingSender{}
	e := New(nil, sender)
	require.NoError(t, e.Send("can0", 0x100, 0x200, make([]byte, 10)))

	e.Dispatch("can0", frame(0x200, 0x31, 0x00, 0x00), time.Now())
	require.Equal(t, 1, e.PendingSessions(), "Wait flag must not destroy the session")
	require.Len(t, sender.frames, 1, "no CFs emitted on Wait")
}

func TestFlowControlAbortDropsSession(t *testing.T) {
	sender := &recordingSender{}
	e := New(nil, sender)
	require.NoError(t, e.Send("can0", 0x100, 0x200, make([]byte, 10)))

	e.Dispatch("can0", frame(0x200, 0x32, 0x00, 0x00), time.Now())
	require.Equal(t, 0, e.PendingSessions())
}

func TestTickExpiresStaleSessions(t *testing.T) {
	sender := &recordingSender{}
	e := New(nil, sender)
	require.NoError(t, e.Send("can0", 0x100, 0x200, make([]byte, 10)))
	require.Equal(t, 1, e.PendingSessions())

	e.Tick(time.Now().Add(2*time.Second), DefaultSessionTimeout)
	require.Equal(t, 0, e.PendingSessions())
}

func TestMalformedFlowControlIgnored(t *testing.T) {
	sender := &recordingSender{}
	e := New(nil, sender)
	require.NoError(t, e.Send("can0", 0x100, 0x200, make([]byte, 10)))

	e.Dispatch("can0", frame(0x200, 0x30), time.Now()) // DLC < 3
	require.Equal(t, 1, e.PendingSessions(), "malformed FC must not disturb the session")
	require.Len(t, sender.frames, 1)
}

func TestPayloadTooLarge(t *testing.T) {
	e := New(nil, &recordingSender{})
	err := e.Send("can0", 0x100, 0x200, make([]byte, 4096))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}
