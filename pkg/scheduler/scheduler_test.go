package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
)

// pollableStub is a minimal framedb.Decoder that declares itself
// pollable without decoding anything, so a DB can have an interface
// with pollable attached without pulling in a real protocol decoder.
type pollableStub struct{}

func (pollableStub) ProcessFrame(*framedb.DB, string, can.Frame, time.Time) {}
func (pollableStub) CanBePolled() bool                                     { return true }

type recordingSender struct {
	sent []sentFrame
}

type sentFrame struct {
	iface string
	id    uint32
	data  []byte
}

func (r *recordingSender) SendFrame(iface string, id uint32, data []byte) error {
	cp := append([]byte(nil), data...)
	r.sent = append(r.sent, sentFrame{iface, id, cp})
	return nil
}

func newTestDB() *framedb.DB {
	db := framedb.New(nil)
	db.RegisterProtocol("can0", pollableStub{})
	return db
}

func TestPollRoundRobinFairness(t *testing.T) {
	db := newTestDB()
	db.AddSchema("A", framedb.Schema{}, []byte{0x01, 0x0A})
	db.AddSchema("B", framedb.Schema{}, []byte{0x01, 0x0B})
	db.AddSchema("C", framedb.Schema{}, []byte{0x01, 0x0C})

	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)
	require.True(t, s.RequestPolling("A"))
	require.True(t, s.RequestPolling("B"))
	require.True(t, s.RequestPolling("C"))

	start := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		s.PollTick(start.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	require.Len(t, sender.sent, 3)
	counts := map[byte]int{}
	for _, f := range sender.sent {
		counts[f.data[1]]++
	}
	require.Equal(t, 1, counts[0x0A])
	require.Equal(t, 1, counts[0x0B])
	require.Equal(t, 1, counts[0x0C])

	for i := 3; i < 6; i++ {
		s.PollTick(start.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	require.Len(t, sender.sent, 6)
	counts = map[byte]int{}
	for _, f := range sender.sent {
		counts[f.data[1]]++
	}
	require.Equal(t, 2, counts[0x0A])
	require.Equal(t, 2, counts[0x0B])
	require.Equal(t, 2, counts[0x0C])
}

func TestPollTickGatedByPeriod(t *testing.T) {
	db := newTestDB()
	db.AddSchema("A", framedb.Schema{}, []byte{0x01, 0x0A})
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)
	s.RequestPolling("A")

	start := time.Unix(0, 0)
	s.PollTick(start)
	s.PollTick(start.Add(100 * time.Millisecond))
	s.PollTick(start.Add(200 * time.Millisecond))
	require.Len(t, sender.sent, 1, "ticks within the period must not fire again")

	s.PollTick(start.Add(500 * time.Millisecond))
	require.Len(t, sender.sent, 2)
}

func TestRequestPollingUnknownKeyFails(t *testing.T) {
	db := newTestDB()
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)
	require.False(t, s.RequestPolling("NOPE"))
}

func TestCancelPollingRemovesEntry(t *testing.T) {
	db := newTestDB()
	db.AddSchema("A", framedb.Schema{}, []byte{0x01, 0x0A})
	db.AddSchema("B", framedb.Schema{}, []byte{0x01, 0x0B})
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)
	s.RequestPolling("A")
	s.RequestPolling("B")
	s.CancelPolling("A")

	start := time.Unix(0, 0)
	for i := 0; i < 4; i++ {
		s.PollTick(start.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	for _, f := range sender.sent {
		require.NotEqual(t, byte(0x0A), f.data[1], "cancelled key must never be sent")
	}
}

func TestQueueOBDOneShotFiresOnceThenDrops(t *testing.T) {
	db := newTestDB()
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)
	s.QueueOBD([]byte{0x01, 0x05})

	start := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		s.PollTick(start.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	require.Len(t, sender.sent, 1)
	require.Equal(t, []byte{0x01, 0x05}, sender.sent[0].data)
}

func TestSendDTCEraseEnqueuesFixedPayload(t *testing.T) {
	db := newTestDB()
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)
	s.SendDTCErase()
	s.PollTick(time.Unix(0, 0))
	require.Len(t, sender.sent, 1)
	require.Equal(t, []byte{0x01, 0x04}, sender.sent[0].data)
	require.Equal(t, BroadcastRequestID, sender.sent[0].id)
}

func TestPeriodicTaskFiresWhenDue(t *testing.T) {
	db := framedb.New(nil)
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)

	calls := 0
	id := s.AddPeriodicTask("can0", 1*time.Second, func(now time.Time) (uint32, []byte, bool) {
		calls++
		return 0x123, []byte{0xAA}, true
	})
	require.NotZero(t, id)

	start := time.Unix(0, 0)
	s.PeriodicTick(start)
	s.PeriodicTick(start.Add(200 * time.Millisecond))
	require.Equal(t, 1, calls, "must not fire again before the period elapses")

	s.PeriodicTick(start.Add(1100 * time.Millisecond))
	require.Equal(t, 2, calls)
	require.Len(t, sender.sent, 2)
	require.Equal(t, uint32(0x123), sender.sent[1].id)
}

func TestPeriodicTaskRemoved(t *testing.T) {
	db := framedb.New(nil)
	sender := &recordingSender{}
	s := New(nil, db, sender, 500*time.Millisecond)

	id := s.AddPeriodicTask("can0", 1*time.Millisecond, func(now time.Time) (uint32, []byte, bool) {
		return 0, nil, true
	})
	s.RemovePeriodicTask(id)
	s.PeriodicTick(time.Unix(0, 0))
	require.Empty(t, sender.sent)
}
