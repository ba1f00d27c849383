package obd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
)

type recordingSender struct {
	iface string
	id    uint32
	data  []byte
	err   error
}

func (s *recordingSender) SendFrame(iface string, id uint32, data []byte) error {
	s.iface, s.id, s.data = iface, id, append([]byte(nil), data...)
	return s.err
}

func frame(id uint32, data ...byte) can.Frame {
	var f can.Frame
	f.ID = id
	f.DLC = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

func TestSingleFrameRPMReply(t *testing.T) {
	// Spec §8 scenario 1.
	db := framedb.New(nil)
	dec := New(nil, db, &recordingSender{})

	before, _ := db.ValuesSince(0)
	_ = before

	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x04, 0x41, 0x0C, 0x09, 0x56, 0x00, 0x00, 0x00), time.Unix(0, 0))

	v, ok := db.Value("OBD_RPM")
	require.True(t, ok)
	require.Equal(t, "597", v.Value)
	require.Greater(t, v.Epoch, uint64(0))
}

func TestMultiFrameVINRead(t *testing.T) {
	// Spec §8 scenario 2.
	db := framedb.New(nil)
	sender := &recordingSender{}
	dec := New(nil, db, sender)

	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x46, 0x41), time.Unix(0, 0))
	require.Equal(t, uint32(0x7E0), sender.id, "flow control must be addressed to can_id-8")
	require.Equal(t, []byte{0x30, 0x00, 0x0A}, sender.data)

	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x21, 0x48, 0x50, 0x30, 0x4C, 0x45, 0x46, 0x37), time.Unix(0, 0))
	_, ok := db.Value("OBD_VIN")
	require.False(t, ok, "VIN must not appear before the final consecutive frame")

	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x22, 0x37, 0x52, 0x30, 0x42, 0x36, 0x30, 0x30), time.Unix(0, 0))
	v, ok := db.Value("OBD_VIN")
	require.True(t, ok)
	require.Equal(t, "1FAHP0LEF77R0B600", v.Value)
	require.Len(t, v.Value, 17)
}

func TestFlowControlSendFailureDropsFragment(t *testing.T) {
	db := framedb.New(nil)
	sender := &recordingSender{err: errBoom}
	dec := New(nil, db, sender)

	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x46, 0x41), time.Unix(0, 0))
	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x21, 0x48, 0x50, 0x30, 0x4C, 0x45, 0x46, 0x37), time.Unix(0, 0))

	_, ok := db.Value("OBD_VIN")
	require.False(t, ok, "no session should have been stored when the flow control write failed")
}

func TestNonObdFrameIgnored(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db, &recordingSender{})
	dec.ProcessFrame(db, "can0", frame(0x100, 0x04, 0x41, 0x0C, 0x09, 0x56, 0x00, 0x00, 0x00), time.Unix(0, 0))
	_, ok := db.Value("OBD_RPM")
	require.False(t, ok)
}

func TestDTCStoredListDecode(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db, &recordingSender{})
	// mode 3 response; data[2] ("pid" position) is the source's discarded
	// DTC-count byte, real DTC pairs start at data[3].
	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x06, 0x43, 0x02, 0x03, 0x01, 0x42, 0x00, 0x00), time.Unix(0, 0))
	v, ok := db.Value("OBD_DTC_STORED")
	require.True(t, ok)
	require.Contains(t, v.Value, "P0301")
}

func TestECUNameReply(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db, &recordingSender{})
	// mode 9, pid 0x0A, NODI=1, name "ECM\x00".
	dec.ProcessFrame(db, "can0", frame(0x7E8, 0x07, 0x49, 0x0A, 0x01, 'E', 'C', 'M', 0x00), time.Unix(0, 0))
	v, ok := db.Value("OBD_ECU_NAME")
	require.True(t, ok)
	require.Equal(t, "ECM", v.Value)
}

var errBoom = errSentinel("boom")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
