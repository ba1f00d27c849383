package gmlan

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
)

func frame(id uint32, data ...byte) can.Frame {
	var f can.Frame
	f.ID = id
	f.DLC = 8
	copy(f.Data[:], data)
	return f
}

func TestEngineGenStat1RPMAndRunning(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)

	dec.ProcessFrame(db, "can0", frame(idEngineGenStat1, 0x80, 0x09, 0x56, 0, 0, 0, 0, 0), time.Unix(0, 0))

	running, ok := db.Value("GM_ENGINE_RUNNING")
	require.True(t, ok)
	require.Equal(t, "true", running.Value)

	rpm, ok := db.Value("GM_ENGINE_RPM")
	require.True(t, ok)
	require.Equal(t, "2390", rpm.Value)
}

func TestEngineTorqueMirrorsSourceDoubleByteReadBug(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)

	// Intentionally distinct byte0/byte1 so the bug (reading byte0 twice)
	// is observable: the correctly-combined value would differ.
	dec.ProcessFrame(db, "can0", frame(idEngineTorque2, 0x15, 0xFF, 0, 0, 0, 0, 0, 0), time.Unix(0, 0))

	v, ok := db.Value("GM_ENGINE_TORQUE")
	require.True(t, ok)
	n := (0x15&0x0F)<<8 | 0x15
	want := float64(n)*0.50 - 848
	require.InDelta(t, want, mustParseFloat(t, v.Value), 0.01)
}

func TestEngineTorqueGatedByValidityBit(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idEngineTorque2, 0x00, 0xFF, 0, 0, 0, 0, 0, 0), time.Unix(0, 0))
	_, ok := db.Value("GM_ENGINE_TORQUE")
	require.False(t, ok, "validity bit 0x10 must be set")
}

func TestTransGearDecodesTableAndValidity(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)

	dec.ProcessFrame(db, "can0", frame(idTransStat2, 0x03, 0, 0, 0, 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("GM_TRANS_GEAR")
	require.True(t, ok)
	require.Equal(t, "3", v.Value)

	dec.ProcessFrame(db, "can0", frame(idTransStat2, 0x13, 0, 0, 0, 0, 0, 0, 0), time.Unix(1, 0))
	v2, _ := db.Value("GM_TRANS_GEAR")
	require.Equal(t, v.Epoch, v2.Epoch, "invalid flag must not publish a new gear")
}

func TestVehicleSpeed(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idVehicleSpeed, 0x00, 0x80, 0, 0, 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("GM_VEHICLE_SPEED")
	require.True(t, ok)
	require.Equal(t, "2.00", v.Value)
}

func TestShortFrameIgnored(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	f := frame(idEngineGenStat1, 0x80, 0x09)
	f.DLC = 2
	dec.ProcessFrame(db, "can0", f, time.Unix(0, 0))
	_, ok := db.Value("GM_ENGINE_RPM")
	require.False(t, ok)
}

func mustParseFloat(t *testing.T, s string) float64 {
	t.Helper()
	f, err := strconv.ParseFloat(s, 64)
	require.NoError(t, err)
	return f
}
