package jeep

import (
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

func TestSteeringAngle(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	// xx = 4096 + 100 -> angle = 100*0.4 = 40
	xx := 4096 + 100
	dec.ProcessFrame(db, "can0", frame(idSteeringAngle, 0, 0, byte(xx>>8), byte(xx), 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_STEERING_ANGLE")
	require.True(t, ok)
	require.Equal(t, "40", v.Value)
}

func TestSteeringAngleSkipsInvalid(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idSteeringAngle, 0, 0, 0xFF, 0xFF, 0, 0, 0, 0), time.Unix(0, 0))
	_, ok := db.Value("JK_STEERING_ANGLE")
	require.False(t, ok)
}

func TestKeyPosition(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idKeyPosition, 0x81, 0, 0, 0, 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_KEY_POSITION")
	require.True(t, ok)
	require.Equal(t, "RUN", v.Value)
}

func TestDistance(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idDistance, 0x01, 0x02, 0x03, 0, 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_VEHICLE_DISTANCE")
	require.True(t, ok)
	require.Equal(t, "66051", v.Value)
}

func TestFuelLevel(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idFuelLevel, 0, 0, 0, 0, 0, 80, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_FUEL_LEVEL")
	require.True(t, ok)
	require.Equal(t, "50.0", v.Value)
}

func TestDoorsLocked(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)

	dec.ProcessFrame(db, "can0", frame(idDoorStatus, 0x05, 0, 0, 0, 0x80, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_DOORS_LOCKED")
	require.True(t, ok)
	require.Equal(t, "false", v.Value)
	doors, _ := db.Value("JK_DOORS")
	require.Equal(t, "5", doors.Value)

	dec.ProcessFrame(db, "can0", frame(idDoorStatus, 0, 0, 0, 0, 0x08, 0, 0, 0), time.Unix(1, 0))
	v2, _ := db.Value("JK_DOORS_LOCKED")
	require.Equal(t, "true", v2.Value)
}

func TestRPM(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idRPM, 0x02, 0xEE, 0, 0, 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_ENGINE_RPM")
	require.True(t, ok)
	require.Equal(t, "3000", v.Value)
}

func TestClockFormat(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	dec.ProcessFrame(db, "can0", frame(idClock, 9, 5, 3, 0, 0, 0, 0, 0), time.Unix(0, 0))
	v, ok := db.Value("JK_CLOCK")
	require.True(t, ok)
	require.Regexp(t, `^0?9:05:03$`, v.Value)
}

func TestVINReassembly(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)

	stage0 := append([]byte{0x00}, []byte("ABCDEFG")...)
	stage1 := append([]byte{0x01}, []byte("HIJKLMN")...)
	stage2 := append([]byte{0x02}, []byte("OPQRSTU")...)

	dec.ProcessFrame(db, "can0", frame(idVIN, stage0...), time.Unix(0, 0))
	_, ok := db.Value("JK_VIN")
	require.False(t, ok, "VIN must not publish before the final stage")

	dec.ProcessFrame(db, "can0", frame(idVIN, stage1...), time.Unix(0, 0))
	dec.ProcessFrame(db, "can0", frame(idVIN, stage2...), time.Unix(0, 0))

	v, ok := db.Value("JK_VIN")
	require.True(t, ok)
	require.Equal(t, "ABCDEFGHIJKLMNOPQRSTU", v.Value)
}

func TestVINOutOfOrderStageIgnoredWhenAccumulatorEmpty(t *testing.T) {
	db := framedb.New(nil)
	dec := New(nil, db)
	stage1 := append([]byte{0x01}, []byte("DG8CL1")...)
	dec.ProcessFrame(db, "can0", frame(idVIN, stage1...), time.Unix(0, 0))
	_, ok := db.Value("JK_VIN")
	require.False(t, ok)
}
