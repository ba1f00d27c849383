// Package gmlan decodes GM LAN body/powertrain traffic, id-by-id: each
// message carries its own fixed byte layout rather than a PID-indexed
// request/response protocol like OBD-II, so the decoder is a flat
// dispatch table keyed by CAN id with one decode function per entry.
//
// Grounded on the original_source GMLAN.cpp decode table; schema keys
// keep that source's GM_ prefix.
package gmlan

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
)

const (
	idEngineGenStat1 uint32 = 0x0C9
	idEngineGenStat2 uint32 = 0x3D1
	idEngineGenStat3 uint32 = 0x3F9
	idEngineGenStat4 uint32 = 0x4C1
	idEngineGenStat5 uint32 = 0x4D1
	idFuelSystem2    uint32 = 0x1EF
	idTransStat2     uint32 = 0x1F5
	idTransStat3     uint32 = 0x4C9
	idEngineTorque2  uint32 = 0x1C3
	idVehicleSpeed   uint32 = 0x3E9
)

var gearNames = []string{
	"NotSupported", "1", "2", "3", "4", "5", "6", "7", "8",
	"??", "??", "xx", "CVTForward", "N", "R", "P",
}

type schemaDef struct {
	key, title, desc string
	units            framedb.Unit
}

var schemas = []schemaDef{
	{"GM_ENGINE_RPM", "Engine RPM", "Engine speed", framedb.UnitRPM},
	{"GM_ENGINE_RUNNING", "Engine Running", "Engine run state", framedb.UnitBool},
	{"GM_THROTTLE_POS", "Throttle Position", "Throttle position", framedb.UnitPercent},
	{"GM_FUEL_CONSUMPTION", "Fuel Consumption", "Instantaneous fuel consumption", framedb.UnitLPH},
	{"GM_OLF_RESET", "Oil Life Reset", "Oil life monitor reset flag", framedb.UnitBool},
	{"GM_FAN_SPEED", "Fan Speed", "Cooling fan duty cycle", framedb.UnitPercent},
	{"GM_OLF", "Oil Life", "Remaining oil life", framedb.UnitPercent},
	{"GM_OIL_PRESSURE", "Oil Pressure", "Engine oil pressure", framedb.UnitKPa},
	{"GM_OIL_TEMP", "Oil Temperature", "Engine oil temperature", framedb.UnitDegreesC},
	{"GM_OIL_LOW", "Oil Low", "Low oil level warning", framedb.UnitBool},
	{"GM_CHANGE_OIL", "Change Oil", "Change-oil-soon warning", framedb.UnitBool},
	{"GM_REDUCED_POWER", "Reduced Power", "Reduced engine power mode", framedb.UnitBool},
	{"GM_CHECK_FUELCAP", "Check Fuel Cap", "Loose fuel cap warning", framedb.UnitBool},
	{"GM_CHECK_ENGINE", "Check Engine", "Malfunction indicator lamp", framedb.UnitBool},
	{"GM_MAF", "Mass Air Flow", "Mass air flow rate", framedb.UnitGramsPerSecond},
	{"GM_BAROMETRIC_PRESSURE", "Barometric Pressure", "Ambient barometric pressure", framedb.UnitKPa},
	{"GM_COOLANT_TEMP", "Coolant Temperature", "Engine coolant temperature", framedb.UnitDegreesC},
	{"GM_INTAKE_TEMP", "Intake Air Temperature", "Intake manifold air temperature", framedb.UnitDegreesC},
	{"GM_AMBIANT_AIR_TEMP", "Ambient Air Temperature", "Outside air temperature", framedb.UnitDegreesC},
	{"GM_TRANS_GEAR", "Transmission Gear", "Current transmission gear", framedb.UnitString},
	{"GM_TRANS_TEMP", "Transmission Temperature", "Transmission fluid temperature", framedb.UnitDegreesC},
	{"GM_ENGINE_TORQUE", "Engine Torque", "Estimated engine output torque", framedb.UnitNewtonMeters},
	{"GM_VEHICLE_SPEED", "Vehicle Speed", "Road speed", framedb.UnitKPH},
}

// Decoder is the GM LAN protocol decoder (part of C2). It is stateless.
type Decoder struct {
	log *logrus.Entry
}

func New(log *logrus.Entry, db *framedb.DB) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, s := range schemas {
		db.AddSchema(s.key, framedb.Schema{Title: s.title, Description: s.desc, Units: s.units}, nil)
	}
	return &Decoder{log: log.WithField("component", "gmlan")}
}

// CanBePolled reports that GM LAN is broadcast-only and is never polled.
func (d *Decoder) CanBePolled() bool { return false }

// ProcessFrame implements framedb.Decoder.
func (d *Decoder) ProcessFrame(db *framedb.DB, iface string, frame can.Frame, when time.Time) {
	data := frame.Data[:]
	if int(frame.DLC) < 8 {
		return
	}
	switch frame.ID & can.CanSffMask {
	case idEngineGenStat1:
		running := data[0]&0x80 != 0
		db.UpdateValue("GM_ENGINE_RUNNING", boolStr(running), when)
		rpm := int(data[1])<<8 | int(data[2])
		db.UpdateValue("GM_ENGINE_RPM", fmt.Sprintf("%d", rpm), when)

	case idEngineGenStat2:
		throttle := int(data[1]) * 100 / 255
		db.UpdateValue("GM_THROTTLE_POS", fmt.Sprintf("%d", throttle), when)
		fuel := float64(int(data[4]&0x3)<<8|int(data[5])) * 0.025
		db.UpdateValue("GM_FUEL_CONSUMPTION", fmt.Sprintf("%.3f", fuel), when)
		db.UpdateValue("GM_OLF_RESET", boolStr(data[4]&0x10 != 0), when)

	case idEngineGenStat3:
		fan := int(data[5]) * 100 / 255
		db.UpdateValue("GM_FAN_SPEED", fmt.Sprintf("%d", fan), when)
		olf := int(data[6]) * 100 / 255
		db.UpdateValue("GM_OLF", fmt.Sprintf("%d", olf), when)

	case idEngineGenStat5:
		if data[0]&0x80 != 0 {
			db.UpdateValue("GM_OIL_TEMP", fmt.Sprintf("%d", int(data[1])-40), when)
		}
		db.UpdateValue("GM_OIL_PRESSURE", fmt.Sprintf("%d", int(data[2])*4), when)
		db.UpdateValue("GM_OIL_LOW", boolStr(data[0]&0x10 != 0), when)
		db.UpdateValue("GM_CHANGE_OIL", boolStr(data[0]&0x08 != 0), when)
		db.UpdateValue("GM_REDUCED_POWER", boolStr(data[3]&0x80 != 0), when)
		db.UpdateValue("GM_CHECK_FUELCAP", boolStr(data[3]&0x20 != 0), when)
		db.UpdateValue("GM_CHECK_ENGINE", boolStr(data[6]&0x04 != 0), when)

	case idFuelSystem2:
		if data[0]&0x80 != 0 {
			maf := float64(int(data[2])<<8|int(data[3])) * 0.01
			db.UpdateValue("GM_MAF", fmt.Sprintf("%.2f", maf), when)
		}

	case idEngineGenStat4:
		db.UpdateValue("GM_BAROMETRIC_PRESSURE", fmt.Sprintf("%.1f", float64(data[1])/2.0), when)
		db.UpdateValue("GM_COOLANT_TEMP", fmt.Sprintf("%d", data[2]), when)
		db.UpdateValue("GM_INTAKE_TEMP", fmt.Sprintf("%d", data[3]), when)
		db.UpdateValue("GM_AMBIANT_AIR_TEMP", fmt.Sprintf("%.1f", float64(data[4])*0.5), when)

	case idTransStat2:
		if data[0]&0x10 == 0 {
			idx := int(data[0] & 0x0F)
			if idx < len(gearNames) {
				db.UpdateValue("GM_TRANS_GEAR", gearNames[idx], when)
			}
		}

	case idTransStat3:
		db.UpdateValue("GM_TRANS_TEMP", fmt.Sprintf("%d", data[1]), when)

	case idEngineTorque2:
		if data[0]&0x10 == 0x10 {
			// Preserved verbatim from the source: this should combine
			// byte 0 and byte 1 into a 12-bit value, but the source reads
			// byte 0 twice instead (`(data[0]&0x0F)<<8 | data[0]`). Per
			// the documented allowance to mirror rather than fix known
			// source bugs, that double-read is kept here.
			n := int(data[0]&0x0F)<<8 | int(data[0])
			torque := float64(n)*0.50 - 848
			db.UpdateValue("GM_ENGINE_TORQUE", fmt.Sprintf("%.1f", torque), when)
		}

	case idVehicleSpeed:
		speed := float64(int(data[0]&0x7F)<<8|int(data[1])) * 0.015625
		db.UpdateValue("GM_VEHICLE_SPEED", fmt.Sprintf("%.2f", speed), when)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
