// Package jeep decodes Jeep Wrangler (JK, 2010+) factory body-CAN
// traffic: steering angle, key position, odometer, fuel level, door and
// lock state, RPM, the instrument cluster clock, and the VIN — the last
// of which arrives split across three CAN ids in sequence and must be
// reassembled by the decoder, the one piece of per-decoder state this
// family needs (spec §4.5.3's "21-byte VIN accumulator").
//
// Grounded on the original_source Wranger2010.cpp decode table.
package jeep

import (
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
)

const (
	idSteeringAngle uint32 = 0x1E1
	idKeyPosition   uint32 = 0x20B
	idDistance      uint32 = 0x214
	idFuelLevel     uint32 = 0x21B
	idDoorStatus    uint32 = 0x244
	idRPM           uint32 = 0x2CE
	idClock         uint32 = 0x3E6
	idVIN           uint32 = 0x219
)

var keyPositions = map[byte]string{
	0x00: "No Key",
	0x01: "OFF",
	0x61: "ACC",
	0x81: "RUN",
	0xA1: "START",
}

// clockFormat mirrors the source's sprintf("%d:%02d:%02d", ...) but
// through the pack's ecosystem formatter (same library the teacher uses
// for timestamp formatting) rather than hand-rolled padding. %k pads a
// single-digit hour with a blank, which UpdateValue's whitespace trim
// removes, so 9:05:03 is published without a leading zero.
const clockFormat = "%k:%M:%S"

type schemaDef struct {
	key, title, desc string
	units            framedb.Unit
}

var schemas = []schemaDef{
	{"JK_STEERING_ANGLE", "Steering Angle", "Steering wheel angle", framedb.UnitDegrees},
	{"JK_VEHICLE_DISTANCE", "Vehicle Distance", "Odometer reading", framedb.UnitKm},
	{"JK_KEY_POSITION", "Key Position", "Ignition key position", framedb.UnitString},
	{"JK_FUEL_LEVEL", "Fuel Level", "Fuel tank level", framedb.UnitPercent},
	{"JK_DOORS", "Doors", "Door-open bitfield", framedb.UnitBinaryBits},
	{"JK_DOORS_LOCKED", "Doors Locked", "Central lock state", framedb.UnitBool},
	{"JK_CLOCK", "Clock", "Instrument cluster clock", framedb.UnitString},
	{"JK_ENGINE_RPM", "Engine RPM", "Engine speed", framedb.UnitRPM},
	{"JK_VIN", "Vehicle Identification Number", "21-byte VIN accumulator", framedb.UnitString},
}

type vinState struct {
	mu  sync.Mutex
	acc []byte
}

// Decoder is the Jeep Wrangler protocol decoder (part of C2).
type Decoder struct {
	log *logrus.Entry
	vin vinState
}

func New(log *logrus.Entry, db *framedb.DB) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, s := range schemas {
		db.AddSchema(s.key, framedb.Schema{Title: s.title, Description: s.desc, Units: s.units}, nil)
	}
	return &Decoder{log: log.WithField("component", "jeep")}
}

// CanBePolled reports that Jeep body CAN is broadcast-only.
func (d *Decoder) CanBePolled() bool { return false }

// ProcessFrame implements framedb.Decoder.
func (d *Decoder) ProcessFrame(db *framedb.DB, iface string, frame can.Frame, when time.Time) {
	data := frame.Data[:]
	if int(frame.DLC) < 8 {
		return
	}
	switch frame.ID & can.CanSffMask {
	case idSteeringAngle:
		raw := int(data[2])<<8 | int(data[3])
		if raw == 0xFFFF {
			return
		}
		angle := int(float64(raw-4096) * 0.4)
		db.UpdateValue("JK_STEERING_ANGLE", fmt.Sprintf("%d", angle), when)

	case idKeyPosition:
		if pos, ok := keyPositions[data[0]]; ok {
			db.UpdateValue("JK_KEY_POSITION", pos, when)
		}

	case idDistance:
		dist := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		if dist == 0xFFFFFF {
			return
		}
		db.UpdateValue("JK_VEHICLE_DISTANCE", fmt.Sprintf("%d", dist), when)

	case idFuelLevel:
		level := float64(data[5]) * 100.0 / 160.0
		db.UpdateValue("JK_FUEL_LEVEL", fmt.Sprintf("%.1f", level), when)

	case idDoorStatus:
		db.UpdateValue("JK_DOORS", fmt.Sprintf("%d", data[0]), when)
		switch {
		case data[4]&0x80 != 0:
			db.UpdateValue("JK_DOORS_LOCKED", boolStr(false), when)
		case data[4]&0x08 != 0:
			db.UpdateValue("JK_DOORS_LOCKED", boolStr(true), when)
		}

	case idRPM:
		raw := int(data[0])<<8 | int(data[1])
		if raw == 0xFFFF {
			return
		}
		db.UpdateValue("JK_ENGINE_RPM", fmt.Sprintf("%d", raw*4), when)

	case idClock:
		ts := time.Date(2000, 1, 1, int(data[0]), int(data[1]), int(data[2]), 0, time.UTC)
		formatted, err := strftime.Format(clockFormat, ts)
		if err != nil {
			d.log.WithError(err).Warn("clock format failed")
			return
		}
		db.UpdateValue("JK_CLOCK", formatted, when)

	case idVIN:
		d.processVIN(db, data, when)
	}
}

// processVIN implements the three-stage reassembly: stage bytes arrive
// as 0, 1, 2 in order, each contributing 7 payload bytes; the VIN is
// published once after stage 2 completes the 21-byte accumulator.
func (d *Decoder) processVIN(db *framedb.DB, data []byte, when time.Time) {
	stage := data[0]
	if stage > 2 {
		return
	}

	d.vin.mu.Lock()
	defer d.vin.mu.Unlock()

	if stage == 0 {
		d.vin.acc = d.vin.acc[:0]
	} else if len(d.vin.acc) == 0 {
		// A continuation stage arriving before stage 0 is ignored; the
		// accumulator stays empty until the next stage 0.
		return
	}

	d.vin.acc = append(d.vin.acc, data[1:8]...)

	if stage == 2 {
		db.UpdateValue("JK_VIN", string(d.vin.acc), when)
		d.vin.acc = d.vin.acc[:0]
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
