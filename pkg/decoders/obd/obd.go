// Package obd decodes OBD-II (SAE J1979) traffic: the broadcast request
// id 0x7DF, per-ECU requests 0x7E0-0x7E7, and replies 0x7E8-0x7EF. It is
// stateful only in its partial-reassembly table, which tracks in-flight
// multi-frame responses keyed by the replying ECU's CAN id — everything
// else is a stateless per-frame parse, grounded on the teacher's
// "dynamic dispatch over a small interface" decoder shape (framedb.Decoder).
//
// The decoder also plays the requestor side of ISO-TP: on the first
// frame of a fragmented reply it must answer with a flow-control
// Continue-To-Send before the ECU will send the rest. Per spec §9's
// design note on cyclic references, that capability is injected as a
// Sender rather than held as a back-pointer to the transport.
package obd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
	"github.com/kressner/jeepradio/pkg/framedb"
)

const (
	// BroadcastRequestID is the OBD "ask every ECU" request id.
	BroadcastRequestID uint32 = 0x7DF
	requestLow         uint32 = 0x7E0
	requestHigh        uint32 = 0x7E7
	responseLow        uint32 = 0x7E8
	responseHigh       uint32 = 0x7EF
	obdIDMask          uint32 = 0x700
)

// Sender is the capability the decoder needs to answer a fragmented
// reply's first frame with a flow-control Continue-To-Send.
type Sender interface {
	SendFrame(iface string, id uint32, data []byte) error
}

type pidSchema struct {
	key    string
	title  string
	desc   string
	units  framedb.Unit
	decode func(data []byte) string
}

// mode1Schemas covers the services-0x01/0x02 "current data" PIDs the
// head unit actually cares about. Replies for PIDs not in this table
// are dropped without publishing a value.
var mode1Schemas = map[byte]pidSchema{
	0x04: {"OBD_ENGINE_LOAD", "Calculated Engine Load", "", framedb.UnitPercent, percentOf255},
	0x05: {"OBD_COOLANT_TEMP", "Engine Coolant Temperature", "", framedb.UnitDegreesC, minus40},
	0x06: {"OBD_SHORT_FUEL_TRIM_1", "Short Term Fuel Trim - Bank 1", "", framedb.UnitFuelTrim, fuelTrim},
	0x07: {"OBD_LONG_FUEL_TRIM_1", "Long Term Fuel Trim - Bank 1", "", framedb.UnitFuelTrim, fuelTrim},
	0x08: {"OBD_SHORT_FUEL_TRIM_2", "Short Term Fuel Trim - Bank 2", "", framedb.UnitFuelTrim, fuelTrim},
	0x09: {"OBD_LONG_FUEL_TRIM_2", "Long Term Fuel Trim - Bank 2", "", framedb.UnitFuelTrim, fuelTrim},
	0x0A: {"OBD_FUEL_PRESSURE", "Fuel Pressure", "", framedb.UnitKPa, nil},
	0x0B: {"OBD_INTAKE_PRESSURE", "Intake Manifold Pressure", "", framedb.UnitKPa, nil},
	0x0C: {"OBD_RPM", "Engine RPM", "", framedb.UnitRPM, rpm},
	0x0D: {"OBD_VEHICLE_SPEED", "Vehicle Speed", "", framedb.UnitKPH, nil},
	0x0E: {"OBD_TIMING_ADVANCE", "Timing Advance", "", framedb.UnitDegrees, nil},
	0x0F: {"OBD_INTAKE_TEMP", "Intake Air Temp", "", framedb.UnitDegreesC, minus40},
	0x10: {"OBD_MAF", "Air Flow Rate (MAF)", "", framedb.UnitGramsPerSecond, nil},
	0x11: {"OBD_THROTTLE_POS", "Throttle Position", "", framedb.UnitPercent, percentOf255},
	0x14: {"OBD_O2_B1S1", "O2: Bank 1 - Sensor 1 Voltage", "", framedb.UnitVolts, o2Voltage},
	0x15: {"OBD_O2_B1S2", "O2: Bank 1 - Sensor 2 Voltage", "", framedb.UnitVolts, o2Voltage},
	0x16: {"OBD_O2_B1S3", "O2: Bank 1 - Sensor 3 Voltage", "", framedb.UnitVolts, o2Voltage},
	0x17: {"OBD_O2_B1S4", "O2: Bank 1 - Sensor 4 Voltage", "", framedb.UnitVolts, o2Voltage},
	0x2C: {"OBD_COMMANDED_EGR", "Commanded EGR", "", framedb.UnitPercent, percentOf255},
	0x2E: {"OBD_EVAPORATIVE_PURGE", "Commanded Evaporative Purge", "", framedb.UnitPercent, percentOf255},
	0x2F: {"OBD_FUEL_LEVEL", "Fuel Level", "", framedb.UnitPercent, percentOf255},
	0x33: {"OBD_BAROMETRIC_PRESSURE", "Barometric Pressure", "", framedb.UnitKPa, nil},
	0x3C: {"OBD_CATALYST_TEMP_B1S1", "Catalyst Temperature: Bank 1 - Sensor 1", "", framedb.UnitDegreesC, tenthsMinus40},
	0x3D: {"OBD_CATALYST_TEMP_B2S1", "Catalyst Temperature: Bank 2 - Sensor 1", "", framedb.UnitDegreesC, tenthsMinus40},
	0x3E: {"OBD_CATALYST_TEMP_B1S2", "Catalyst Temperature: Bank 1 - Sensor 2", "", framedb.UnitDegreesC, tenthsMinus40},
	0x3F: {"OBD_CATALYST_TEMP_B2S2", "Catalyst Temperature: Bank 2 - Sensor 2", "", framedb.UnitDegreesC, tenthsMinus40},
	0x42: {"OBD_CONTROL_MODULE_VOLTAGE", "Control module voltage", "", framedb.UnitVolts, millivolts},
	0x45: {"OBD_RELATIVE_THROTTLE_POS", "Relative throttle position", "", framedb.UnitPercent, percentOf255},
	0x46: {"OBD_AMBIANT_AIR_TEMP", "Ambient air temperature", "", framedb.UnitDegreesC, minus40},
	0x47: {"OBD_THROTTLE_POS_B", "Absolute throttle position B", "", framedb.UnitPercent, percentOf255},
	0x48: {"OBD_THROTTLE_POS_C", "Absolute throttle position C", "", framedb.UnitPercent, percentOf255},
	0x49: {"OBD_ACCELERATOR_POS_D", "Accelerator pedal position D", "", framedb.UnitPercent, percentOf255},
	0x4A: {"OBD_ACCELERATOR_POS_E", "Accelerator pedal position E", "", framedb.UnitPercent, percentOf255},
	0x4B: {"OBD_ACCELERATOR_POS_F", "Accelerator pedal position F", "", framedb.UnitPercent, percentOf255},
	0x4C: {"OBD_THROTTLE_ACTUATOR", "Commanded throttle actuator", "", framedb.UnitPercent, percentOf255},
	0x52: {"OBD_ETHANOL_PERCENT", "Ethanol Fuel Percent", "", framedb.UnitPercent, percentOf255},
	0x5A: {"OBD_RELATIVE_ACCEL_POS", "Relative accelerator pedal position", "", framedb.UnitPercent, percentOf255},
	0x5C: {"OBD_OIL_TEMP", "Engine oil temperature", "", framedb.UnitDegreesC, minus40},
	0x5E: {"OBD_FUEL_RATE", "Engine fuel rate", "", framedb.UnitLPH, nil},
}

var mode9Schemas = map[byte]pidSchema{
	0x02: {"OBD_VIN", "Vehicle Identification Number", "", framedb.UnitString, asciiSkipNODI},
	0x0A: {"OBD_ECU_NAME", "ECU name", "", framedb.UnitString, asciiSkipNODI},
}

var otherServiceSchemas = map[byte]pidSchema{
	3: {"OBD_DTC_STORED", "Stored Diagnostic Trouble Codes", "", framedb.UnitDTCList, nil},
	7: {"OBD_DTC_PENDING", "Pending Diagnostic Trouble Codes", "", framedb.UnitDTCList, nil},
}

func rpm(d []byte) string { return fmt.Sprintf("%d", (int(d[0])<<8|int(d[1]))/4) }
func minus40(d []byte) string { return fmt.Sprintf("%d", int(d[0])-40) }
func tenthsMinus40(d []byte) string {
	return fmt.Sprintf("%d", (int(d[0])<<8|int(d[1]))/10-40)
}
func percentOf255(d []byte) string { return fmt.Sprintf("%.1f", float64(d[0])*(100.0/255.0)) }
func fuelTrim(d []byte) string     { return fmt.Sprintf("%.1f", float64(d[0])*(100.0/128.0)-100) }
func o2Voltage(d []byte) string    { return fmt.Sprintf("%.3f", float64(d[0])/200.0) }
func millivolts(d []byte) string {
	return fmt.Sprintf("%.3f", float64(int(d[0])<<8|int(d[1]))/1000.0)
}

// asciiSkipNODI drops the leading "number of data items" byte and takes
// the rest as a NUL-trimmed ASCII string.
func asciiSkipNODI(d []byte) string {
	if len(d) == 0 {
		return ""
	}
	rest := d[1:]
	if i := indexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// defaultByLength mirrors the source's length-keyed fallback for PIDs
// with no specific formula above.
func defaultByLength(d []byte) string {
	switch len(d) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%d", d[0])
	case 2:
		return fmt.Sprintf("%d", int(d[0])<<8|int(d[1]))
	case 3:
		return fmt.Sprintf("%d", int(d[0])<<16|int(d[1])<<8|int(d[2]))
	case 4:
		// Preserved verbatim from the source: the four-byte fallback uses
		// a logical OR where a bitwise combine was surely intended, so it
		// collapses to 0/1 instead of a 32-bit value. Not "fixed" here.
		low := int(d[1])<<12 | int(d[2])<<8 | int(d[3])
		if d[0] != 0 || low != 0 {
			return "1"
		}
		return "0"
	default:
		return strings.TrimRight(string(d), "\x00")
	}
}

// dtcList mirrors the source's DTC string rendering: letter from the top
// two bits of the first byte of the pair, then four digits. Nibbles at
// or above 10 are rendered as two decimal digits rather than a hex
// character, a source quirk preserved rather than corrected.
func dtcList(d []byte) string {
	codeLetter := [4]byte{'P', 'C', 'B', 'U'}
	var b strings.Builder
	for i := 0; i+1 < len(d); i += 2 {
		top := d[i] >> 6
		b.WriteByte(codeLetter[top&0x3])
		fmt.Fprintf(&b, "%d%d%d%d", top&0x3, d[i]&0xF, d[i+1]>>4, d[i+1]&0xF)
		b.WriteByte(' ')
	}
	return strings.TrimSpace(b.String())
}

type partialResponse struct {
	mode         byte
	pid          byte
	totalLen     int
	buffer       []byte
	rollingCount uint8
}

// Decoder is the OBD-II protocol decoder (part of C2).
type Decoder struct {
	log    *logrus.Entry
	sender Sender

	mu      sync.Mutex
	partial map[uint32]*partialResponse
}

// New creates the decoder, registering its value schemas into db.
func New(log *logrus.Entry, db *framedb.DB, sender Sender) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Decoder{
		log:     log.WithField("component", "obd"),
		sender:  sender,
		partial: make(map[uint32]*partialResponse),
	}
	registerSchemas(db)
	return d
}

func registerSchemas(db *framedb.DB) {
	for pid, s := range mode1Schemas {
		db.AddSchema(s.key, framedb.Schema{Title: s.title, Description: s.desc, Units: s.units}, []byte{0x01, pid})
	}
	for _, s := range mode9Schemas {
		db.AddSchema(s.key, framedb.Schema{Title: s.title, Description: s.desc, Units: s.units}, nil)
	}
	for _, s := range otherServiceSchemas {
		db.AddSchema(s.key, framedb.Schema{Title: s.title, Description: s.desc, Units: s.units}, nil)
	}
}

// CanBePolled reports that this decoder's interface accepts OBD polls.
func (d *Decoder) CanBePolled() bool { return true }

// ProcessFrame implements framedb.Decoder.
func (d *Decoder) ProcessFrame(db *framedb.DB, iface string, frame can.Frame, when time.Time) {
	canID := frame.ID & can.CanSffMask
	if canID&obdIDMask != 0x700 {
		return
	}
	if frame.DLC == 0 {
		return
	}

	switch frame.Data[0] >> 4 {
	case 0: // single frame
		d.processSingleFrame(db, canID, frame, when)
	case 1: // first frame of a fragmented reply
		d.processFirstFrame(iface, canID, frame)
	case 2: // consecutive frame
		d.processConsecutiveFrame(db, canID, frame, when)
	case 3: // flow control directed at us; not a reply, ignore
	default:
	}
}

func (d *Decoder) processSingleFrame(db *framedb.DB, canID uint32, frame can.Frame, when time.Time) {
	if frame.DLC < 2 || frame.Data[1]&0x40 != 0x40 {
		return // only responses (mode ack bit set) are recorded
	}
	length := frame.Data[0] & 0x07
	if length < 2 || int(length) > int(frame.DLC)-1 {
		return
	}
	mode := frame.Data[1] & 0x3F
	pid := frame.Data[2]
	end := 3 + int(length) - 2
	if end > int(frame.DLC) {
		end = int(frame.DLC)
	}
	d.processResponse(db, canID, mode, pid, frame.Data[3:end], when)
}

func (d *Decoder) processFirstFrame(iface string, canID uint32, frame can.Frame) {
	if d.sender != nil {
		if err := d.sender.SendFrame(iface, canID-8, []byte{0x30, 0x00, 0x0A}); err != nil {
			d.log.WithError(err).Warn("flow control send failed, dropping fragment")
			return
		}
	}
	if frame.DLC < 4 {
		return
	}
	// Preserved verbatim from the source: the 12-bit ISO-TP length should
	// combine the low nibble of byte 0 with byte 1 via a left shift, but
	// the source ORs them instead. Only observable when byte 0's low
	// nibble is non-zero (total length >= 256), which OBD replies rarely
	// reach; not "fixed" here per the documented mirror-the-bug allowance.
	totalLen := int(frame.Data[0]&0x0F) | int(frame.Data[1])
	totalLen -= 2
	if totalLen <= 0 {
		return
	}
	state := &partialResponse{
		mode:         frame.Data[2] & 0x1F,
		pid:          frame.Data[3],
		totalLen:     totalLen,
		buffer:       make([]byte, 0, totalLen),
		rollingCount: 1,
	}
	n := int(frame.DLC) - 4
	if n > 4 {
		n = 4
	}
	if n > 0 {
		state.buffer = append(state.buffer, frame.Data[4:4+n]...)
	}
	d.mu.Lock()
	d.partial[canID] = state
	d.mu.Unlock()
}

func (d *Decoder) processConsecutiveFrame(db *framedb.DB, canID uint32, frame can.Frame, when time.Time) {
	d.mu.Lock()
	state, ok := d.partial[canID]
	if !ok {
		d.mu.Unlock()
		return
	}
	rollingCount := frame.Data[0] & 0x0F
	if state.rollingCount != rollingCount {
		delete(d.partial, canID)
		d.mu.Unlock()
		return
	}
	state.rollingCount = (state.rollingCount + 1) & 0x0F

	remaining := state.totalLen - len(state.buffer)
	n := int(frame.DLC) - 1
	if n > remaining {
		n = remaining
	}
	if n > 7 {
		n = 7
	}
	if n > 0 {
		state.buffer = append(state.buffer, frame.Data[1:1+n]...)
	}
	complete := len(state.buffer) >= state.totalLen
	if complete {
		delete(d.partial, canID)
	}
	d.mu.Unlock()

	if complete {
		d.processResponse(db, canID, state.mode, state.pid, state.buffer, when)
	}
}

func (d *Decoder) processResponse(db *framedb.DB, canID uint32, mode, pid byte, data []byte, when time.Time) {
	var schema pidSchema
	var ok bool
	switch mode {
	case 0x01, 0x02:
		schema, ok = mode1Schemas[pid]
	case 0x09:
		schema, ok = mode9Schemas[pid]
	case 0x03, 0x07:
		schema, ok = otherServiceSchemas[mode]
	default:
		return
	}
	if !ok {
		return
	}

	var value string
	switch {
	case schema.units == framedb.UnitDTCList:
		value = dtcList(data)
	case schema.decode != nil && canDecode(schema, data):
		value = schema.decode(data)
	default:
		value = defaultByLength(data)
	}
	db.UpdateValue(schema.key, value, when)
}

// canDecode guards decoders that expect a minimum byte count so a
// truncated payload falls back to the generic length-keyed rendering
// instead of panicking on a short slice.
func canDecode(schema pidSchema, data []byte) bool {
	switch schema.key {
	case "OBD_RPM", "OBD_CONTROL_MODULE_VOLTAGE", "OBD_CATALYST_TEMP_B1S1", "OBD_CATALYST_TEMP_B2S1",
		"OBD_CATALYST_TEMP_B1S2", "OBD_CATALYST_TEMP_B2S2":
		return len(data) >= 2
	default:
		return len(data) >= 1
	}
}
