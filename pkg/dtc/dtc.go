// Package dtc implements the DTC responder (C6): it impersonates the
// factory radio module and answers ISO-TP diagnostic queries from the
// instrument cluster, including the original head unit's literal
// canned-reply quirks (the nine-entry "DTC" list that isn't really a
// DTC list, the ECU identification bytes, the service-0x21 PID table).
//
// Grounded on original_source/src/DTCManager.cpp.
package dtc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/isotp"
)

const (
	requestID uint32 = 0x6B0
	replyID   uint32 = 0x516

	serviceMask      byte = 0x3F
	responseFlagMask byte = 0x40
)

const (
	svcHeartbeat   byte = 0x3E
	svcIdentify    byte = 0x1A
	svcReadByLocal byte = 0x21
	svcDTCStatus   byte = 0x18
)

var heartbeatReply = []byte{0x01, 0x7E, 0x43, 0x00, 0x00, 0x00, 0x00, 0x00}

// dtcStatusList is the original's literal nine-entry canned reply to
// service 0x18. The 0x94 0xNN 0x60 triples are not OBD DTC codes; the
// source's own comment calls the meaning of the trailing 0x60 byte
// unknown, and this reply is sent unconditionally regardless of pid.
var dtcStatusList = []byte{
	0x09,
	0x94, 0x80, 0x60,
	0x94, 0x81, 0x60,
	0x94, 0x82, 0x60,
	0x94, 0x83, 0x60,
	0x94, 0x84, 0x60,
	0x94, 0x85, 0x60,
	0x94, 0x86, 0x60,
	0x94, 0x87, 0x60,
	0x94, 0x88, 0x60,
}

// ecuIdentReply answers pid 0x87 ("ECU part VAR") under service 0x1A
// with the fixed Harman Becker ECU part payload 56046006AL.
var ecuIdentReply = []byte{
	0x02, 0x84, 0x02,
	0x05,
	0xFF,
	0x00, 0x03,
	0x08, 0x03, 0x11,
	0x35, 0x36, 0x30, 0x34, 0x36, 0x30, 0x30, 0x36, 0x41, 0x4C,
}

var modelCodeReply = []byte{0x00, 0x00, 0x00, 0x00, 0x52, 0x45, 0x53, 0x20, 0x10, 0x00}

// RawSender puts an unframed CAN frame on the wire, used for the
// heartbeat reply which bypasses ISO-TP framing entirely, matching the
// source's direct can->sendFrame call for that one service.
type RawSender interface {
	SendFrame(iface string, id uint32, data []byte) error
}

// RadioStatus answers the mode/frequency queries service 0x21 branches
// on; normally backed by the radio supervisor (C10).
type RadioStatus interface {
	Mode() string // "AM", "FM", "VHF", "GMRS", "AUX", "AIRPLAY", or ""
	FrequencyHz() float64
}

// AudioStatus answers the equalizer-word query; normally backed by the
// audio mixer.
type AudioStatus interface {
	Volume() float64
	Bass() float64
	Treble() float64
	Balance() float64
	Fader() float64
	Midrange() float64
}

// Responder is the DTC/diagnostic responder (C6).
type Responder struct {
	log   *logrus.Entry
	iface string

	sender RawSender
	engine *isotp.Engine

	radio        RadioStatus
	audio        AudioStatus
	siriusID     string
	serialNumber string
}

func New(log *logrus.Entry, iface string, sender RawSender, engine *isotp.Engine, radio RadioStatus, audio AudioStatus, siriusID, serialNumber string) *Responder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Responder{
		log:          log.WithField("component", "dtc"),
		iface:        iface,
		sender:       sender,
		engine:       engine,
		radio:        radio,
		audio:        audio,
		siriusID:     siriusID,
		serialNumber: serialNumber,
	}
}

// Begin registers the responder as the ISO-TP handler for the Jeep
// radio request id. Returns false on a duplicate registration.
func (r *Responder) Begin() bool {
	return r.engine.RegisterHandler(r.iface, requestID, r.handleRequest, r)
}

// Stop removes the responder's handler.
func (r *Responder) Stop() {
	r.engine.UnregisterHandler(r.iface, requestID, r)
}

func (r *Responder) handleRequest(iface string, canID uint32, payload []byte, when time.Time, context any) {
	if len(payload) == 0 {
		return
	}
	isRequest := payload[0]&responseFlagMask == 0
	if !isRequest {
		return
	}
	serviceID := payload[0] & serviceMask
	body := payload[1:]
	if len(body) == 0 {
		return
	}
	pid := body[0]
	data := body[1:]

	switch serviceID {
	case svcHeartbeat:
		if pid == 0x01 {
			if err := r.sender.SendFrame(r.iface, replyID, heartbeatReply); err != nil {
				r.log.WithError(err).Warn("heartbeat reply failed")
			}
		}
	case svcIdentify:
		r.handleIdentify(pid)
	case svcDTCStatus:
		r.reply(svcDTCStatus, dtcStatusList)
	case svcReadByLocal:
		r.handleReadByLocal(pid)
	default:
		// Unknown service ids are silently ignored.
	}
	_ = data
}

func (r *Responder) handleIdentify(pid byte) {
	switch pid {
	case 0x87:
		r.replyWithPID(svcIdentify, pid, ecuIdentReply)
		// 0x88 (original VIN) and 0x90 (current VIN) are unimplemented
		// in the original source; left unanswered here too.
	}
}

func (r *Responder) handleReadByLocal(pid byte) {
	switch pid {
	case 0x09: // antenna detect
		r.replyWithPID(svcReadByLocal, pid, []byte{0x19})

	case 0x0E: // signal strength, 0-120
		r.replyWithPID(svcReadByLocal, pid, []byte{100})

	case 0x10: // mode word
		r.replyWithPID(svcReadByLocal, pid, r.modeWord())

	case 0x11: // equalizer word, derived from the audio mixer
		r.replyWithPID(svcReadByLocal, pid, r.equalizerWord())

	case 0x12: // frequency word, derived from the radio supervisor
		r.replyWithPID(svcReadByLocal, pid, r.frequencyWord())

	case 0x16: // model code
		r.replyWithPID(svcReadByLocal, pid, modelCodeReply)

	case 0x18: // market: USA
		r.replyWithPID(svcReadByLocal, pid, []byte{0x00})

	case 0x25: // Sirius id, ASCII
		r.replyWithPID(svcReadByLocal, pid, []byte(r.siriusID))

	case 0x34:
		r.replyWithPID(svcReadByLocal, pid, []byte{0x00, 0x00, 0x00, 0x00, 0x04})

	case 0x35:
		r.replyWithPID(svcReadByLocal, pid, []byte{0x01, 0x01, 0xFF, 0x00, 0x00})

	case 0x36:
		r.replyWithPID(svcReadByLocal, pid, []byte{0x03, 0x00, 0x00, 0x00, 0x00})

	case 0x49: // rear camera flag
		r.replyWithPID(svcReadByLocal, pid, []byte{0x00, 0xFF, 0x00, 0x00, 0x00})

	case 0x50:
		r.replyWithPID(svcReadByLocal, pid, []byte{0x50, 0x06, 0x00, 0x00, 0x00, 0x0A, 0x0A, 0x00})

	case 0x52:
		r.replyWithPID(svcReadByLocal, pid,
			[]byte{0x00, 0x00, 0x0A, 0x07, 0x01, 0x0A, 0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x02})

	case 0xE1: // radio serial number, ASCII
		r.replyWithPID(svcReadByLocal, pid, []byte(r.serialNumber))

	case 0xEA:
		r.replyWithPID(svcReadByLocal, pid, []byte{0x05, 0x58, 0x98, 0x80})

		// 0x30 (key position) and 0x44 (VIN request) are unfinished in
		// the original source; left unanswered here too.
	}
}

// modeWord builds the 6-byte service-0x21 pid-0x10 reply, branching on
// the radio supervisor's current mode the way the source's switch over
// RadioMgr::radio_mode_t does.
func (r *Responder) modeWord() []byte {
	data := []byte{0x0f, 0x00, 0x07, 0x00, 0x00, 0x0f}
	mode := ""
	if r.radio != nil {
		mode = r.radio.Mode()
	}
	switch mode {
	case "AM":
		data[3], data[4] = 0x02, 0x00
	case "FM", "VHF", "GMRS":
		data[3], data[4] = 0x04, 0x00
	case "AUX", "AIRPLAY":
		data[3], data[4] = 0x00, 0x01
	}
	return data
}

// equalizerWord builds the 6-byte service-0x21 pid-0x11 reply from the
// audio mixer's current settings, per the source's literal scale
// factors (volume ×38, the rest ×10+10).
func (r *Responder) equalizerWord() []byte {
	if r.audio == nil {
		return []byte{0, 0, 0, 0, 0, 0}
	}
	return []byte{
		byte(r.audio.Volume() * 38),
		byte(r.audio.Bass()*10 + 10),
		byte(r.audio.Treble()*10 + 10),
		byte(r.audio.Balance()*10 + 10),
		byte(r.audio.Fader()*10 + 10),
		byte(r.audio.Midrange()*10 + 10),
	}
}

// frequencyWord builds the 6-byte service-0x21 pid-0x12 reply: only FM
// mode carries a nonzero frequency field, per the source.
func (r *Responder) frequencyWord() []byte {
	if r.radio == nil || r.radio.Mode() != "FM" {
		return []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	}
	freq := uint16(r.radio.FrequencyHz() / 1.0e5)
	return []byte{0x00, 0x00, 0x00, 0x00, byte(freq >> 8), byte(freq)}
}

// replyWithPID prepends pid to data before delegating to reply.
func (r *Responder) replyWithPID(serviceID, pid byte, data []byte) {
	withPID := make([]byte, 0, len(data)+1)
	withPID = append(withPID, pid)
	withPID = append(withPID, data...)
	r.reply(serviceID, withPID)
}

// reply assembles {service_id|0x40, ...data} and sends it through the
// ISO-TP send path, which transparently produces either a single
// frame or an FF+CF sequence depending on length.
func (r *Responder) reply(serviceID byte, data []byte) {
	out := make([]byte, 0, len(data)+1)
	out = append(out, serviceID|0x40)
	out = append(out, data...)
	if err := r.engine.Send(r.iface, replyID, requestID, out); err != nil {
		r.log.WithError(err).WithField("service", serviceID).Warn("isotp reply failed")
	}
}
