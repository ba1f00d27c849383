// Package isotp implements the ISO 15765-2 (ISO-TP) segmentation and
// reassembly layer over raw CAN, in both the requestor role (send long
// requests, wait for flow control, emit consecutive frames) and the
// responder role (answer single-frame queries addressed to the
// impersonated radio module).
//
// The state-machine shape — a mutex-guarded struct fed by dispatched
// frames, with sessions that live and die around a flow-control
// handshake — mirrors the teacher's sdo.Server: a channel-fed Process
// loop is unnecessary here because frame dispatch and flow-control
// response happen synchronously inline (the engine never blocks), but
// the same "one mutex, one struct per conversation, drop silently on
// malformed input" idiom carries over.
package isotp

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
)

// ErrPayloadTooLarge is a Programmer-error class failure: an ISO-TP
// payload above the 4095-byte wire limit was requested.
var ErrPayloadTooLarge = errors.New("isotp: payload exceeds 4095 bytes")

// DefaultSessionTimeout is how long an outbound session may sit in
// WAIT_FC before being dropped. The source has no explicit timeout
// (spec §9 open question); this implementation adds one.
const DefaultSessionTimeout = time.Second

// Sender is the capability the engine needs to put frames on the wire.
// Handed in by the caller (the transport manager) rather than held as
// a back-pointer, per the §9 design note on cyclic references.
type Sender interface {
	SendFrame(iface string, id uint32, data []byte) error
}

// HandlerFunc receives the reassembled/single-frame payload of an
// ISO-TP request or response.
type HandlerFunc func(iface string, canID uint32, payload []byte, when time.Time, context any)

type handlerKey struct {
	iface string
	canID uint32
}

type handler struct {
	fn      HandlerFunc
	context any
}

type sessionState int

const (
	stateWaitFC sessionState = iota
	stateSending
)

// outboundSession tracks one in-flight multi-frame send, keyed by a
// hash of (interface, rxID) per spec §4.2.
type outboundSession struct {
	mu sync.Mutex

	iface  string
	txID   uint32
	rxID   uint32
	state  sessionState
	data   []byte // full payload
	sent   int    // bytes already emitted (FF's 6 bytes, then each CF's 7)
	seq    uint8  // next consecutive-frame sequence number, starts at 1
	separationDelay time.Duration
	lastSent        time.Time
}

// Engine is the ISO-TP segmentation/reassembly engine (C3).
type Engine struct {
	log    *logrus.Entry
	sender Sender

	mu       sync.Mutex
	handlers map[handlerKey][]handler
	sessions map[uint64]*outboundSession
}

func New(log *logrus.Entry, sender Sender) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		log:      log.WithField("component", "isotp"),
		sender:   sender,
		handlers: make(map[handlerKey][]handler),
		sessions: make(map[uint64]*outboundSession),
	}
}

func sessionHash(iface string, id uint32) uint64 {
	h := fnv.New64a()
	h.Write([]byte(iface))
	h.Write([]byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)})
	return h.Sum64()
}

// RegisterHandler attaches a handler for SF/reassembled deliveries on
// (iface, canID). Duplicate (iface, canID, context) registrations are
// rejected.
func (e *Engine) RegisterHandler(iface string, canID uint32, fn HandlerFunc, context any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := handlerKey{iface, canID}
	for _, h := range e.handlers[key] {
		if h.context == context {
			return false
		}
	}
	e.handlers[key] = append(e.handlers[key], handler{fn: fn, context: context})
	return true
}

// UnregisterHandler removes a previously registered handler.
func (e *Engine) UnregisterHandler(iface string, canID uint32, context any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := handlerKey{iface, canID}
	hs := e.handlers[key]
	for i, h := range hs {
		if h.context == context {
			e.handlers[key] = append(hs[:i], hs[i+1:]...)
			return
		}
	}
}

// Dispatch inspects one incoming CAN frame and routes it: SF deliveries
// go to registered handlers; FC frames matching a pending outbound
// session drive that session's send. FF and CF frames on the receive
// path are not reassembled here (spec §9 open question: preserved
// source gap, not a bug to silently "fix").
func (e *Engine) Dispatch(iface string, frame can.Frame, when time.Time) {
	if frame.DLC == 0 {
		return
	}
	pci := frame.Data[0]
	switch pci >> 4 {
	case 0: // SF
		length := pci & 0x0F
		if length == 0 || int(length) > int(frame.DLC)-1 || length > 7 {
			return
		}
		payload := append([]byte(nil), frame.Data[1:1+length]...)
		e.deliver(iface, frame.ID, payload, when)
	case 3: // FC
		e.handleFlowControl(iface, frame, when)
	default:
		// FF (1) and CF (2): not reassembled on the receive path.
	}
}

func (e *Engine) deliver(iface string, canID uint32, payload []byte, when time.Time) {
	e.mu.Lock()
	hs := append([]handler(nil), e.handlers[handlerKey{iface, canID}]...)
	e.mu.Unlock()
	for _, h := range hs {
		h.fn(iface, canID, payload, when, h.context)
	}
}

func (e *Engine) handleFlowControl(iface string, frame can.Frame, when time.Time) {
	if frame.DLC < 3 {
		return // malformed FC, silently dropped
	}
	key := sessionHash(iface, frame.ID)
	e.mu.Lock()
	sess, ok := e.sessions[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.iface != iface {
		// Mismatched session hash collision: drop silently.
		e.dropSession(key)
		return
	}

	flag := frame.Data[0] & 0x0F
	switch flag {
	case 0: // CTS
		sess.separationDelay = decodeSeparationTime(frame.Data[2])
		sess.lastSent = when
		e.sendRemainingCFs(sess)
		e.dropSession(key)
	case 1: // Wait
		sess.lastSent = when
		sess.state = stateWaitFC
	case 2: // Abort
		e.dropSession(key)
	default:
		e.dropSession(key)
	}
}

func decodeSeparationTime(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 0
	}
}

func (e *Engine) dropSession(key uint64) {
	e.mu.Lock()
	delete(e.sessions, key)
	e.mu.Unlock()
}

// sendRemainingCFs emits consecutive frames from sess.sent to the end
// of sess.data, back-to-back (separation delay is recorded but
// currently not honored, per spec §9 TODO).
func (e *Engine) sendRemainingCFs(sess *outboundSession) {
	sess.state = stateSending
	for sess.sent < len(sess.data) {
		chunk := sess.data[sess.sent:]
		if len(chunk) > 7 {
			chunk = chunk[:7]
		}
		frame := make([]byte, 8)
		frame[0] = 0x20 | (sess.seq & 0x0F)
		copy(frame[1:], chunk)
		if err := e.sender.SendFrame(sess.iface, sess.txID, frame); err != nil {
			e.log.WithError(err).Warn("failed to send consecutive frame")
			return
		}
		sess.sent += len(chunk)
		sess.seq = (sess.seq + 1) % 16
	}
}

// Send transmits bytes as an ISO-TP message on txID, expecting flow
// control replies (for multi-frame payloads) on rxID. Returns an error
// on failure; a send failure mid-multi-frame leaves no session behind.
func (e *Engine) Send(iface string, txID, rxID uint32, data []byte) error {
	if len(data) > 4095 {
		return ErrPayloadTooLarge
	}
	if len(data) < 8 {
		frame := make([]byte, 8)
		frame[0] = byte(len(data))
		copy(frame[1:], data)
		return e.sender.SendFrame(iface, txID, frame)
	}

	frame := make([]byte, 8)
	frame[0] = 0x10 | byte(len(data)>>8)
	frame[1] = byte(len(data))
	copy(frame[2:], data[:6])
	if err := e.sender.SendFrame(iface, txID, frame); err != nil {
		return err
	}

	sess := &outboundSession{
		iface:    iface,
		txID:     txID,
		rxID:     rxID,
		state:    stateWaitFC,
		data:     data,
		sent:     6,
		seq:      1,
		lastSent: time.Now(),
	}
	key := sessionHash(iface, rxID)
	e.mu.Lock()
	e.sessions[key] = sess
	e.mu.Unlock()
	return nil
}

// Tick drops any outbound session that has sat in WAIT_FC longer than
// timeout since its first frame (or last FC) was observed.
func (e *Engine) Tick(now time.Time, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, sess := range e.sessions {
		sess.mu.Lock()
		reference := sess.lastSent
		stale := !reference.IsZero() && now.Sub(reference) >= timeout
		sess.mu.Unlock()
		if stale {
			delete(e.sessions, key)
		}
	}
}

// PendingSessions reports the number of in-flight outbound sessions,
// for tests and diagnostics.
func (e *Engine) PendingSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
