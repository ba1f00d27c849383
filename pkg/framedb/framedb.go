// Package framedb is the pub/sub typed-value store at the center of the
// head unit: raw CAN frames come in, get cached per (interface, id) with
// change detection, and get handed to every protocol decoder attached to
// that interface; decoders publish typed values back into the same
// store, keyed by name, with epoch-tagged change tracking so UI and
// diagnostics can poll "what changed since I last looked" cheaply.
//
// The shape (one mutex guarding a map of per-key state, modeled after
// the teacher's BusManager dispatch table) is deliberate: contention is
// low because writers are almost always the single CAN reader thread.
package framedb

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/can"
)

var (
	ErrBlankInterface = &Error{"save_frame: blank interface"}
)

type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

// Unit enumerates the physical unit a Value is expressed in.
type Unit int

const (
	UnitUnknown Unit = iota
	UnitBool
	UnitInt
	UnitBinaryBits
	UnitString
	UnitPercent
	UnitMillivolts
	UnitMilliamps
	UnitSeconds
	UnitMinutes
	UnitDegreesC
	UnitKPa
	UnitPa
	UnitDegrees
	UnitVolts
	UnitAmps
	UnitRPM
	UnitKPH
	UnitLPH
	UnitGramsPerSecond
	UnitKm
	UnitRatio
	UnitFuelTrim
	UnitNewtonMeters
	UnitOpaqueData
	UnitDTCList
	UnitSpecial
	UnitIgnore
)

// Schema describes a registered value key.
type Schema struct {
	Key         string
	Title       string
	Description string
	Units       Unit
	OBDRequest  []byte // optional; absent if the key is not OBD-pollable
}

// Value is a typed decoded reading.
type Value struct {
	Key        string
	Units      Unit
	LastUpdate time.Time
	Epoch      uint64
	Value      string
}

// Decoder is the capability set a protocol decoder exposes to the
// database, per the §9 design note: dynamic dispatch over a small
// interface rather than a class hierarchy.
type Decoder interface {
	// ProcessFrame is invoked once per changed frame on an interface
	// this decoder is attached to.
	ProcessFrame(db *DB, iface string, frame can.Frame, when time.Time)
	// CanBePolled reports whether this decoder wants OBD polling ticks
	// directed at its interface.
	CanBePolled() bool
}

type cachedFrame struct {
	frame           can.Frame
	lastRx          time.Time
	rollingAvg      time.Duration
	lastChangeEpoch uint64
	wallUpdate      time.Time
	changedMask     uint8
}

type interfaceRecord struct {
	ordinal  uint8
	decoders []Decoder
	frames   map[uint32]*cachedFrame
}

// DB is the frame database (C1).
type DB struct {
	log *logrus.Entry

	mu         sync.Mutex
	interfaces map[string]*interfaceRecord
	nextOrd    uint8

	schemas map[string]Schema
	values  map[string]Value

	frameEpoch uint64
	valueEpoch uint64
}

func New(log *logrus.Entry) *DB {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DB{
		log:        log.WithField("component", "framedb"),
		interfaces: make(map[string]*interfaceRecord),
		schemas:    make(map[string]Schema),
		values:     make(map[string]Value),
	}
}

// RegisterProtocol attaches a decoder to an interface, creating the
// interface record on first call. Returns false on a duplicate
// (interface, decoder) registration.
func (db *DB) RegisterProtocol(iface string, decoder Decoder) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.interfaces[iface]
	if !ok {
		rec = &interfaceRecord{ordinal: db.nextOrd, frames: make(map[uint32]*cachedFrame)}
		db.nextOrd++
		db.interfaces[iface] = rec
	}
	for _, d := range rec.decoders {
		if d == decoder {
			return false
		}
	}
	rec.decoders = append(rec.decoders, decoder)
	return true
}

// AddSchema registers a value key. Idempotent.
func (db *DB) AddSchema(key string, schema Schema, obdRequest []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.schemas[key]; ok {
		return
	}
	schema.Key = key
	schema.OBDRequest = obdRequest
	db.schemas[key] = schema
}

// Schema returns the registered schema for a key, if any.
func (db *DB) Schema(key string) (Schema, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.schemas[key]
	return s, ok
}

// SaveFrame updates or inserts the cached entry for (iface, frame.ID),
// computing the byte-diff changed-mask against the prior frame. On
// insert or any byte change, every attached decoder's ProcessFrame is
// invoked with the new frame.
func (db *DB) SaveFrame(iface string, frame can.Frame, timestamp time.Time) error {
	if iface == "" {
		return ErrBlankInterface
	}

	db.mu.Lock()
	rec, ok := db.interfaces[iface]
	if !ok {
		rec = &interfaceRecord{ordinal: db.nextOrd, frames: make(map[uint32]*cachedFrame)}
		db.nextOrd++
		db.interfaces[iface] = rec
	}

	entry, existed := rec.frames[frame.ID]
	if !existed {
		entry = &cachedFrame{}
		rec.frames[frame.ID] = entry
	}

	changed, mask := byteDiff(entry, frame, existed)

	if !entry.lastRx.IsZero() {
		delta := timestamp.Sub(entry.lastRx)
		entry.rollingAvg = (delta + entry.rollingAvg) / 2
	}
	entry.lastRx = timestamp
	entry.frame = frame
	entry.changedMask = mask

	decoders := rec.decoders
	if changed {
		db.frameEpoch++
		entry.lastChangeEpoch = db.frameEpoch
		entry.wallUpdate = timestamp
	}
	db.mu.Unlock()

	if changed {
		for _, d := range decoders {
			d.ProcessFrame(db, iface, frame, timestamp)
		}
	}
	return nil
}

// byteDiff compares the arriving frame to the cached one, setting bits
// in the changed-mask for every byte that differs. If DLC differs, all
// bits up to max(new, old) DLC are considered changed.
func byteDiff(entry *cachedFrame, frame can.Frame, existed bool) (changed bool, mask uint8) {
	if !existed {
		dlc := frame.DLC
		if dlc > 8 {
			dlc = 8
		}
		return true, uint8(1<<dlc) - 1
	}
	prior := entry.frame
	if prior.DLC != frame.DLC {
		max := prior.DLC
		if frame.DLC > max {
			max = frame.DLC
		}
		if max > 8 {
			max = 8
		}
		return true, uint8(1<<max) - 1
	}
	var m uint8
	for i := uint8(0); i < frame.DLC && i < 8; i++ {
		if prior.Data[i] != frame.Data[i] {
			m |= 1 << i
			changed = true
		}
	}
	return changed, m
}

// UpdateValue writes a value iff it differs from the most recently
// stored one for that key, assigning the next value epoch on write.
// Writes for unregistered keys are logged but proceed.
func (db *DB) UpdateValue(key string, value string, when time.Time) {
	value = strings.TrimSpace(value)

	db.mu.Lock()
	defer db.mu.Unlock()

	schema, known := db.schemas[key]
	if !known {
		db.log.WithField("key", key).Warn("update for unregistered value key")
	}

	prior, hadPrior := db.values[key]
	if hadPrior && prior.Value == value {
		return
	}

	db.valueEpoch++
	db.values[key] = Value{
		Key:        key,
		Units:      schema.Units,
		LastUpdate: when,
		Epoch:      db.valueEpoch,
		Value:      value,
	}
}

// Value returns the most recently stored value for a key.
func (db *DB) Value(key string) (Value, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.values[key]
	return v, ok
}

// FrameTag identifies a cached frame by its changed epoch, returned
// from FramesSince.
type FrameTag struct {
	Interface string
	ID        uint32
	Frame     can.Frame
	Epoch     uint64
}

// FramesSince returns tags for all cached frames whose last-change
// epoch is <= epoch, plus the current frame epoch. Preserved verbatim
// from the source behavior despite reading like an inverted "since".
func (db *DB) FramesSince(iface string, epoch uint64) ([]FrameTag, uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var tags []FrameTag
	visit := func(name string, rec *interfaceRecord) {
		for id, entry := range rec.frames {
			if entry.lastChangeEpoch <= epoch {
				tags = append(tags, FrameTag{Interface: name, ID: id, Frame: entry.frame, Epoch: entry.lastChangeEpoch})
			}
		}
	}
	if iface == "" {
		for name, rec := range db.interfaces {
			visit(name, rec)
		}
	} else if rec, ok := db.interfaces[iface]; ok {
		visit(iface, rec)
	}
	return tags, db.frameEpoch
}

// ValuesSince returns keys for all values whose epoch is <= epoch, plus
// the current value epoch. Same ≤ semantics as FramesSince.
func (db *DB) ValuesSince(epoch uint64) ([]string, uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var keys []string
	for key, v := range db.values {
		if v.Epoch <= epoch {
			keys = append(keys, key)
		}
	}
	return keys, db.valueEpoch
}

// PollableInterfaces returns every interface with at least one attached
// decoder that declares itself pollable, in registration order.
func (db *DB) PollableInterfaces() []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	type ordered struct {
		name string
		ord  uint8
	}
	var candidates []ordered
	for name, rec := range db.interfaces {
		for _, d := range rec.decoders {
			if d.CanBePolled() {
				candidates = append(candidates, ordered{name, rec.ordinal})
				break
			}
		}
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].ord < candidates[j-1].ord; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

// InterfaceOrdinal returns the stable per-process ordinal assigned to
// an interface on first registration, and whether it is known.
func (db *DB) InterfaceOrdinal(iface string) (uint8, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.interfaces[iface]
	if !ok {
		return 0, false
	}
	return rec.ordinal, true
}
