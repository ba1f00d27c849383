// Package scheduler is the OBD polling and periodic-task engine (C5).
// It owns two independent, tick-driven queues: a round-robin OBD poll
// map sent to the broadcast request id, and an arbitrary set of
// periodic callbacks keyed by a random token. Both ticks are invoked
// once per CAN-transport select() iteration, the same "ticked from the
// single reader loop" idiom the ISO-TP engine's session expiry uses.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/framedb"
)

const DefaultPollPeriod = 500 * time.Millisecond

// BroadcastRequestID is the OBD "ask every ECU" id polls are sent to.
const BroadcastRequestID uint32 = 0x7DF

// dtcErasePayload is the fixed service-0x04 "clear diagnostic
// information" request.
var dtcErasePayload = []byte{0x01, 0x04}

// Sender is the capability the scheduler needs to put a poll or
// periodic-task frame on the wire.
type Sender interface {
	SendFrame(iface string, id uint32, data []byte) error
}

type pollEntry struct {
	request []byte
	repeat  bool
}

// PeriodicCallback runs once per fire and optionally emits a frame.
type PeriodicCallback func(now time.Time) (canID uint32, data []byte, emit bool)

type periodicTask struct {
	iface    string
	period   time.Duration
	lastRun  time.Time
	callback PeriodicCallback
}

// Scheduler is the OBD polling and periodic-task engine (C5).
type Scheduler struct {
	log    *logrus.Entry
	db     *framedb.DB
	sender Sender

	pollPeriod   time.Duration
	lastPollRun  time.Time

	mu       sync.Mutex
	polls    map[string]*pollEntry
	order    []string // insertion order, for deterministic round-robin
	queue    []string // current round-robin cursor, refilled from order

	periodic map[uint32]*periodicTask
}

func New(log *logrus.Entry, db *framedb.DB, sender Sender, pollPeriod time.Duration) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if pollPeriod <= 0 {
		pollPeriod = DefaultPollPeriod
	}
	return &Scheduler{
		log:        log.WithField("component", "scheduler"),
		db:         db,
		sender:     sender,
		pollPeriod: pollPeriod,
		polls:      make(map[string]*pollEntry),
		periodic:   make(map[uint32]*periodicTask),
	}
}

// RequestPolling inserts a repeating poll entry for key, using the
// request bytes recorded against that key's schema at registration
// time. Returns false if the key has no schema or no OBD request
// template (i.e. it is not a pollable value).
func (s *Scheduler) RequestPolling(key string) bool {
	schema, ok := s.db.Schema(key)
	if !ok || len(schema.OBDRequest) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.polls[key]; !exists {
		s.order = append(s.order, key)
	}
	s.polls[key] = &pollEntry{request: schema.OBDRequest, repeat: true}
	return true
}

// CancelPolling removes a poll entry, repeating or one-shot.
func (s *Scheduler) CancelPolling(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// QueueOBD enqueues a one-shot poll with a random key and returns it.
func (s *Scheduler) QueueOBD(request []byte) string {
	key := randomKey()
	s.mu.Lock()
	s.order = append(s.order, key)
	s.polls[key] = &pollEntry{request: request, repeat: false}
	s.mu.Unlock()
	return key
}

// SendDTCErase enqueues the fixed service-0x04 clear-codes request.
func (s *Scheduler) SendDTCErase() string {
	return s.QueueOBD(dtcErasePayload)
}

func (s *Scheduler) removeLocked(key string) {
	if _, ok := s.polls[key]; !ok {
		return
	}
	delete(s.polls, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for i, k := range s.queue {
		if k == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// PollTick fires at most once per poll_period. When it fires, it pops
// one entry from the round-robin queue (refilling it from the current
// poll map when exhausted) for every interface with a pollable decoder
// attached, and sends that entry's request bytes to the OBD broadcast
// id on that interface.
func (s *Scheduler) PollTick(now time.Time) {
	s.mu.Lock()
	if !s.lastPollRun.IsZero() && now.Sub(s.lastPollRun) < s.pollPeriod {
		s.mu.Unlock()
		return
	}
	s.lastPollRun = now
	s.mu.Unlock()

	for _, iface := range s.db.PollableInterfaces() {
		s.pollOne(iface, now)
	}
}

func (s *Scheduler) pollOne(iface string, now time.Time) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.queue = append(s.queue, s.order...)
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	key := s.queue[0]
	s.queue = s.queue[1:]
	entry, ok := s.polls[key]
	if ok && !entry.repeat {
		s.removeLocked(key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.sender.SendFrame(iface, BroadcastRequestID, entry.request); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("obd poll send failed")
	}
}

// AddPeriodicTask registers a callback that fires whenever at least
// period has elapsed since its last run. Returns the task's id.
func (s *Scheduler) AddPeriodicTask(iface string, period time.Duration, callback PeriodicCallback) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id uint32
	for {
		id = rand.Uint32()
		if _, exists := s.periodic[id]; !exists && id != 0 {
			break
		}
	}
	s.periodic[id] = &periodicTask{iface: iface, period: period, callback: callback}
	return id
}

// RemovePeriodicTask unregisters a periodic task.
func (s *Scheduler) RemovePeriodicTask(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.periodic, id)
}

// PeriodicTick fires every periodic task whose period has elapsed.
func (s *Scheduler) PeriodicTick(now time.Time) {
	s.mu.Lock()
	due := make([]*periodicTask, 0)
	for _, task := range s.periodic {
		if task.lastRun.IsZero() || now.Sub(task.lastRun) >= task.period {
			task.lastRun = now
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		canID, data, emit := task.callback(now)
		if !emit {
			continue
		}
		if err := s.sender.SendFrame(task.iface, canID, data); err != nil {
			s.log.WithError(err).Warn("periodic task send failed")
		}
	}
}

func randomKey() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
