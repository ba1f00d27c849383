// Package radio is the radio supervisor (C10): it owns the current
// tuning state, builds the demodulator appropriate for the mode, and
// runs the three worker threads (reader, processor, output) that move
// samples from the SDR to the speaker.
//
// Grounded directly on RadioMgr.cpp's setFrequencyandMode / SDRReader
// / SDRProcessor / OutputProcessor: the mutex-guarded retune sequence
// (reset SDR buffer, flush the output queue, tune at freq + 0.25 *
// sample_rate to dodge the DC spike, rebuild the decoder, flip the
// should-read flags), the processor re-locking per block so a retune
// never splits a decode call, and the output thread's wait-then-pull
// underflow handling are all carried over; the three pthread+cleanup
// functions collapse into three goroutines each running an explicit
// Process(ctx)-shaped loop, the same context.Context lifecycle the
// transport Manager's own reader loop uses.
package radio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/audio"
	"github.com/kressner/jeepradio/pkg/demod"
	"github.com/kressner/jeepradio/pkg/sampleq"
	"github.com/kressner/jeepradio/pkg/sdr"
)

// Mode is the tuned reception mode.
type Mode int

const (
	ModeOff Mode = iota
	ModeAM
	ModeFM
	ModeVHF
	ModeGMRS
	ModeAux
)

func (m Mode) String() string {
	switch m {
	case ModeAM:
		return "AM"
	case ModeFM:
		return "FM"
	case ModeVHF:
		return "VHF"
	case ModeGMRS:
		return "GMRS"
	case ModeAux:
		return "AUX"
	default:
		return "OFF"
	}
}

// hasDecoder reports whether this mode owns a demodulator, matching
// the invariant that decoder is present iff is_on && mode is FM, VHF,
// or GMRS.
func (m Mode) hasDecoder() bool {
	return m == ModeFM || m == ModeVHF || m == ModeGMRS
}

// Mux is the detected stereo multiplex state.
type Mux int

const (
	MuxUnknown Mux = iota
	MuxMono
	MuxStereo
)

// tuningOffsetFraction sets the mixdown used to dodge the RTL-SDR's DC
// spike; the tuner is always driven this fraction of the sample rate
// above the requested frequency.
const tuningOffsetFraction = 0.25

// narrowbandFreqDev and narrowbandAudioBandwidth are reasonable
// defaults for VHF/GMRS FM voice channels; the original left this
// branch under a "#warning fill these in later" and never finished
// it, so these are supplied rather than ported.
const (
	narrowbandFreqDev         = 5_000.0
	narrowbandAudioBandwidth  = 3_000.0
)

// Supervisor owns (mode, frequency, mux, is_on, decoder) behind a
// single mutex and runs the reader/processor/output worker loops.
type Supervisor struct {
	log *logrus.Entry

	mu        sync.Mutex
	mode      Mode
	frequency uint32
	mux       Mux
	isOn      bool
	decoder   demod.Decoder

	sdr     sdr.Source
	pcmRate int

	iqQueue  *sampleq.Queue[complex64]
	outQueue *sampleq.Queue[float64]
	sink     audio.Sink

	shouldReadSDR atomic.Bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New constructs a supervisor over the given SDR source and audio
// sink. pcmRate is the output PCM rate (48000 per the external
// interface).
func New(log *logrus.Entry, source sdr.Source, sink audio.Sink, pcmRate int) *Supervisor {
	if log != nil {
		log = log.WithField("component", "radio")
	}
	return &Supervisor{
		log:      log,
		sdr:      source,
		sink:     sink,
		pcmRate:  pcmRate,
		mux:      MuxMono,
		iqQueue:  sampleq.New[complex64](),
		outQueue: sampleq.New[float64](),
	}
}

// Start launches the reader, processor, and output worker goroutines.
// While reading is disabled the reader spin-sleeps, and the processor
// and output workers block on their queues; all three exit when ctx is
// cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(3)
	go s.readLoop(ctx)
	go s.processLoop(ctx)
	go s.outputLoop(ctx)
}

// Stop signals every worker to exit and waits for them to finish.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.iqQueue.PushEnd()
	s.outQueue.PushEnd()
	s.wg.Wait()
}

// SetOn turns the radio on or off without changing the tuned mode or
// frequency.
func (s *Supervisor) SetOn(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOn = on
	if !on {
		s.shouldReadSDR.Store(false)
	}
}

// IsOn reports whether the radio is currently on.
func (s *Supervisor) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOn
}

// Mode reports the current tuned mode.
func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Frequency reports the current tuned frequency in Hz.
func (s *Supervisor) Frequency() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

// MuxMode reports the current detected stereo multiplex state.
func (s *Supervisor) MuxMode() Mux {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mux
}

// SetFrequencyAndMode retunes the receiver. If the radio is off, it
// only updates the stored state. If on, and either the mode/frequency
// actually changed or force is set, it resets the SDR buffer, flushes
// the output queue, tunes the hardware tuningOffsetFraction above the
// requested frequency to dodge the DC spike, and builds the decoder
// appropriate for the new mode. For AUX, AM and Off it only records the
// new state, drops the decoder and stops SDR reading; the SDR and the
// output queue are left untouched.
func (s *Supervisor) SetFrequencyAndMode(mode Mode, freq uint32, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOn {
		s.frequency = freq
		s.mode = mode
		return nil
	}

	if !force && freq == s.frequency && mode == s.mode {
		return nil
	}

	s.frequency = freq
	s.mode = mode
	s.mux = MuxMono
	s.decoder = nil
	s.shouldReadSDR.Store(false)

	if mode == ModeAux || mode == ModeAM || mode == ModeOff {
		return nil
	}

	sampleRate := float64(s.sdr.SampleRate())
	if sampleRate == 0 {
		sampleRate = sdr.DefaultSampleRate
	}

	if err := s.sdr.ResetBuffer(); err != nil {
		return err
	}
	s.outQueue.Flush()

	tunerFreq := float64(freq) + tuningOffsetFraction*sampleRate
	if err := s.sdr.SetFrequency(uint32(tunerFreq)); err != nil {
		return err
	}
	tuningOffset := float64(freq) - tunerFreq

	switch mode {
	case ModeFM:
		bandwidthPCM := demod.DefaultBandwidthPCM
		if max := 0.45 * float64(s.pcmRate); bandwidthPCM > max {
			bandwidthPCM = max
		}
		s.decoder = demod.NewBroadcastFM(sampleRate, tuningOffset, s.pcmRate, demod.DefaultBandwidthIF, bandwidthPCM)
	case ModeVHF, ModeGMRS:
		s.decoder = demod.NewNarrowband(sampleRate, tuningOffset, narrowbandFreqDev, demod.DefaultBandwidthIF, narrowbandAudioBandwidth, s.pcmRate)
	}

	s.shouldReadSDR.Store(true)
	return nil
}

// readLoop pulls IQ blocks from the SDR and pushes them to the IQ
// queue; it spin-sleeps at the original's 200 ms interval while
// reading is disabled.
func (s *Supervisor) readLoop(ctx context.Context) {
	defer s.wg.Done()
	var buf []complex64
	for ctx.Err() == nil {
		if !s.shouldReadSDR.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err := s.sdr.GetSamples(&buf); err != nil {
			if s.log != nil {
				s.log.WithError(err).Debug("sdr read failed")
			}
			continue
		}
		cp := make([]complex64, len(buf))
		copy(cp, buf)
		s.iqQueue.Push(cp)
	}
}

// processLoop pulls IQ blocks, invokes the current decoder under the
// state mutex (so a retune can't split a block), and pushes audio to
// the output queue. It discards the first post-tune block, and it
// flips mux on a stereo-detect transition.
func (s *Supervisor) processLoop(ctx context.Context) {
	defer s.wg.Done()
	var audioBuf []float64
	var lastDec demod.Decoder
	block := 0
	gotStereo := false

	for ctx.Err() == nil {
		iq, ok := s.iqQueue.Pull()
		if !ok {
			return
		}
		if len(iq) == 0 {
			continue
		}

		s.mu.Lock()
		dec := s.decoder
		mode := s.mode
		if dec == nil || !s.shouldReadSDR.Load() {
			s.mu.Unlock()
			continue
		}
		if dec != lastDec {
			// a retune built a new decoder: restart the post-tune
			// block count and the stereo transition tracking.
			lastDec = dec
			block = 0
			gotStereo = false
		}
		dec.Process(iq, &audioBuf)

		if mode == ModeFM {
			if sd, isStereo := dec.(interface{ StereoDetected() bool }); isStereo {
				detected := sd.StereoDetected()
				if detected != gotStereo {
					gotStereo = detected
					if detected {
						s.mux = MuxStereo
					} else {
						s.mux = MuxMono
					}
				}
			}
		}
		s.mu.Unlock()

		block++
		if block == 1 {
			continue
		}
		var cp []float64
		if mode == ModeFM {
			cp = make([]float64, len(audioBuf))
			copy(cp, audioBuf)
		} else {
			// narrowband output is mono: duplicate into both channels.
			cp = make([]float64, 0, 2*len(audioBuf))
			for _, v := range audioBuf {
				cp = append(cp, v, v)
			}
		}
		s.outQueue.Push(cp)
	}
}

// outputLoop waits for the output queue to refill on underflow, then
// pulls one block and writes it to the sink.
func (s *Supervisor) outputLoop(ctx context.Context) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		if s.outQueue.QueuedSamples() == 0 {
			s.outQueue.WaitBufferFill(2 * s.pcmRate)
		}
		v, ok := s.outQueue.Pull()
		if !ok {
			return
		}
		if len(v) == 0 {
			continue
		}
		if err := s.sink.Write(v); err != nil && s.log != nil {
			s.log.WithError(err).Warn("audio write failed")
		}
	}
}
