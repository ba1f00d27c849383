// Package fake is an in-memory sdr.Source for tests: it never touches
// real hardware, generates a deterministic tone (or silence) on demand,
// and lets tests inject a short-read failure on the next call.
package fake

import (
	"math"
	"sync"

	"github.com/kressner/jeepradio/pkg/sdr"
)

// Source is an in-memory, deterministic stand-in for an RTL-SDR
// device. Construct it with New, which sets the default sample rate,
// block length and automatic gain; the zero value has a block length
// of 0 and so returns no samples.
type Source struct {
	mu sync.Mutex

	sampleRate  uint32
	frequency   uint32
	tunerGain   int
	agc         bool
	blockLength int

	toneHz     float64
	resetCount int
	closed     bool

	// forceShortRead, if > 0, makes the next N GetSamples calls return
	// ErrShortRead instead of generating samples.
	forceShortRead int
}

func New() *Source {
	return &Source{
		sampleRate:  sdr.DefaultSampleRate,
		blockLength: sdr.DefaultBlockLength,
		tunerGain:   sdr.AutoGain,
	}
}

func (s *Source) SetSampleRate(hz uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = hz
	return nil
}

func (s *Source) SampleRate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

func (s *Source) SetFrequency(hz uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frequency = hz
	return nil
}

func (s *Source) Frequency() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

func (s *Source) SetTunerGain(tenthDB int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunerGain = tenthDB
	return nil
}

func (s *Source) TunerGains() []int {
	return []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}
}

func (s *Source) SetAGCMode(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agc = on
	return nil
}

func (s *Source) SetBlockLength(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockLength = n
}

func (s *Source) ResetBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCount++
	return nil
}

// ResetCount reports how many times ResetBuffer has been called, for
// tests asserting on the retune-under-load scenario.
func (s *Source) ResetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCount
}

// SetTone configures the synthetic signal GetSamples generates: a
// single complex exponential at toneHz relative to the center
// frequency, at full scale. toneHz == 0 yields silence (all-zero IQ).
func (s *Source) SetTone(toneHz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toneHz = toneHz
}

// FailNextRead makes the next n calls to GetSamples return
// sdr.ErrShortRead, simulating a device hiccup.
func (s *Source) FailNextRead(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceShortRead = n
}

func (s *Source) GetSamples(out *[]complex64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forceShortRead > 0 {
		s.forceShortRead--
		return sdr.ErrShortRead
	}

	n := s.blockLength
	if cap(*out) < n {
		*out = make([]complex64, n)
	} else {
		*out = (*out)[:n]
	}
	if s.toneHz == 0 {
		for i := range *out {
			(*out)[i] = 0
		}
		return nil
	}
	w := 2 * math.Pi * s.toneHz / float64(s.sampleRate)
	for i := 0; i < n; i++ {
		phase := w * float64(i)
		(*out)[i] = complex(float32(math.Cos(phase)), float32(math.Sin(phase)))
	}
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called, for tests.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ sdr.Source = (*Source)(nil)
