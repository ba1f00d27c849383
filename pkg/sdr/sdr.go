// Package sdr defines the Source abstraction for an IQ-sampling radio
// front end (C7). Two implementations exist: sdr/rtlsdr, a cgo binding
// against librtlsdr for the real hardware, and sdr/fake, an in-memory
// source for tests. Both satisfy Source so the demodulator pipeline
// (C8) and the radio supervisor (C10) never know which one they hold.
package sdr

import "errors"

// DefaultSampleRate and DefaultBlockLength match the RTL-SDR's own
// defaults (8-bit unsigned I/Q interleaved, 1.0 MS/s).
const (
	DefaultSampleRate   = 1_000_000
	DefaultBlockLength  = 65536
	AutoGain            = int(-1 << 31) // "minimum int" sentinel for automatic gain
)

// ErrShortRead is returned by GetSamples when fewer than 2*BlockLength
// bytes were available; short reads are reported as failures but are
// not retried by the caller.
var ErrShortRead = errors.New("sdr: short read, samples lost")

// DeviceInfo describes one attached RTL-SDR dongle.
type DeviceInfo struct {
	Index   uint32
	Name    string
	Vendor  string
	Product string
	Serial  string
}

// Source is an IQ-sampling radio front end.
type Source interface {
	// SetSampleRate configures the device sample rate in Hz.
	SetSampleRate(hz uint32) error
	// SampleRate returns the device's current sample rate in Hz.
	SampleRate() uint32
	// SetFrequency tunes the center frequency in Hz.
	SetFrequency(hz uint32) error
	// Frequency returns the current center frequency in Hz.
	Frequency() uint32
	// SetTunerGain sets the tuner gain in 0.1 dB units, or AutoGain for
	// automatic gain control.
	SetTunerGain(tenthDB int) error
	// TunerGains lists the gain settings (0.1 dB units) the attached
	// tuner supports.
	TunerGains() []int
	// SetAGCMode toggles the RTL2832's own AGC, independent of tuner gain.
	SetAGCMode(on bool) error
	// SetBlockLength sets the number of IQ samples GetSamples returns
	// per call.
	SetBlockLength(n int)
	// ResetBuffer clears the device-side ring buffer.
	ResetBuffer() error
	// GetSamples performs a synchronous read of 2*BlockLength bytes and
	// converts each byte pair to a complex64 sample in [-1, +1). The
	// slice is resized in place.
	GetSamples(out *[]complex64) error
	// Close releases the device.
	Close() error
}

// BytesToIQ converts an interleaved 8-bit unsigned I/Q buffer to
// complex64 samples via (byte-128)/128, matching the original's
// literal formula. len(out) samples are written, consuming 2*len(out)
// bytes from buf.
func BytesToIQ(buf []byte, out []complex64) {
	for i := range out {
		re := float32(int32(buf[2*i]) - 128) / 128
		im := float32(int32(buf[2*i+1]) - 128) / 128
		out[i] = complex(re, im)
	}
}
